package storage

import (
	"errors"
	"fmt"

	"github.com/jmcleod/certmanager/internal/util"
)

const (
	envelopeVersion = 1

	SchemeAES256GCM = "aes256gcm"
	// SchemePlain marks non-secret bookkeeping records (KDF salt and parameters).
	SchemePlain = "plain"
)

// ErrUnsealFailed is returned when an envelope cannot be authenticated with
// the supplied key and AAD.
var ErrUnsealFailed = errors.New("unable to unseal record")

// Envelope is a stored record. Sealed envelopes carry AES-256-GCM ciphertext;
// plain envelopes carry their payload in Ciphertext unchanged.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemeAES256GCM,
		Nonce:      sealed[:util.GCMNonceSize],
		Ciphertext: sealed[util.GCMNonceSize:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAES256GCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	full := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	full = append(full, envelope.Nonce...)
	full = append(full, envelope.Ciphertext...)

	plaintext, err := util.DecryptAESWithAAD(full, recordKey, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealFailed, err)
	}
	return plaintext, nil
}

// PlainRecord wraps non-secret data in an unsealed Envelope.
func PlainRecord(data []byte, version uint64) *Envelope {
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemePlain,
		Ciphertext: util.CopyBytes(data),
		Version:    version,
	}
}

// OpenPlain returns the payload of an envelope created by PlainRecord.
func OpenPlain(envelope *Envelope) ([]byte, error) {
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemePlain {
		return nil, fmt.Errorf("unexpected envelope scheme: %s", envelope.Scheme)
	}
	return util.CopyBytes(envelope.Ciphertext), nil
}
