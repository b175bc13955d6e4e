package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
)

// KeyGenerator produces private keys for a KeySpec. Implementations may
// assume the spec has already been validated, but must still reject
// combinations they cannot honour.
type KeyGenerator interface {
	GenerateKey(ctx context.Context, spec KeySpec) (crypto.Signer, error)
}

// ---------------------------------------------------------------------------
// SoftwareKeyGenerator: default implementation backed by crypto/rand
// ---------------------------------------------------------------------------

// SoftwareKeyGenerator generates RSA and ECDSA keys in process memory.
type SoftwareKeyGenerator struct {
	rand io.Reader // defaults to crypto/rand.Reader
}

// Compile-time interface check.
var _ KeyGenerator = (*SoftwareKeyGenerator)(nil)

// NewSoftwareKeyGenerator returns a SoftwareKeyGenerator ready for use.
func NewSoftwareKeyGenerator() *SoftwareKeyGenerator {
	return &SoftwareKeyGenerator{rand: rand.Reader}
}

// GenerateKey creates a key pair for spec. RSA generation is not
// interruptible; ctx is only checked before work starts.
func (g *SoftwareKeyGenerator) GenerateKey(ctx context.Context, spec KeySpec) (crypto.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch spec.Type {
	case KeyTypeRSA:
		key, err := rsa.GenerateKey(g.rand, spec.Bits)
		if err != nil {
			return nil, fmt.Errorf("generating RSA-%d key: %w", spec.Bits, err)
		}
		return key, nil
	case KeyTypeECDSA:
		curve, err := CurveByName(spec.Curve)
		if err != nil {
			return nil, err
		}
		key, err := ecdsa.GenerateKey(curve, g.rand)
		if err != nil {
			return nil, fmt.Errorf("generating ECDSA %s key: %w", spec.Curve, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeySpec, spec)
}

// KeySpecOf reports the KeySpec describing an existing public key.
// Curves outside the allow-list are reported by name but fail Validate.
func KeySpecOf(pub crypto.PublicKey) (KeySpec, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return KeySpec{Type: KeyTypeRSA, Bits: k.N.BitLen()}, nil
	case *ecdsa.PublicKey:
		return KeySpec{Type: KeyTypeECDSA, Curve: CurveName(k.Curve)}, nil
	}
	return KeySpec{}, fmt.Errorf("%w: public key %T", ErrUnsupportedKeySpec, pub)
}
