package pki

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/youmark/pkcs8"
	"software.sslmate.com/src/go-pkcs12"
)

// Size ceilings for caller-supplied payloads.
const (
	MaxPEMSize    = 64 << 10
	MaxPKCS12Size = 1 << 20
)

const (
	pemTypeCertificate  = "CERTIFICATE"
	pemTypeCSR          = "CERTIFICATE REQUEST"
	pemTypeCSRLegacy    = "NEW CERTIFICATE REQUEST"
	pemTypePrivateKey   = "PRIVATE KEY"
	pemTypeRSAKey       = "RSA PRIVATE KEY"
	pemTypeECKey        = "EC PRIVATE KEY"
	pemTypeEncryptedKey = "ENCRYPTED PRIVATE KEY"
)

func decodeBlock(data []byte) (*pem.Block, error) {
	if len(data) > MaxPEMSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNotPEM
	}
	return block, nil
}

// ---------------------------------------------------------------------------
// Certificates and CSRs
// ---------------------------------------------------------------------------

// DecodeCertificatePEM parses the first PEM block of data as a certificate.
func DecodeCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, err := decodeBlock(data)
	if err != nil {
		return nil, err
	}
	if block.Type != pemTypeCertificate {
		return nil, fmt.Errorf("%w: %q, want %q", ErrUnexpectedPEMType, block.Type, pemTypeCertificate)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPEM, err)
	}
	return cert, nil
}

// EncodeCertificatePEM returns the PEM encoding of cert.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: cert.Raw})
}

// DecodeCSRPEM parses a PKCS#10 request and verifies its self-signature.
func DecodeCSRPEM(data []byte) (*x509.CertificateRequest, error) {
	block, err := decodeBlock(data)
	if err != nil {
		return nil, err
	}
	if block.Type != pemTypeCSR && block.Type != pemTypeCSRLegacy {
		return nil, fmt.Errorf("%w: %q, want %q", ErrUnexpectedPEMType, block.Type, pemTypeCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	return csr, nil
}

// EncodeCSRPEM returns the PEM encoding of csr.
func EncodeCSRPEM(csr *x509.CertificateRequest) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCSR, Bytes: csr.Raw})
}

// ---------------------------------------------------------------------------
// Private keys
// ---------------------------------------------------------------------------

// IsEncryptedKeyPEM reports whether data holds a password-protected private
// key, either PKCS#8 "ENCRYPTED PRIVATE KEY" or a legacy Proc-Type header.
// Input that is not a complete PEM block counts as encrypted when it carries
// an ENCRYPTED marker, e.g. a lone "BEGIN ENCRYPTED PRIVATE KEY" line.
func IsEncryptedKeyPEM(data []byte) bool {
	block, err := decodeBlock(data)
	if errors.Is(err, ErrNotPEM) {
		return bytes.Contains(data, []byte("ENCRYPTED"))
	}
	if err != nil {
		return false
	}
	return block.Type == pemTypeEncryptedKey || strings.Contains(block.Headers["Proc-Type"], "ENCRYPTED")
}

// DecodePrivateKeyPEM parses an unencrypted PKCS#8, PKCS#1 or SEC1 private key.
func DecodePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, err := decodeBlock(data)
	if err != nil {
		return nil, err
	}
	if block.Type == pemTypeEncryptedKey || strings.Contains(block.Headers["Proc-Type"], "ENCRYPTED") {
		return nil, ErrKeyEncrypted
	}
	return parseKeyDER(block.Type, block.Bytes)
}

func parseKeyDER(blockType string, der []byte) (crypto.Signer, error) {
	var (
		key any
		err error
	)
	switch blockType {
	case pemTypePrivateKey:
		key, err = x509.ParsePKCS8PrivateKey(der)
	case pemTypeRSAKey:
		key, err = x509.ParsePKCS1PrivateKey(der)
	case pemTypeECKey:
		key, err = x509.ParseECPrivateKey(der)
	default:
		return nil, fmt.Errorf("%w: %q is not a private key", ErrUnexpectedPEMType, blockType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPEM, err)
	}
	return asSigner(key)
}

func asSigner(key any) (crypto.Signer, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return k.(crypto.Signer), nil
	}
	return nil, fmt.Errorf("%w: unsupported private key %T", ErrUnexpectedPEMType, key)
}

// EncodePrivateKeyPEM marshals key as PKCS#8 "PRIVATE KEY".
func EncodePrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshalling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypePrivateKey, Bytes: der}), nil
}

// encryptedPrivateKeyInfo is the RFC 5958 outer structure; parsing it first
// separates "not an encrypted key" from "wrong password".
type encryptedPrivateKeyInfo struct {
	Algorithm     pkix.AlgorithmIdentifier
	EncryptedData []byte
}

// DecryptPrivateKeyPEM decrypts a password-protected private key.
// A wrong password yields ErrIncorrectPassword; anything that is not an
// encrypted key in a supported format yields ErrUnrecognizedKey.
func DecryptPrivateKeyPEM(data, password []byte) (crypto.Signer, error) {
	block, err := decodeBlock(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedKey, err)
	}

	switch {
	case block.Type == pemTypeEncryptedKey:
		var info encryptedPrivateKeyInfo
		if rest, err := asn1.Unmarshal(block.Bytes, &info); err != nil || len(rest) > 0 {
			return nil, fmt.Errorf("%w: malformed EncryptedPrivateKeyInfo", ErrUnrecognizedKey)
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		if err != nil {
			if msg := err.Error(); strings.Contains(msg, "support") || strings.Contains(msg, "unknown") {
				return nil, fmt.Errorf("%w: %v", ErrUnrecognizedKey, err)
			}
			return nil, ErrIncorrectPassword
		}
		return asSigner(key)

	case strings.Contains(block.Headers["Proc-Type"], "ENCRYPTED"):
		//nolint:staticcheck // legacy OpenSSL encryption still shows up in imports
		der, err := x509.DecryptPEMBlock(block, password)
		if err != nil {
			if errors.Is(err, x509.IncorrectPasswordError) {
				return nil, ErrIncorrectPassword
			}
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedKey, err)
		}
		key, err := parseKeyDER(block.Type, der)
		if err != nil {
			// Legacy PEM encryption has no integrity check, so a wrong
			// password usually surfaces as garbage DER.
			return nil, ErrIncorrectPassword
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: key is not encrypted", ErrUnrecognizedKey)
}

// EncryptPrivateKeyPEM marshals key as PKCS#8 "ENCRYPTED PRIVATE KEY"
// (PBES2, PBKDF2-SHA256, AES-256-CBC).
func EncryptPrivateKeyPEM(key crypto.Signer, password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password must not be empty")
	}
	der, err := pkcs8.ConvertPrivateKeyToPKCS8(key, password)
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeEncryptedKey, Bytes: der}), nil
}

// ---------------------------------------------------------------------------
// PKCS#12
// ---------------------------------------------------------------------------

// Bundle is the content of a PKCS#12 file.
type Bundle struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	CACerts     []*x509.Certificate
}

// DecodePKCS12 extracts the leaf certificate, its key and any bundled CA
// certificates from a PKCS#12 file.
func DecodePKCS12(data []byte, password string) (*Bundle, error) {
	if len(data) > MaxPKCS12Size {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(data))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedBundle)
	}

	priv, leaf, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrIncorrectPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	key, err := asSigner(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	// Bag order is not guaranteed; promote whichever certificate carries the key.
	if !KeyMatchesPublicKey(leaf.PublicKey, key) {
		for i, c := range caCerts {
			if KeyMatchesPublicKey(c.PublicKey, key) {
				caCerts[i], leaf = leaf, c
				break
			}
		}
	}
	return &Bundle{Certificate: leaf, Key: key, CACerts: caCerts}, nil
}

// EncodePKCS12 serialises b with the modern (AES-256, SHA-256 MAC) profile.
func EncodePKCS12(b *Bundle, password string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(b.Key, b.Certificate, b.CACerts, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12: %w", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Pairing
// ---------------------------------------------------------------------------

// KeyMatchesPublicKey reports whether key is the private half of pub by
// comparing public key components directly.
func KeyMatchesPublicKey(pub crypto.PublicKey, key crypto.Signer) bool {
	if pub == nil || key == nil {
		return false
	}
	switch p := pub.(type) {
	case *rsa.PublicKey:
		k, ok := key.Public().(*rsa.PublicKey)
		return ok && p.E == k.E && p.N.Cmp(k.N) == 0
	case *ecdsa.PublicKey:
		k, ok := key.Public().(*ecdsa.PublicKey)
		return ok && p.Curve == k.Curve && p.X.Cmp(k.X) == 0 && p.Y.Cmp(k.Y) == 0
	case ed25519.PublicKey:
		k, ok := key.Public().(ed25519.PublicKey)
		return ok && bytes.Equal(p, k)
	}
	return false
}

// CheckKeyPair returns ErrKeyMismatch unless key belongs to cert.
func CheckKeyPair(cert *x509.Certificate, key crypto.Signer) error {
	if !KeyMatchesPublicKey(cert.PublicKey, key) {
		return ErrKeyMismatch
	}
	return nil
}

// Fingerprint returns the lowercase hex SHA-256 of cert's DER encoding.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
