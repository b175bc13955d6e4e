// Package pki holds the stateless X.509 machinery behind the certificate
// manager: key generation, PEM / encrypted-key / PKCS#12 codecs, certificate
// and CSR construction, and derived read-time metadata.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrUnsupportedKeySpec is returned for key type / size / curve
	// combinations outside the allow-lists.
	ErrUnsupportedKeySpec = errors.New("unsupported key specification")

	// ErrUnsupportedDigest is returned for digest algorithms outside the allow-list.
	ErrUnsupportedDigest = errors.New("unsupported digest algorithm")

	// ErrNotPEM is returned when data is not valid PEM, or the PEM body is
	// not valid DER for the expected structure.
	ErrNotPEM = errors.New("invalid PEM data")

	// ErrUnexpectedPEMType is returned when the PEM structure is valid but
	// carries the wrong block type or an unsupported key family.
	ErrUnexpectedPEMType = errors.New("unexpected PEM block type")

	// ErrKeyEncrypted is returned when an encrypted private key is supplied
	// where a plain one is required.
	ErrKeyEncrypted = errors.New("private key is encrypted")

	// ErrIncorrectPassword is returned when an encrypted key or PKCS#12
	// bundle cannot be decrypted with the supplied password.
	ErrIncorrectPassword = errors.New("incorrect password")

	// ErrUnrecognizedKey is returned when data is not an encrypted private
	// key in a recognised format.
	ErrUnrecognizedKey = errors.New("unrecognized encrypted private key format")

	// ErrMalformedBundle is returned when PKCS#12 data cannot be parsed.
	ErrMalformedBundle = errors.New("malformed PKCS#12 bundle")

	// ErrPayloadTooLarge is returned when an input exceeds its size ceiling.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")

	// ErrKeyMismatch is returned when a private key does not belong to the
	// public key of a certificate or CSR.
	ErrKeyMismatch = errors.New("private key does not match public key")

	// ErrInvalidCSR is returned when a CSR fails its self-signature check.
	ErrInvalidCSR = errors.New("invalid certificate signing request")

	// ErrNotCA is returned when an issuer certificate is not a CA.
	ErrNotCA = errors.New("issuer certificate is not a CA")

	// ErrInvalidLifetime is returned for non-positive validity periods.
	ErrInvalidLifetime = errors.New("invalid certificate lifetime")
)

// ---------------------------------------------------------------------------
// Algorithm allow-lists
// ---------------------------------------------------------------------------

// KeyType identifies an asymmetric key family.
type KeyType string

const (
	KeyTypeRSA   KeyType = "RSA"
	KeyTypeECDSA KeyType = "ECDSA"
)

// Digest names a signature hash.
type Digest string

const (
	DigestSHA256 Digest = "sha256"
	DigestSHA384 Digest = "sha384"
	DigestSHA512 Digest = "sha512"
)

var (
	rsaKeySizes = []int{2048, 3072, 4096}
	digests     = []Digest{DigestSHA256, DigestSHA384, DigestSHA512}
	curveNames  = []string{"prime256v1", "secp384r1", "secp521r1"}
	curves      = map[string]elliptic.Curve{
		"prime256v1": elliptic.P256(),
		"secp384r1":  elliptic.P384(),
		"secp521r1":  elliptic.P521(),
	}
)

// RSAKeySizes returns the accepted RSA modulus sizes in bits.
func RSAKeySizes() []int { return slices.Clone(rsaKeySizes) }

// CurveNames returns the accepted ECDSA curve names (OpenSSL naming).
func CurveNames() []string { return slices.Clone(curveNames) }

// Digests returns the accepted signature digests.
func Digests() []Digest { return slices.Clone(digests) }

// ParseKeyType matches s case-insensitively against the supported key types.
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToUpper(s) {
	case string(KeyTypeRSA):
		return KeyTypeRSA, nil
	case string(KeyTypeECDSA):
		return KeyTypeECDSA, nil
	}
	return "", fmt.Errorf("%w: key type %q", ErrUnsupportedKeySpec, s)
}

// ParseDigest matches s case-insensitively against the digest allow-list.
func ParseDigest(s string) (Digest, error) {
	d := Digest(strings.ToLower(s))
	if !slices.Contains(digests, d) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDigest, s)
	}
	return d, nil
}

// CurveByName returns the curve registered under name.
func CurveByName(name string) (elliptic.Curve, error) {
	c, ok := curves[name]
	if !ok {
		return nil, fmt.Errorf("%w: curve %q", ErrUnsupportedKeySpec, name)
	}
	return c, nil
}

// CurveName returns the OpenSSL name of c, including curves that are
// readable but not accepted for generation.
func CurveName(c elliptic.Curve) string {
	switch c {
	case elliptic.P224():
		return "secp224r1"
	case elliptic.P256():
		return "prime256v1"
	case elliptic.P384():
		return "secp384r1"
	case elliptic.P521():
		return "secp521r1"
	}
	return c.Params().Name
}

// KeySpec describes a key to generate.
type KeySpec struct {
	Type  KeyType
	Bits  int
	Curve string
}

// Validate checks s against the allow-lists.
func (s KeySpec) Validate() error {
	switch s.Type {
	case KeyTypeRSA:
		if !slices.Contains(rsaKeySizes, s.Bits) {
			return fmt.Errorf("%w: RSA key length %d", ErrUnsupportedKeySpec, s.Bits)
		}
	case KeyTypeECDSA:
		if _, err := CurveByName(s.Curve); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: key type %q", ErrUnsupportedKeySpec, s.Type)
	}
	return nil
}

func (s KeySpec) String() string {
	if s.Type == KeyTypeECDSA {
		return "ECDSA " + s.Curve
	}
	return fmt.Sprintf("%s %d", s.Type, s.Bits)
}

// SignatureAlgorithm selects the x509 signature algorithm for a signing key
// of pub's family and the requested digest.
func SignatureAlgorithm(pub crypto.PublicKey, digest Digest) (x509.SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		switch digest {
		case DigestSHA256:
			return x509.SHA256WithRSA, nil
		case DigestSHA384:
			return x509.SHA384WithRSA, nil
		case DigestSHA512:
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch digest {
		case DigestSHA256:
			return x509.ECDSAWithSHA256, nil
		case DigestSHA384:
			return x509.ECDSAWithSHA384, nil
		case DigestSHA512:
			return x509.ECDSAWithSHA512, nil
		}
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: signing key %T", ErrUnsupportedKeySpec, pub)
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %q", ErrUnsupportedDigest, digest)
}

var attributeShortNames = map[string]string{
	"2.5.4.3":              "CN",
	"2.5.4.5":              "serialNumber",
	"2.5.4.6":              "C",
	"2.5.4.7":              "L",
	"2.5.4.8":              "ST",
	"2.5.4.9":              "street",
	"2.5.4.10":             "O",
	"2.5.4.11":             "OU",
	"2.5.4.17":             "postalCode",
	"1.2.840.113549.1.9.1": "emailAddress",
}

// subjectString formats a pkix.Name as a DN string with attributes ordered
// by descending short name ("ST=Utah, O=Example, CN=example.com, C=US").
// Repeated attributes keep their encoded order.
func subjectString(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		for _, rdn := range name.ToRDNSequence() {
			atvs = append(atvs, rdn...)
		}
	}

	type part struct{ key, value string }
	parts := make([]part, 0, len(atvs))
	for _, atv := range atvs {
		key, ok := attributeShortNames[atv.Type.String()]
		if !ok {
			key = atv.Type.String()
		}
		parts = append(parts, part{key: key, value: fmt.Sprint(atv.Value)})
	}
	slices.SortStableFunc(parts, func(a, b part) int { return strings.Compare(b.key, a.key) })

	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.key + "=" + p.value
	}
	return strings.Join(out, ", ")
}
