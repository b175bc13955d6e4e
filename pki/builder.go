package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"time"

	"github.com/jmcleod/certmanager/internal/util"
)

// serialBits is the size of generated serial numbers. 127 bits keeps the
// DER INTEGER positive within the 20 octet limit of RFC 5280.
const serialBits = 127

// Template carries everything needed to build a certificate or CSR for a
// subject.
type Template struct {
	Subject  pkix.Name
	Lifetime int // days
	Digest   Digest
	Usage    Usage
	AltNames []AltName
}

// Issuer is the signing side of an issuance: a CA certificate and its key.
type Issuer struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// Validate checks that the issuer is a CA and that its key pairs with its
// certificate.
func (i Issuer) Validate() error {
	if i.Certificate == nil || i.Key == nil {
		return fmt.Errorf("%w: issuer certificate and key required", ErrNotCA)
	}
	if !i.Certificate.IsCA {
		return ErrNotCA
	}
	return CheckKeyPair(i.Certificate, i.Key)
}

// SignOptions control how a CSR is turned into a certificate. A zero Usage
// keeps the usage extensions requested in the CSR; a nil AltNames keeps the
// requested SAN.
type SignOptions struct {
	Lifetime int // days
	Digest   Digest
	Usage    Usage
	AltNames *[]AltName
}

// Builder assembles certificates and CSRs.
type Builder struct {
	now  func() time.Time
	rand io.Reader
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithRandom overrides the entropy source used for signatures.
func WithRandom(r io.Reader) BuilderOption {
	return func(b *Builder) { b.rand = r }
}

// NewBuilder returns a Builder using the wall clock and crypto/rand.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{now: time.Now, rand: rand.Reader}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) validity(days int) (time.Time, time.Time, error) {
	if days < 1 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %d days", ErrInvalidLifetime, days)
	}
	notBefore := b.now().UTC().Truncate(time.Second)
	return notBefore, notBefore.AddDate(0, 0, days), nil
}

// baseTemplate fills the fields shared by every issuance path.
func (b *Builder) baseTemplate(days int, digest Digest, signer crypto.PublicKey) (*x509.Certificate, error) {
	notBefore, notAfter, err := b.validity(days)
	if err != nil {
		return nil, err
	}
	sigAlg, err := SignatureAlgorithm(signer, digest)
	if err != nil {
		return nil, err
	}
	serial, err := util.RandomSerial(serialBits)
	if err != nil {
		return nil, err
	}
	return &x509.Certificate{
		SerialNumber:       serial,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: sigAlg,
	}, nil
}

// freshExtensions synthesizes usage and SAN extensions for a Template.
func freshExtensions(t Template) ([]pkix.Extension, error) {
	exts, err := usageExtensions(t.Usage)
	if err != nil {
		return nil, err
	}
	if len(t.AltNames) > 0 {
		san, err := marshalSubjectAltNames(t.AltNames)
		if err != nil {
			return nil, err
		}
		exts = append([]pkix.Extension{san}, exts...)
	}
	return exts, nil
}

func (b *Builder) create(tmpl, parent *x509.Certificate, pub crypto.PublicKey, key crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(b.rand, tmpl, parent, pub, key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing signed certificate: %w", err)
	}
	return cert, nil
}

// SelfSigned builds a certificate for key signed by key. Issuer equals
// subject and the authority key identifier equals the subject key
// identifier.
func (b *Builder) SelfSigned(t Template, key crypto.Signer) (*x509.Certificate, error) {
	tmpl, err := b.baseTemplate(t.Lifetime, t.Digest, key.Public())
	if err != nil {
		return nil, err
	}
	if tmpl.ExtraExtensions, err = freshExtensions(t); err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(key.Public())
	if err != nil {
		return nil, err
	}
	tmpl.Subject = t.Subject
	tmpl.SubjectKeyId = ski
	tmpl.AuthorityKeyId = ski

	return b.create(tmpl, tmpl, key.Public(), key)
}

// Issue builds a certificate for pub signed by issuer.
func (b *Builder) Issue(t Template, pub crypto.PublicKey, issuer Issuer) (*x509.Certificate, error) {
	if err := issuer.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := b.baseTemplate(t.Lifetime, t.Digest, issuer.Key.Public())
	if err != nil {
		return nil, err
	}
	if tmpl.ExtraExtensions, err = freshExtensions(t); err != nil {
		return nil, err
	}
	if tmpl.SubjectKeyId, err = subjectKeyID(pub); err != nil {
		return nil, err
	}
	tmpl.Subject = t.Subject

	return b.create(tmpl, issuer.Certificate, pub, issuer.Key)
}

// CreateCSR builds a PKCS#10 request for key carrying the subject and the
// requested SAN and usage extensions.
func (b *Builder) CreateCSR(t Template, key crypto.Signer) (*x509.CertificateRequest, error) {
	sigAlg, err := SignatureAlgorithm(key.Public(), t.Digest)
	if err != nil {
		return nil, err
	}
	exts, err := freshExtensions(t)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificateRequest(b.rand, &x509.CertificateRequest{
		Subject:            t.Subject,
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    exts,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate request: %w", err)
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate request: %w", err)
	}
	return csr, nil
}

// SignCSR issues a certificate for csr. Subject and public key come from the
// request. Only the allow-listed extensions are copied, first occurrence of
// each; overrides in opts replace the copied ones.
func (b *Builder) SignCSR(csr *x509.CertificateRequest, issuer Issuer, opts SignOptions) (*x509.Certificate, error) {
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCSR, err)
	}
	if err := issuer.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := b.baseTemplate(opts.Lifetime, opts.Digest, issuer.Key.Public())
	if err != nil {
		return nil, err
	}

	exts := filterCSRExtensions(csr.Extensions)
	if opts.Usage != "" {
		usage, err := usageExtensions(opts.Usage)
		if err != nil {
			return nil, err
		}
		exts = append(withoutExtension(exts, oidExtKeyUsage, oidExtExtendedKeyUsage, oidExtBasicConstraints), usage...)
	}
	if opts.AltNames != nil {
		exts = withoutExtension(exts, oidExtSubjectAltName)
		if len(*opts.AltNames) > 0 {
			san, err := marshalSubjectAltNames(*opts.AltNames)
			if err != nil {
				return nil, err
			}
			exts = append([]pkix.Extension{san}, exts...)
		}
	}
	if _, ok := findExtension(exts, oidExtSubjectKeyID); !ok {
		if tmpl.SubjectKeyId, err = subjectKeyID(csr.PublicKey); err != nil {
			return nil, err
		}
	}

	tmpl.RawSubject = csr.RawSubject
	tmpl.ExtraExtensions = exts

	return b.create(tmpl, issuer.Certificate, csr.PublicKey, issuer.Key)
}
