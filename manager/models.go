// Package manager is the certificate and CA registry: it validates create,
// update and delete commands, drives key generation and issuance through
// package pki, and persists entities as sealed records.
package manager

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jmcleod/certmanager/pki"
)

// AltName is a typed subject alternative name.
type AltName = pki.AltName

// CertType is the lifecycle class of a certificate entity. It is closed:
// the only values are CertTypeSelfSigned, CertTypeReferencedCA and
// CertTypeSigningRequest.
type CertType struct{ name string }

var (
	CertTypeSelfSigned     = CertType{"self-signed"}
	CertTypeReferencedCA   = CertType{"certificate-referenced-ca"}
	CertTypeSigningRequest = CertType{"certificate-signing-request"}
)

var certTypes = []CertType{CertTypeSelfSigned, CertTypeReferencedCA, CertTypeSigningRequest}

func (t CertType) String() string { return t.name }

// IsZero reports whether t is unset.
func (t CertType) IsZero() bool { return t.name == "" }

func (t CertType) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("marshalling unset certificate type")
	}
	return []byte(t.name), nil
}

func (t *CertType) UnmarshalText(b []byte) error {
	for _, ct := range certTypes {
		if ct.name == string(b) {
			*t = ct
			return nil
		}
	}
	return fmt.Errorf("unknown certificate type %q", b)
}

// Certificate is a stored certificate entity. PEM material is kept as
// bytes; JSON renders it base64 encoded.
type Certificate struct {
	RefID     string    `json:"refid"`
	Seq       uint64    `json:"seq"`
	Descr     string    `json:"descr"`
	Type      CertType  `json:"certtype"`
	Crt       []byte    `json:"crt,omitempty"`
	Prv       []byte    `json:"prv,omitempty"`
	CSR       []byte    `json:"csr,omitempty"`
	CARef     string    `json:"caref,omitempty"`
	Usage     pki.Usage `json:"type,omitempty"`
	Holders   []string  `json:"holders,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Pending reports whether the entity is a CSR still waiting for its
// certificate.
func (c *Certificate) Pending() bool {
	return c.Type == CertTypeSigningRequest && len(c.Crt) == 0
}

// CA is a stored certificate authority entity.
type CA struct {
	RefID     string    `json:"refid"`
	Seq       uint64    `json:"seq"`
	Descr     string    `json:"descr"`
	Trust     bool      `json:"trust"`
	Crt       []byte    `json:"crt"`
	Prv       []byte    `json:"prv,omitempty"`
	CARef     string    `json:"caref,omitempty"`
	Holders   []string  `json:"holders,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CertificateView is a certificate as returned to callers: stored fields
// plus metadata derived from the certificate (or CSR) on every read.
type CertificateView struct {
	RefID    string   `json:"refid"`
	Descr    string   `json:"descr"`
	CertType CertType `json:"certtype"`
	Crt      []byte   `json:"crt,omitempty"`
	Prv      []byte   `json:"prv,omitempty"`
	CSR      []byte   `json:"csr,omitempty"`
	CARef    string   `json:"caref,omitempty"`
	pki.Details
	KeyAvailable bool     `json:"keyavailable"`
	IsRevoked    bool     `json:"isrevoked"`
	InUse        []string `json:"inuse"`
}

// CAView is a CA as returned to callers.
type CAView struct {
	RefID    string   `json:"refid"`
	Descr    string   `json:"descr"`
	CertType CertType `json:"certtype"`
	Trust    bool     `json:"trust"`
	Crt      []byte   `json:"crt"`
	Prv      []byte   `json:"prv,omitempty"`
	CARef    string   `json:"caref,omitempty"`
	pki.Details
	KeyAvailable bool     `json:"keyavailable"`
	IsRevoked    bool     `json:"isrevoked"`
	InUse        []string `json:"inuse"`
}

// ReadOptions control what reads expose. The zero value scrubs private keys.
type ReadOptions struct {
	DisableScrubbing bool
}

// Fields is a request payload as decoded from JSON: numbers may arrive as
// float64, json.Number or numeric strings.
type Fields map[string]any

// SignRequest fulfils a pending CSR. Either CARef names a stored CA with a
// key, or CACrt and CAPrv carry an external CA (PEM, optionally base64).
type SignRequest struct {
	CARef    string
	CACrt    string
	CAPrv    string
	Lifetime int
	Digest   pki.Digest
	Usage    pki.Usage
	AltNames *[]AltName
}

// Export formats.
const (
	ExportPEM             = "pem"
	ExportPKCS12          = "pkcs12"
	ExportPEMEncryptedKey = "pem_encrypted_key"
)

// ExportRequest selects what Export renders.
type ExportRequest struct {
	Format       string
	Password     string
	IncludeKey   bool
	IncludeChain bool
}

// ExportResult is the rendered payload.
type ExportResult struct {
	Format      string
	ContentType string
	Filename    string
	Data        []byte
}

func certTypeOf(cert *x509.Certificate) CertType {
	if isSelfSigned(cert) {
		return CertTypeSelfSigned
	}
	return CertTypeReferencedCA
}

func isSelfSigned(cert *x509.Certificate) bool {
	if string(cert.RawIssuer) != string(cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}
