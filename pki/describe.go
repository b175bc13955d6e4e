package pki

import (
	"crypto/ecdsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/jmcleod/certmanager/internal/util"
)

// Details is the read-time metadata derived from a certificate or CSR.
// None of it is stored; it is recomputed from the DER on every read.
type Details struct {
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer,omitempty"`
	Serial            string    `json:"serial,omitempty"`
	SigType           string    `json:"sigtype"`
	DigestAlg         Digest    `json:"digest_alg,omitempty"`
	Hash              string    `json:"hash"`
	SubjectKeyID      string    `json:"subjectkeyid,omitempty"`
	AuthorityKeyID    string    `json:"authoritykeyid,omitempty"`
	ValidFrom         time.Time `json:"validfrom,omitzero"`
	ValidTo           time.Time `json:"validto,omitzero"`
	TotalLifetime     int       `json:"totallifetime"`
	LifetimeRemaining int       `json:"lifetimeremaining"`
	AltNames          []AltName `json:"altnames"`
	KeyUsage          []string  `json:"keyusage"`
	ExtendedKeyUsage  []string  `json:"extendedkeyusage"`
	KeyType           KeyType   `json:"keytype,omitempty"`
	KeyLen            int       `json:"keylen,omitempty"`
	ECName            string    `json:"ecname,omitempty"`
	IsServerCert      bool      `json:"isservercert"`
	IsCACert          bool      `json:"iscacert"`
}

var keyUsageNames = []string{
	"Digital Signature",
	"Non Repudiation",
	"Key Encipherment",
	"Data Encipherment",
	"Key Agreement",
	"Certificate Sign",
	"CRL Sign",
	"Encipher Only",
	"Decipher Only",
}

var extKeyUsageNames = []struct {
	oid  asn1.ObjectIdentifier
	name string
}{
	{oidEKUServerAuth, "TLS Web Server Authentication"},
	{oidEKUClientAuth, "TLS Web Client Authentication"},
	{oidEKUCodeSigning, "Code Signing"},
	{oidEKUEmailProtection, "E-mail Protection"},
	{oidEKUIPSECEndSystem, "IPSec End System"},
	{oidEKUIPSECTunnel, "IPSec Tunnel"},
	{oidEKUIPSECUser, "IPSec User"},
	{oidEKUTimeStamping, "Time Stamping"},
	{oidEKUOCSPSigning, "OCSP Signing"},
	{oidEKUIKEIntermediate, "IP Security IKE Intermediate"},
	{oidEKUAny, "Any Extended Key Usage"},
}

var signatureNames = map[x509.SignatureAlgorithm]struct {
	name   string
	digest Digest
}{
	x509.SHA1WithRSA:      {"RSA-SHA1", "sha1"},
	x509.SHA256WithRSA:    {"RSA-SHA256", DigestSHA256},
	x509.SHA384WithRSA:    {"RSA-SHA384", DigestSHA384},
	x509.SHA512WithRSA:    {"RSA-SHA512", DigestSHA512},
	x509.SHA256WithRSAPSS: {"RSASSA-PSS", DigestSHA256},
	x509.SHA384WithRSAPSS: {"RSASSA-PSS", DigestSHA384},
	x509.SHA512WithRSAPSS: {"RSASSA-PSS", DigestSHA512},
	x509.ECDSAWithSHA1:    {"ecdsa-with-SHA1", "sha1"},
	x509.ECDSAWithSHA256:  {"ecdsa-with-SHA256", DigestSHA256},
	x509.ECDSAWithSHA384:  {"ecdsa-with-SHA384", DigestSHA384},
	x509.ECDSAWithSHA512:  {"ecdsa-with-SHA512", DigestSHA512},
	x509.PureEd25519:      {"ED25519", ""},
}

// DescribeCertificate derives Details from cert. now anchors
// LifetimeRemaining, which never drops below zero.
func DescribeCertificate(cert *x509.Certificate, now time.Time) Details {
	d := describeCommon(cert.Subject, cert.RawSubject, cert.SignatureAlgorithm, cert.PublicKey, cert.Extensions)
	d.Issuer = subjectString(cert.Issuer)
	d.Serial = cert.SerialNumber.Text(16)
	d.ValidFrom = cert.NotBefore.UTC()
	d.ValidTo = cert.NotAfter.UTC()
	d.TotalLifetime = wholeDays(cert.NotAfter.Sub(cert.NotBefore))
	d.LifetimeRemaining = max(0, wholeDays(cert.NotAfter.Sub(now)))
	if len(cert.SubjectKeyId) > 0 {
		d.SubjectKeyID = util.ColonHex(cert.SubjectKeyId)
	}
	if len(cert.AuthorityKeyId) > 0 {
		d.AuthorityKeyID = util.ColonHex(cert.AuthorityKeyId)
	}
	return d
}

// DescribeCSR derives Details from a certificate request. Validity,
// issuer and serial are left empty.
func DescribeCSR(csr *x509.CertificateRequest) Details {
	d := describeCommon(csr.Subject, csr.RawSubject, csr.SignatureAlgorithm, csr.PublicKey, csr.Extensions)
	if ext, ok := findExtension(csr.Extensions, oidExtSubjectKeyID); ok {
		var ski []byte
		if _, err := asn1.Unmarshal(ext.Value, &ski); err == nil {
			d.SubjectKeyID = util.ColonHex(ski)
		}
	}
	return d
}

func describeCommon(subject pkix.Name, rawSubject []byte, sigAlg x509.SignatureAlgorithm, pub any, exts []pkix.Extension) Details {
	d := Details{
		Subject:          subjectString(subject),
		Hash:             subjectHash(rawSubject),
		AltNames:         []AltName{},
		KeyUsage:         []string{},
		ExtendedKeyUsage: []string{},
	}
	if sig, ok := signatureNames[sigAlg]; ok {
		d.SigType, d.DigestAlg = sig.name, sig.digest
	} else {
		d.SigType = sigAlg.String()
	}

	if spec, err := KeySpecOf(pub); err == nil {
		d.KeyType, d.KeyLen, d.ECName = spec.Type, spec.Bits, spec.Curve
		if k, ok := pub.(*ecdsa.PublicKey); ok {
			d.KeyLen = k.Curve.Params().BitSize
		}
	}

	if ext, ok := findExtension(exts, oidExtSubjectAltName); ok {
		if names, err := parseSubjectAltNames(ext.Value); err == nil && names != nil {
			d.AltNames = names
		}
	}
	if ext, ok := findExtension(exts, oidExtKeyUsage); ok {
		if ku, err := parseKeyUsage(ext.Value); err == nil {
			d.KeyUsage = keyUsageStrings(ku)
		}
	}
	if ext, ok := findExtension(exts, oidExtExtendedKeyUsage); ok {
		if oids, err := parseExtKeyUsage(ext.Value); err == nil {
			d.ExtendedKeyUsage = extKeyUsageStrings(oids)
			d.IsServerCert = slices.ContainsFunc(oids, oidEKUServerAuth.Equal)
		}
	}
	if ext, ok := findExtension(exts, oidExtBasicConstraints); ok {
		if isCA, err := parseBasicConstraints(ext.Value); err == nil {
			d.IsCACert = isCA
		}
	}
	return d
}

func keyUsageStrings(ku x509.KeyUsage) []string {
	out := []string{}
	for i, name := range keyUsageNames {
		if ku&(1<<uint(i)) != 0 {
			out = append(out, name)
		}
	}
	return out
}

func extKeyUsageStrings(oids []asn1.ObjectIdentifier) []string {
	out := make([]string, 0, len(oids))
	for _, oid := range oids {
		name := oid.String()
		for _, known := range extKeyUsageNames {
			if known.oid.Equal(oid) {
				name = known.name
				break
			}
		}
		out = append(out, name)
	}
	return out
}

// subjectHash is the first four bytes of SHA-1 over the DER subject, read
// little-endian, in the eight hex digit form used for c_rehash links.
func subjectHash(rawSubject []byte) string {
	sum := sha1.Sum(rawSubject)
	return fmt.Sprintf("%08x", binary.LittleEndian.Uint32(sum[:4]))
}

func wholeDays(d time.Duration) int {
	return int(d / (24 * time.Hour))
}
