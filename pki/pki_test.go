package pki_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/pki"
)

var fixedNow = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func newBuilder() *pki.Builder {
	return pki.NewBuilder(pki.WithClock(func() time.Time { return fixedNow }))
}

func newKey(t *testing.T, spec pki.KeySpec) crypto.Signer {
	t.Helper()
	key, err := pki.NewSoftwareKeyGenerator().GenerateKey(t.Context(), spec)
	require.NoError(t, err)
	return key
}

func p256(t *testing.T) crypto.Signer {
	return newKey(t, pki.KeySpec{Type: pki.KeyTypeECDSA, Curve: "prime256v1"})
}

func mustAltNames(t *testing.T, pairs ...string) []pki.AltName {
	t.Helper()
	var out []pki.AltName
	for i := 0; i+1 < len(pairs); i += 2 {
		n, err := pki.ParseAltName(pairs[i], pairs[i+1])
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

// newRootCA returns a self-signed CA usable as an Issuer.
func newRootCA(t *testing.T, b *pki.Builder) pki.Issuer {
	t.Helper()
	key := p256(t)
	cert, err := b.SelfSigned(pki.Template{
		Subject:  pkix.Name{CommonName: "Test Root CA", Organization: []string{"TestOrg"}, Country: []string{"US"}},
		Lifetime: 3650,
		Digest:   pki.DigestSHA256,
		Usage:    pki.UsageCA,
	}, key)
	require.NoError(t, err)
	return pki.Issuer{Certificate: cert, Key: key}
}

func TestSelfSigned(t *testing.T) {
	b := newBuilder()
	ca := newRootCA(t, b)
	cert := ca.Certificate

	assert.True(t, cert.BasicConstraintsValid)
	assert.True(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	assert.Equal(t, cert.RawSubject, cert.RawIssuer)
	assert.NotEmpty(t, cert.SubjectKeyId)
	assert.Equal(t, cert.SubjectKeyId, cert.AuthorityKeyId)
	assert.Equal(t, x509.ECDSAWithSHA256, cert.SignatureAlgorithm)
	assert.True(t, cert.NotBefore.Equal(fixedNow))
	assert.Equal(t, 3650*24*time.Hour, cert.NotAfter.Sub(cert.NotBefore))
	assert.Positive(t, cert.SerialNumber.Sign())
	assert.LessOrEqual(t, cert.SerialNumber.BitLen(), 127)
	require.NoError(t, cert.CheckSignatureFrom(cert))
	require.NoError(t, pki.CheckKeyPair(cert, ca.Key))
}

func TestSelfSigned_DigestSelectsAlgorithm(t *testing.T) {
	b := newBuilder()
	rsaKey := newKey(t, pki.KeySpec{Type: pki.KeyTypeRSA, Bits: 2048})

	tests := []struct {
		digest pki.Digest
		want   x509.SignatureAlgorithm
	}{
		{pki.DigestSHA256, x509.SHA256WithRSA},
		{pki.DigestSHA384, x509.SHA384WithRSA},
		{pki.DigestSHA512, x509.SHA512WithRSA},
	}
	for _, tt := range tests {
		t.Run(string(tt.digest), func(t *testing.T) {
			cert, err := b.SelfSigned(pki.Template{
				Subject: pkix.Name{CommonName: "rsa.example.com"}, Lifetime: 30, Digest: tt.digest, Usage: pki.UsageServer,
			}, rsaKey)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cert.SignatureAlgorithm)
		})
	}
}

func TestSelfSigned_Rejects(t *testing.T) {
	b := newBuilder()
	key := p256(t)
	base := pki.Template{Subject: pkix.Name{CommonName: "x"}, Lifetime: 1, Digest: pki.DigestSHA256, Usage: pki.UsageClient}

	tmpl := base
	tmpl.Lifetime = 0
	_, err := b.SelfSigned(tmpl, key)
	assert.ErrorIs(t, err, pki.ErrInvalidLifetime)

	tmpl = base
	tmpl.Digest = "md5"
	_, err = b.SelfSigned(tmpl, key)
	assert.ErrorIs(t, err, pki.ErrUnsupportedDigest)

	tmpl = base
	tmpl.Usage = "codesigning"
	_, err = b.SelfSigned(tmpl, key)
	assert.Error(t, err)
}

func TestIssue(t *testing.T) {
	b := newBuilder()
	ca := newRootCA(t, b)
	leafKey := p256(t)

	leaf, err := b.Issue(pki.Template{
		Subject:  pkix.Name{CommonName: "server.example.com"},
		Lifetime: 365,
		Digest:   pki.DigestSHA384,
		Usage:    pki.UsageServer,
		AltNames: mustAltNames(t,
			"dns", "test-altname.example.com",
			"ip", "1.1.1.1",
			"uri", "http://example.com/example/uri",
			"email", "example@example.com",
		),
	}, leafKey.Public(), ca)
	require.NoError(t, err)

	require.NoError(t, leaf.CheckSignatureFrom(ca.Certificate))
	require.NoError(t, pki.CheckKeyPair(leaf, leafKey))
	assert.Equal(t, ca.Certificate.RawSubject, leaf.RawIssuer)
	assert.Equal(t, ca.Certificate.SubjectKeyId, leaf.AuthorityKeyId)
	assert.NotEqual(t, leaf.SubjectKeyId, leaf.AuthorityKeyId)
	assert.False(t, leaf.IsCA)
	assert.Equal(t, x509.ECDSAWithSHA384, leaf.SignatureAlgorithm)

	assert.Equal(t, []string{"test-altname.example.com"}, leaf.DNSNames)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "1.1.1.1", leaf.IPAddresses[0].String())
	require.Len(t, leaf.URIs, 1)
	assert.Equal(t, "http://example.com/example/uri", leaf.URIs[0].String())
	assert.Equal(t, []string{"example@example.com"}, leaf.EmailAddresses)

	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, leaf.KeyUsage)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, leaf.ExtKeyUsage)
	assert.Contains(t, leaf.UnknownExtKeyUsage, asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 8, 2, 2})
}

func TestIssue_RejectsBadIssuer(t *testing.T) {
	b := newBuilder()
	ca := newRootCA(t, b)
	tmpl := pki.Template{Subject: pkix.Name{CommonName: "leaf"}, Lifetime: 30, Digest: pki.DigestSHA256, Usage: pki.UsageClient}

	t.Run("NotCA", func(t *testing.T) {
		key := p256(t)
		notCA, err := b.SelfSigned(tmpl, key)
		require.NoError(t, err)
		_, err = b.Issue(tmpl, p256(t).Public(), pki.Issuer{Certificate: notCA, Key: key})
		assert.ErrorIs(t, err, pki.ErrNotCA)
	})

	t.Run("KeyMismatch", func(t *testing.T) {
		_, err := b.Issue(tmpl, p256(t).Public(), pki.Issuer{Certificate: ca.Certificate, Key: p256(t)})
		assert.ErrorIs(t, err, pki.ErrKeyMismatch)
	})
}

func TestCreateCSR(t *testing.T) {
	b := newBuilder()
	key := p256(t)

	csr, err := b.CreateCSR(pki.Template{
		Subject:  pkix.Name{CommonName: "csr.example.com", Country: []string{"US"}},
		Digest:   pki.DigestSHA256,
		Usage:    pki.UsageClient,
		AltNames: mustAltNames(t, "ip", "10.0.0.1", "dns", "csr.example.com"),
	}, key)
	require.NoError(t, err)
	require.NoError(t, csr.CheckSignature())
	assert.True(t, pki.KeyMatchesPublicKey(csr.PublicKey, key))

	d := pki.DescribeCSR(csr)
	assert.Equal(t, "CN=csr.example.com, C=US", d.Subject)
	assert.Equal(t, []pki.AltName(mustAltNames(t, "ip", "10.0.0.1", "dns", "csr.example.com")), d.AltNames)
	assert.Equal(t, []string{"Digital Signature", "Key Encipherment"}, d.KeyUsage)
	assert.Equal(t, []string{"TLS Web Client Authentication"}, d.ExtendedKeyUsage)
	assert.False(t, d.IsCACert)
	assert.Empty(t, d.Serial)
}

func newExternalCSR(t *testing.T, key crypto.Signer, exts ...pkix.Extension) *x509.CertificateRequest {
	t.Helper()
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   "mysite.com",
			Organization: []string{"My Company"},
			Locality:     []string{"San Francisco"},
			Province:     []string{"California"},
			Country:      []string{"US"},
		},
		DNSNames:        []string{"requested.example.com"},
		ExtraExtensions: exts,
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(der)
	require.NoError(t, err)
	return csr
}

func TestSignCSR(t *testing.T) {
	b := newBuilder()
	ca := newRootCA(t, b)
	csrKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	custom := asn1.ObjectIdentifier{1, 2, 3, 4, 5}
	csr := newExternalCSR(t, csrKey, pkix.Extension{Id: custom, Value: []byte{0x05, 0x00}})

	t.Run("CopiesAllowListedExtensionsOnly", func(t *testing.T) {
		cert, err := b.SignCSR(csr, ca, pki.SignOptions{Lifetime: 365, Digest: pki.DigestSHA256})
		require.NoError(t, err)

		require.NoError(t, cert.CheckSignatureFrom(ca.Certificate))
		assert.Equal(t, csrKey.PublicKey, *cert.PublicKey.(*ecdsa.PublicKey))
		assert.Equal(t, csr.RawSubject, cert.RawSubject)
		assert.Equal(t, []string{"requested.example.com"}, cert.DNSNames)
		assert.NotEmpty(t, cert.SubjectKeyId, "SKI is synthesized when the CSR has none")
		for _, ext := range cert.Extensions {
			assert.False(t, ext.Id.Equal(custom), "unrecognized extension must be dropped")
		}
		assert.Equal(t, "ST=California, O=My Company, L=San Francisco, CN=mysite.com, C=US",
			pki.DescribeCertificate(cert, fixedNow).Subject)
	})

	t.Run("Overrides", func(t *testing.T) {
		names := mustAltNames(t, "dns", "override.example.com", "ip", "1.1.1.1")
		cert, err := b.SignCSR(csr, ca, pki.SignOptions{
			Lifetime: 30, Digest: pki.DigestSHA256, Usage: pki.UsageServer, AltNames: &names,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"override.example.com"}, cert.DNSNames)
		assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
		assert.Equal(t, names, pki.DescribeCertificate(cert, fixedNow).AltNames)
	})

	t.Run("EmptyAltNamesOverrideRemovesSAN", func(t *testing.T) {
		cert, err := b.SignCSR(csr, ca, pki.SignOptions{Lifetime: 30, Digest: pki.DigestSHA256, AltNames: &[]pki.AltName{}})
		require.NoError(t, err)
		assert.Empty(t, cert.DNSNames)
	})

	t.Run("RejectsBadSignature", func(t *testing.T) {
		tampered := newExternalCSR(t, csrKey)
		tampered.Signature[len(tampered.Signature)-1] ^= 0xff
		_, err := b.SignCSR(tampered, ca, pki.SignOptions{Lifetime: 30, Digest: pki.DigestSHA256})
		assert.ErrorIs(t, err, pki.ErrInvalidCSR)
	})
}

func TestSignCSR_KeepsRequestedSKI(t *testing.T) {
	b := newBuilder()
	ca := newRootCA(t, b)
	key := p256(t)

	ski := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	value, err := asn1.Marshal(ski)
	require.NoError(t, err)
	csr := newExternalCSR(t, key, pkix.Extension{Id: asn1.ObjectIdentifier{2, 5, 29, 14}, Value: value})

	cert, err := b.SignCSR(csr, ca, pki.SignOptions{Lifetime: 30, Digest: pki.DigestSHA256})
	require.NoError(t, err)
	assert.Equal(t, ski, cert.SubjectKeyId)
}

func TestDescribeCertificate(t *testing.T) {
	b := newBuilder()
	key := newKey(t, pki.KeySpec{Type: pki.KeyTypeRSA, Bits: 2048})

	cert, err := b.SelfSigned(pki.Template{
		Subject: pkix.Name{
			CommonName:         "internal-csr-e2e-test.example.com",
			Country:            []string{"US"},
			Province:           []string{"Utah"},
			Locality:           []string{"Salt Lake City"},
			Organization:       []string{"Test Company"},
			OrganizationalUnit: []string{"IT"},
		},
		Lifetime: 398,
		Digest:   pki.DigestSHA256,
		Usage:    pki.UsageServer,
		AltNames: mustAltNames(t, "dns", "pfsense-test.example.com"),
	}, key)
	require.NoError(t, err)

	d := pki.DescribeCertificate(cert, fixedNow.AddDate(0, 0, 100))
	assert.Equal(t, "ST=Utah, OU=IT, O=Test Company, L=Salt Lake City, CN=internal-csr-e2e-test.example.com, C=US", d.Subject)
	assert.Equal(t, d.Subject, d.Issuer)
	assert.Equal(t, "RSA-SHA256", d.SigType)
	assert.Equal(t, pki.DigestSHA256, d.DigestAlg)
	assert.Equal(t, pki.KeyTypeRSA, d.KeyType)
	assert.Equal(t, 2048, d.KeyLen)
	assert.Empty(t, d.ECName)
	assert.Equal(t, 398, d.TotalLifetime)
	assert.Equal(t, 298, d.LifetimeRemaining)
	assert.Len(t, d.Hash, 8)
	assert.Len(t, d.SubjectKeyID, 59)
	assert.Equal(t, d.SubjectKeyID, d.AuthorityKeyID)
	assert.Equal(t, cert.SerialNumber.Text(16), d.Serial)
	assert.Equal(t, []string{"Digital Signature", "Key Encipherment"}, d.KeyUsage)
	assert.Equal(t, []string{
		"TLS Web Server Authentication",
		"TLS Web Client Authentication",
		"IP Security IKE Intermediate",
	}, d.ExtendedKeyUsage)
	assert.True(t, d.IsServerCert)
	assert.False(t, d.IsCACert)

	expired := pki.DescribeCertificate(cert, fixedNow.AddDate(2, 0, 0))
	assert.Zero(t, expired.LifetimeRemaining)
}

func TestDescribeCertificate_ECDSACA(t *testing.T) {
	ca := newRootCA(t, newBuilder())

	d := pki.DescribeCertificate(ca.Certificate, fixedNow)
	assert.Equal(t, "ecdsa-with-SHA256", d.SigType)
	assert.Equal(t, pki.KeyTypeECDSA, d.KeyType)
	assert.Equal(t, "prime256v1", d.ECName)
	assert.Equal(t, 256, d.KeyLen)
	assert.True(t, d.IsCACert)
	assert.False(t, d.IsServerCert)
	assert.Equal(t, []string{"Certificate Sign", "CRL Sign"}, d.KeyUsage)
	assert.Empty(t, d.ExtendedKeyUsage)
	assert.Empty(t, d.AltNames)
	assert.Equal(t, 3650, d.LifetimeRemaining)
}

func TestCSRExtensionAllowList(t *testing.T) {
	got := pki.CSRExtensionAllowList()
	want := []string{"2.5.29.17", "2.5.29.37", "2.5.29.15", "2.5.29.19", "2.5.29.14"}
	require.Len(t, got, len(want))
	for i, oid := range got {
		assert.Equal(t, want[i], oid.String())
	}
	got[0] = asn1.ObjectIdentifier{1}
	assert.Equal(t, "2.5.29.17", pki.CSRExtensionAllowList()[0].String())
}
