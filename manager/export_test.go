package manager_test

import (
	"bytes"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/manager"
	"github.com/jmcleod/certmanager/pki"
)

func pemTypes(data []byte) []string {
	var types []string
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return types
		}
		types = append(types, block.Type)
	}
}

func TestExport(t *testing.T) {
	ctx := t.Context()
	m, _ := newManager(t)
	root := createRootCA(t, m, "root")
	inter, err := m.CreateCA(ctx, manager.Fields{
		"method":        "internal",
		"descr":         "intermediate",
		"caref":         root.RefID,
		"keytype":       "ECDSA",
		"ecname":        "prime256v1",
		"digest_alg":    "sha256",
		"dn_commonname": "intermediate.example.com",
	})
	require.NoError(t, err)
	leaf, err := m.CreateCertificate(ctx, serverFields(inter.RefID, "web"))
	require.NoError(t, err)

	t.Run("pem", func(t *testing.T) {
		res, err := m.Export(ctx, leaf.RefID, manager.ExportRequest{})
		require.NoError(t, err)
		assert.Equal(t, manager.ExportPEM, res.Format)
		assert.Equal(t, leaf.RefID+".crt", res.Filename)
		assert.Equal(t, []string{"CERTIFICATE"}, pemTypes(res.Data))

		res, err = m.Export(ctx, leaf.RefID, manager.ExportRequest{Format: manager.ExportPEM, IncludeKey: true, IncludeChain: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"CERTIFICATE", "PRIVATE KEY", "CERTIFICATE", "CERTIFICATE"}, pemTypes(res.Data))
		assert.True(t, bytes.HasSuffix(res.Data, root.Crt))
	})

	t.Run("pkcs12", func(t *testing.T) {
		res, err := m.Export(ctx, leaf.RefID, manager.ExportRequest{Format: manager.ExportPKCS12, Password: "secret"})
		require.NoError(t, err)
		assert.Equal(t, "application/x-pkcs12", res.ContentType)

		bundle, err := pki.DecodePKCS12(res.Data, "secret")
		require.NoError(t, err)
		assert.Equal(t, "CN=web.example.com", bundle.Certificate.Subject.String())
		require.NoError(t, pki.CheckKeyPair(bundle.Certificate, bundle.Key))
		assert.Len(t, bundle.CACerts, 2)
	})

	t.Run("pem_encrypted_key", func(t *testing.T) {
		res, err := m.Export(ctx, leaf.RefID, manager.ExportRequest{Format: manager.ExportPEMEncryptedKey, Password: "secret"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ENCRYPTED PRIVATE KEY"}, pemTypes(res.Data))

		key, err := pki.DecryptPrivateKeyPEM(res.Data, []byte("secret"))
		require.NoError(t, err)
		cert, err := pki.DecodeCertificatePEM(leaf.Crt)
		require.NoError(t, err)
		assert.True(t, pki.KeyMatchesPublicKey(cert.PublicKey, key))

		_, err = m.Export(ctx, leaf.RefID, manager.ExportRequest{Format: manager.ExportPEMEncryptedKey})
		requireCode(t, manager.CodeExportUnavailable, err)
	})

	t.Run("ca", func(t *testing.T) {
		res, err := m.Export(ctx, root.RefID, manager.ExportRequest{})
		require.NoError(t, err)
		assert.Equal(t, root.Crt, res.Data)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := m.Export(ctx, "", manager.ExportRequest{})
		requireCode(t, manager.CodeRefIDRequired, err)
		_, err = m.Export(ctx, "INVALID", manager.ExportRequest{})
		requireCode(t, manager.CodeCertificateNotFound, err)
		_, err = m.Export(ctx, leaf.RefID, manager.ExportRequest{Format: "der"})
		requireCode(t, manager.CodeExportUnavailable, err)
	})
}

func TestExport_WithoutKey(t *testing.T) {
	ctx := t.Context()
	m, _ := newManager(t)
	ext := externalCA(t)
	imported, err := m.CreateCertificate(ctx, manager.Fields{
		"method": "existing",
		"descr":  "public only",
		"crt":    b64(pki.EncodeCertificatePEM(ext.Certificate)),
	})
	require.NoError(t, err)
	assert.False(t, imported.KeyAvailable)

	_, err = m.Export(ctx, imported.RefID, manager.ExportRequest{Format: manager.ExportPKCS12})
	requireCode(t, manager.CodeExportUnavailable, err)
	_, err = m.Export(ctx, imported.RefID, manager.ExportRequest{IncludeKey: true})
	requireCode(t, manager.CodeExportUnavailable, err)

	pending, err := m.CreateCertificate(ctx, externalFields("csr"))
	require.NoError(t, err)
	res, err := m.Export(ctx, pending.RefID, manager.ExportRequest{})
	require.NoError(t, err)
	assert.Equal(t, []string{"CERTIFICATE REQUEST"}, pemTypes(res.Data))
	assert.Equal(t, pending.RefID+".req", res.Filename)
}
