package cmd

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/manager"
)

// run executes the CLI against a bbolt store in dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--backend", "bbolt", "--data", filepath.Join(dir, "store.db")}, args...))
	err := root.ExecuteContext(t.Context())
	return stdout.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	require.NoError(t, err, "certmanager %v", args)
	return out
}

func TestCLI_CertificateLifecycle(t *testing.T) {
	t.Setenv("CERTMANAGER_STORE_PASSPHRASE", "correct horse battery staple")
	dir := t.TempDir()

	var ca manager.CAView
	out := mustRun(t, dir, "-o", "json", "ca", "create",
		"--method", "internal", "--descr", "cli-root", "--trust",
		"--keytype", "ECDSA", "--ecname", "prime256v1", "--digest", "sha256",
		"--lifetime", "3650", "--cn", "cli-root.example.com")
	require.NoError(t, json.Unmarshal([]byte(out), &ca))
	require.NotEmpty(t, ca.RefID)
	assert.True(t, ca.Trust)
	assert.Nil(t, ca.Prv)

	var cert manager.CertificateView
	out = mustRun(t, dir, "-o", "json", "cert", "create",
		"--method", "internal", "--descr", "cli-web", "--caref", ca.RefID,
		"--keytype", "RSA", "--keylen", "2048", "--digest", "sha256",
		"--lifetime", "365", "--cn", "www.example.com", "--type", "server",
		"--altname", "dns:www.example.com")
	require.NoError(t, json.Unmarshal([]byte(out), &cert))
	assert.Equal(t, ca.RefID, cert.CARef)
	assert.Equal(t, manager.CertTypeReferencedCA, cert.CertType)
	assert.Nil(t, cert.Prv, "private keys are scrubbed by default")

	out = mustRun(t, dir, "cert", "list")
	assert.Contains(t, out, cert.RefID)
	assert.Contains(t, out, "cli-web")

	out = mustRun(t, dir, "cert", "export", cert.RefID, "--include-key", "--include-chain")
	var types []string
	for rest := []byte(out); ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		types = append(types, block.Type)
	}
	require.Len(t, types, 3)
	assert.Equal(t, "CERTIFICATE", types[0])
	assert.Equal(t, "CERTIFICATE", types[2])

	p12 := filepath.Join(dir, "web.p12")
	mustRun(t, dir, "cert", "export", cert.RefID, "--format", "pkcs12", "--password", "secret", "--out", p12)
	info, err := os.Stat(p12)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out = mustRun(t, dir, "-o", "yaml", "cert", "update", cert.RefID, "--descr", "cli-web-renamed")
	assert.Contains(t, out, "descr: cli-web-renamed")

	_, err = run(t, dir, "ca", "delete", ca.RefID)
	assert.Equal(t, manager.CodeCAInUse, manager.CodeOf(err))

	out = mustRun(t, dir, "cert", "delete", "--descr", "cli-web-renamed")
	assert.Contains(t, out, "Deleted certificate "+cert.RefID)
	mustRun(t, dir, "ca", "delete", ca.RefID)

	out = mustRun(t, dir, "-o", "json", "cert", "list")
	assert.JSONEq(t, "[]", out)
}

func TestCLI_SignPendingRequest(t *testing.T) {
	t.Setenv("CERTMANAGER_STORE_PASSPHRASE", "correct horse battery staple")
	dir := t.TempDir()

	var ca manager.CAView
	out := mustRun(t, dir, "-o", "json", "ca", "create",
		"--method", "internal", "--descr", "signer",
		"--keytype", "ECDSA", "--ecname", "prime256v1", "--digest", "sha256",
		"--lifetime", "3650", "--cn", "signer.example.com")
	require.NoError(t, json.Unmarshal([]byte(out), &ca))

	var req manager.CertificateView
	out = mustRun(t, dir, "-o", "json", "cert", "create",
		"--method", "external", "--descr", "pending",
		"--keytype", "ECDSA", "--ecname", "prime256v1", "--digest", "sha256",
		"--cn", "pending.example.com", "--type", "client")
	require.NoError(t, json.Unmarshal([]byte(out), &req))
	assert.Equal(t, manager.CertTypeSigningRequest, req.CertType)

	var signed manager.CertificateView
	out = mustRun(t, dir, "-o", "json", "cert", "sign", req.RefID,
		"--caref", ca.RefID, "--lifetime", "30", "--altname", "email:ops@example.com")
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	assert.Equal(t, manager.CertTypeReferencedCA, signed.CertType)
	assert.Equal(t, ca.RefID, signed.CARef)
	assert.Equal(t, 30, signed.TotalLifetime)
}

func TestCLI_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "cert", "list")
	assert.ErrorContains(t, err, "passphrase", "the store needs a passphrase")

	t.Setenv("CERTMANAGER_STORE_PASSPHRASE", "correct horse battery staple")

	_, err = run(t, dir, "-o", "xml", "cert", "list")
	assert.ErrorContains(t, err, "unknown output format")

	_, err = run(t, dir, "cert", "delete")
	assert.ErrorContains(t, err, "--descr")

	_, err = run(t, dir, "cert", "list", "nosuchrefid")
	assert.Equal(t, manager.CodeCertificateNotFound, manager.CodeOf(err))

	_, err = run(t, dir, "cert", "create", "--method", "internal", "--descr", "x")
	assert.Equal(t, manager.CodeCARefRequired, manager.CodeOf(err))
}

func TestCLI_Version(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.ExecuteContext(t.Context()))
	assert.Equal(t, Version+"\n", out.String())
}
