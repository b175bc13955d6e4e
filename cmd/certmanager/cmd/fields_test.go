package cmd

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/manager"
)

func parsedCommand(t *testing.T, flags []fieldFlag, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	registerFields(cmd, flags)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func TestCollectFields_OnlyChangedFlags(t *testing.T) {
	cmd := parsedCommand(t, certificateFlags,
		"--method", "internal",
		"--keylen", "3072",
		"--active",
		"--altname", "dns:www.example.com",
		"--altname", "IP:10.0.0.1",
	)
	fields, err := collectFields(cmd.Flags(), certificateFlags)
	require.NoError(t, err)

	assert.Equal(t, manager.Fields{
		"method": "internal",
		"keylen": 3072,
		"active": true,
		"altnames": []any{
			map[string]any{"dns": "www.example.com"},
			map[string]any{"ip": "10.0.0.1"},
		},
	}, fields)
}

func TestCollectFields_FromFile(t *testing.T) {
	dir := t.TempDir()
	req := filepath.Join(dir, "request.yaml")
	require.NoError(t, os.WriteFile(req, []byte("method: internal\ndescr: from-file\nlifetime: 90\n"), 0o600))
	bundle := filepath.Join(dir, "bundle.p12")
	require.NoError(t, os.WriteFile(bundle, []byte{0x30, 0x82, 0x01}, 0o600))
	crt := filepath.Join(dir, "crt.pem")
	require.NoError(t, os.WriteFile(crt, []byte("-----BEGIN CERTIFICATE-----\n"), 0o600))

	cmd := parsedCommand(t, certificateFlags,
		"--from-file", req,
		"--descr", "from-flag",
		"--pkcs12-file", bundle,
		"--crt-file", crt,
	)
	fields, err := collectFields(cmd.Flags(), certificateFlags)
	require.NoError(t, err)

	assert.Equal(t, "internal", fields["method"])
	assert.Equal(t, "from-flag", fields["descr"], "flags override the file")
	assert.Equal(t, 90, fields["lifetime"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x30, 0x82, 0x01}), fields["pkcs12"])
	assert.Equal(t, "-----BEGIN CERTIFICATE-----\n", fields["crt"])
}

func TestCollectFields_Errors(t *testing.T) {
	cmd := parsedCommand(t, updateFlags, "--crt-file", filepath.Join(t.TempDir(), "missing.pem"))
	_, err := collectFields(cmd.Flags(), updateFlags)
	assert.ErrorContains(t, err, "--crt-file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("method: [unterminated"), 0o600))
	cmd = parsedCommand(t, updateFlags, "--from-file", bad)
	_, err = collectFields(cmd.Flags(), updateFlags)
	assert.ErrorContains(t, err, "parsing")
}

func TestParseAltNameFlags(t *testing.T) {
	got, err := parseAltNameFlags([]string{"dns:a.example.com", "uri:https://example.com/x"})
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"dns": "a.example.com"},
		map[string]any{"uri": "https://example.com/x"},
	}, got)

	for _, bad := range []string{"example.com", ":value"} {
		_, err := parseAltNameFlags([]string{bad})
		assert.Error(t, err, bad)
	}
}
