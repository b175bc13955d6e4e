package pki_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certmanager/pki"
)

func TestParseAltName(t *testing.T) {
	tests := []struct {
		kind, value string
		want        string
		wantErr     error
	}{
		{"dns", "test-altname.example.com", "dns:test-altname.example.com", nil},
		{"dns", "Example.COM", "dns:example.com", nil},
		{"dns", "*.example.com", "dns:*.example.com", nil},
		{"dns", "bücher.example", "dns:xn--bcher-kva.example", nil},
		{"dns", "!@#BADFQDN#@!", "", pki.ErrInvalidDNSName},
		{"dns", "", "", pki.ErrInvalidDNSName},
		{"dns", "foo.*.example.com", "", pki.ErrInvalidDNSName},
		{"dns", strings.Repeat("a", 64) + ".example.com", "", pki.ErrInvalidDNSName},
		{"ip", "1.1.1.1", "ip:1.1.1.1", nil},
		{"ip", "2001:DB8::1", "ip:2001:db8::1", nil},
		{"ip", "::ffff:10.0.0.1", "ip:10.0.0.1", nil},
		{"ip", "INVALID IP", "", pki.ErrInvalidIPAddress},
		{"ip", "fe80::1%eth0", "", pki.ErrInvalidIPAddress},
		{"uri", "http://example.com/example/uri", "uri:http://example.com/example/uri", nil},
		{"uri", "urn:example:thing", "uri:urn:example:thing", nil},
		{"uri", "https://[2001:db8::1]/x", "uri:https://[2001:db8::1]/x", nil},
		{"uri", "INVALID URI", "", pki.ErrInvalidURI},
		{"uri", "/relative/path", "", pki.ErrInvalidURI},
		{"uri", "http://bad_host!/", "", pki.ErrInvalidURI},
		{"email", "example@example.com", "email:example@example.com", nil},
		{"email", "#@!INVALIDEMAIL!@#", "", pki.ErrInvalidEmail},
		{"email", "Someone <someone@example.com>", "", pki.ErrInvalidEmail},
		{"email", "someone@bad_domain!", "", pki.ErrInvalidEmail},
		{"INVALID", "test", "", pki.ErrUnknownAltNameKind},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.value, func(t *testing.T) {
			got, err := pki.ParseAltName(tt.kind, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
			assert.Equal(t, pki.AltNameKind(tt.kind), got.Kind())
		})
	}
}

func TestParseAltName_Idempotent(t *testing.T) {
	inputs := [][2]string{
		{"dns", "Test-Altname.Example.com"},
		{"ip", "::ffff:1.1.1.1"},
		{"uri", "http://example.com/example/uri"},
		{"email", "example@example.com"},
		{"dns", "bücher.example"},
	}
	for _, in := range inputs {
		first, err := pki.ParseAltName(in[0], in[1])
		require.NoError(t, err)
		second, err := pki.ParseAltName(string(first.Kind()), first.Value())
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestAltNameJSON(t *testing.T) {
	var names []pki.AltName
	err := json.Unmarshal([]byte(`[{"dns":"a.example.com"},{"ip":"1.1.1.1"},{"email":"x@example.com"}]`), &names)
	require.NoError(t, err)
	require.Len(t, names, 3)
	assert.Equal(t, pki.AltNameDNS, names[0].Kind())
	assert.Equal(t, pki.AltNameIP, names[1].Kind())
	assert.Equal(t, pki.AltNameEmail, names[2].Kind())

	out, err := json.Marshal(names)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"dns":"a.example.com"},{"ip":"1.1.1.1"},{"email":"x@example.com"}]`, string(out))

	var one pki.AltName
	assert.Error(t, json.Unmarshal([]byte(`{"dns":"a.example.com","ip":"1.1.1.1"}`), &one))
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"ip":"nope"}`), &one), pki.ErrInvalidIPAddress)

	_, err = json.Marshal(pki.AltName{})
	assert.Error(t, err)
}
