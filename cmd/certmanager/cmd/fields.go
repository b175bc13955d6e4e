package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/certmanager/manager"
)

// fieldFlag maps a command-line flag onto a request field.
type fieldFlag struct {
	flag  string
	field string
	kind  string // string, int, bool, file, binfile, altnames
	usage string
}

var (
	subjectFlags = []fieldFlag{
		{"cn", "dn_commonname", "string", "Subject common name"},
		{"country", "dn_country", "string", "Subject country code"},
		{"state", "dn_state", "string", "Subject state or province"},
		{"city", "dn_city", "string", "Subject locality"},
		{"org", "dn_organization", "string", "Subject organization"},
		{"ou", "dn_organizationalunit", "string", "Subject organizational unit"},
	}
	keyFlags = []fieldFlag{
		{"keytype", "keytype", "string", "Key type: RSA or ECDSA"},
		{"keylen", "keylen", "int", "RSA key length"},
		{"ecname", "ecname", "string", "ECDSA curve: prime256v1, secp384r1 or secp521r1"},
		{"digest", "digest_alg", "string", "Signature digest: sha256, sha384 or sha512"},
		{"lifetime", "lifetime", "int", "Lifetime in days"},
	}
	importFlags = []fieldFlag{
		{"format", "format", "string", "Import format: pem, pkcs12 or pem_encrypted_key"},
		{"crt-file", "crt", "file", "PEM certificate to import"},
		{"prv-file", "prv", "file", "PEM private key to import"},
		{"pkcs12-file", "pkcs12", "binfile", "PKCS#12 bundle to import"},
		{"password", "password", "string", "PKCS#12 or encrypted key password"},
	}
	certificateFlags = concat(
		[]fieldFlag{
			{"method", "method", "string", "Create method: internal, existing, external or sign"},
			{"descr", "descr", "string", "Description"},
			{"caref", "caref", "string", "refid of the issuing CA"},
			{"type", "type", "string", "Usage: server, client or user"},
			{"altname", "altnames", "altnames", `Subject alternative name as kind:value, e.g. dns:example.com (repeatable)`},
			{"active", "active", "bool", "Make this the active holder's certificate"},
			{"csr-file", "csr", "file", "PEM signing request to sign (method sign)"},
			{"import-cas", "import_cas", "bool", "Store CA certificates found in a PKCS#12 bundle"},
		},
		keyFlags, subjectFlags, importFlags,
	)
	caFlags = concat(
		[]fieldFlag{
			{"method", "method", "string", "Create method: internal or existing"},
			{"descr", "descr", "string", "Description"},
			{"caref", "caref", "string", "refid of the parent CA for an intermediate"},
			{"trust", "trust", "bool", "Add to the trust store"},
		},
		keyFlags, subjectFlags,
		[]fieldFlag{
			{"crt-file", "crt", "file", "PEM CA certificate to import"},
			{"prv-file", "prv", "file", "PEM CA private key to import"},
		},
	)
	updateFlags = []fieldFlag{
		{"descr", "descr", "string", "New description"},
		{"crt-file", "crt", "file", "Replacement or signed PEM certificate"},
		{"prv-file", "prv", "file", "Replacement PEM private key"},
	}
)

func concat(groups ...[]fieldFlag) []fieldFlag {
	var out []fieldFlag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// registerFields adds flags plus --from-file to cmd.
func registerFields(cmd *cobra.Command, flags []fieldFlag) {
	f := cmd.Flags()
	for _, ff := range flags {
		switch ff.kind {
		case "int":
			f.Int(ff.flag, 0, ff.usage)
		case "bool":
			f.Bool(ff.flag, false, ff.usage)
		case "altnames":
			f.StringArray(ff.flag, nil, ff.usage)
		default:
			f.String(ff.flag, "", ff.usage)
		}
	}
	f.String("from-file", "", "YAML or JSON file with request fields; flags override it")
}

// collectFields builds the request from --from-file and every flag the user
// actually set, so unset flags never mask manager defaults.
func collectFields(fs *pflag.FlagSet, flags []fieldFlag) (manager.Fields, error) {
	fields := manager.Fields{}
	if path, _ := fs.GetString("from-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		// YAML is a superset of JSON.
		if err := yaml.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	for _, ff := range flags {
		if !fs.Changed(ff.flag) {
			continue
		}
		var err error
		switch ff.kind {
		case "int":
			fields[ff.field], err = fs.GetInt(ff.flag)
		case "bool":
			fields[ff.field], err = fs.GetBool(ff.flag)
		case "altnames":
			var raw []string
			if raw, err = fs.GetStringArray(ff.flag); err == nil {
				fields[ff.field], err = parseAltNameFlags(raw)
			}
		case "file", "binfile":
			var path string
			var data []byte
			if path, err = fs.GetString(ff.flag); err == nil {
				data, err = os.ReadFile(path)
			}
			if err == nil {
				if ff.kind == "binfile" {
					fields[ff.field] = base64.StdEncoding.EncodeToString(data)
				} else {
					fields[ff.field] = string(data)
				}
			}
		default:
			fields[ff.field], err = fs.GetString(ff.flag)
		}
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", ff.flag, err)
		}
	}
	return fields, nil
}

// parseAltNameFlags turns ["dns:example.com", "ip:10.0.0.1"] into the
// altnames list shape.
func parseAltNameFlags(raw []string) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, s := range raw {
		kind, value, ok := strings.Cut(s, ":")
		if !ok || kind == "" {
			return nil, fmt.Errorf("altname %q must have the form kind:value", s)
		}
		out = append(out, map[string]any{strings.ToLower(kind): value})
	}
	return out, nil
}
