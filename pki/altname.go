package pki

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/netip"
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

var (
	// ErrUnknownAltNameKind is returned for altname kinds other than dns, ip, uri and email.
	ErrUnknownAltNameKind = errors.New("unknown alternative name type")
	ErrInvalidDNSName     = errors.New("invalid DNS name")
	ErrInvalidIPAddress   = errors.New("invalid IP address")
	ErrInvalidURI         = errors.New("invalid URI")
	ErrInvalidEmail       = errors.New("invalid email address")
)

// AltNameKind tags an AltName.
type AltNameKind string

const (
	AltNameDNS   AltNameKind = "dns"
	AltNameIP    AltNameKind = "ip"
	AltNameURI   AltNameKind = "uri"
	AltNameEmail AltNameKind = "email"
)

// AltName is one subject alternative name. The zero value is invalid; build
// values with DNSName, IPAddress, URI, Email or ParseAltName so every
// AltName in circulation has passed its kind's syntax check.
type AltName struct {
	kind  AltNameKind
	value string
}

func (a AltName) Kind() AltNameKind { return a.kind }
func (a AltName) Value() string     { return a.value }

func (a AltName) String() string { return string(a.kind) + ":" + a.value }

var hostnameProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.VerifyDNSLength(true),
)

func checkHostname(name string) (string, error) {
	ascii, err := hostnameProfile.ToASCII(name)
	if err != nil {
		return "", err
	}
	if len(ascii) > 253 {
		return "", errors.New("name longer than 253 octets")
	}
	return ascii, nil
}

// DNSName validates name as a hostname, optionally with a single leading
// "*." wildcard label, and returns its lowercase ASCII form.
func DNSName(name string) (AltName, error) {
	base, wildcard := strings.CutPrefix(name, "*.")
	ascii, err := checkHostname(base)
	if err != nil {
		return AltName{}, fmt.Errorf("%w: %q: %v", ErrInvalidDNSName, name, err)
	}
	if wildcard {
		ascii = "*." + ascii
	}
	return AltName{kind: AltNameDNS, value: ascii}, nil
}

// IPAddress validates an IPv4 or IPv6 literal and returns its canonical form.
func IPAddress(ip string) (AltName, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || addr.Zone() != "" {
		return AltName{}, fmt.Errorf("%w: %q", ErrInvalidIPAddress, ip)
	}
	return AltName{kind: AltNameIP, value: addr.Unmap().String()}, nil
}

// URI validates an absolute ASCII URI with a host or opaque part.
func URI(uri string) (AltName, error) {
	if !isPrintableASCII(uri) {
		return AltName{}, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return AltName{}, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	if u.Host != "" {
		if _, err := netip.ParseAddr(u.Hostname()); err != nil {
			if _, err := checkHostname(u.Hostname()); err != nil {
				return AltName{}, fmt.Errorf("%w: %q: %v", ErrInvalidURI, uri, err)
			}
		}
	}
	return AltName{kind: AltNameURI, value: uri}, nil
}

// Email validates a bare RFC 5322 address (no display name) with a
// hostname domain part.
func Email(address string) (AltName, error) {
	if !isPrintableASCII(address) {
		return AltName{}, fmt.Errorf("%w: %q", ErrInvalidEmail, address)
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil || parsed.Name != "" || parsed.Address != address {
		return AltName{}, fmt.Errorf("%w: %q", ErrInvalidEmail, address)
	}
	at := strings.LastIndexByte(address, '@')
	if _, err := checkHostname(address[at+1:]); err != nil {
		return AltName{}, fmt.Errorf("%w: %q: %v", ErrInvalidEmail, address, err)
	}
	return AltName{kind: AltNameEmail, value: address}, nil
}

// ParseAltName dispatches to the constructor for kind.
func ParseAltName(kind, value string) (AltName, error) {
	switch AltNameKind(kind) {
	case AltNameDNS:
		return DNSName(value)
	case AltNameIP:
		return IPAddress(value)
	case AltNameURI:
		return URI(value)
	case AltNameEmail:
		return Email(value)
	}
	return AltName{}, fmt.Errorf("%w: %q", ErrUnknownAltNameKind, kind)
}

// MarshalJSON renders the altname as a single-key object, e.g. {"dns":"example.com"}.
func (a AltName) MarshalJSON() ([]byte, error) {
	if a.kind == "" {
		return nil, errors.New("marshalling zero AltName")
	}
	return json.Marshal(map[string]string{string(a.kind): a.value})
}

// UnmarshalJSON accepts the single-key object form and re-validates it.
func (a *AltName) UnmarshalJSON(data []byte) error {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("altname must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		parsed, err := ParseAltName(k, v)
		if err != nil {
			return err
		}
		*a = parsed
	}
	return nil
}

func isPrintableASCII(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r > unicode.MaxASCII || r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}
