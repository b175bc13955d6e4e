package pki

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/bits"
	"net"
	"slices"
)

var (
	oidExtSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidEKUServerAuth       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
	oidEKUClientAuth       = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}
	oidEKUCodeSigning      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}
	oidEKUEmailProtection  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 4}
	oidEKUIPSECEndSystem   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 5}
	oidEKUIPSECTunnel      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 6}
	oidEKUIPSECUser        = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 7}
	oidEKUTimeStamping     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
	oidEKUOCSPSigning      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
	oidEKUAny              = asn1.ObjectIdentifier{2, 5, 29, 37, 0}
	oidEKUIKEIntermediate  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 8, 2, 2}
)

// csrExtensionAllowList is the fixed set of CSR extensions carried into a
// signed certificate. Anything else the requester asked for is dropped.
var csrExtensionAllowList = []asn1.ObjectIdentifier{
	oidExtSubjectAltName,
	oidExtExtendedKeyUsage,
	oidExtKeyUsage,
	oidExtBasicConstraints,
	oidExtSubjectKeyID,
}

// CSRExtensionAllowList returns the OIDs copied from a CSR when signing it.
func CSRExtensionAllowList() []asn1.ObjectIdentifier {
	return slices.Clone(csrExtensionAllowList)
}

func isAllowedCSRExtension(oid asn1.ObjectIdentifier) bool {
	return slices.ContainsFunc(csrExtensionAllowList, oid.Equal)
}

// filterCSRExtensions keeps allow-listed extensions, first occurrence of
// each OID only, in request order.
func filterCSRExtensions(exts []pkix.Extension) []pkix.Extension {
	var out []pkix.Extension
	for _, ext := range exts {
		if !isAllowedCSRExtension(ext.Id) {
			continue
		}
		if slices.ContainsFunc(out, func(e pkix.Extension) bool { return e.Id.Equal(ext.Id) }) {
			continue
		}
		out = append(out, ext)
	}
	return out
}

func withoutExtension(exts []pkix.Extension, oids ...asn1.ObjectIdentifier) []pkix.Extension {
	return slices.DeleteFunc(exts, func(e pkix.Extension) bool {
		return slices.ContainsFunc(oids, e.Id.Equal)
	})
}

func findExtension(exts []pkix.Extension, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, e := range exts {
		if e.Id.Equal(oid) {
			return e, true
		}
	}
	return pkix.Extension{}, false
}

// ---------------------------------------------------------------------------
// Usage profiles
// ---------------------------------------------------------------------------

// Usage selects the key usage / extended key usage / basic constraints
// profile of an issued certificate or CSR.
type Usage string

const (
	UsageServer Usage = "server"
	UsageClient Usage = "client"
	UsageUser   Usage = "user"
	UsageCA     Usage = "ca"
)

// Usages returns the accepted certificate types.
func Usages() []Usage {
	return []Usage{UsageServer, UsageClient, UsageUser, UsageCA}
}

type usageProfile struct {
	keyUsage x509.KeyUsage
	ekus     []asn1.ObjectIdentifier
	isCA     bool
}

var usageProfiles = map[Usage]usageProfile{
	UsageServer: {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ekus:     []asn1.ObjectIdentifier{oidEKUServerAuth, oidEKUClientAuth, oidEKUIKEIntermediate},
	},
	UsageClient: {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ekus:     []asn1.ObjectIdentifier{oidEKUClientAuth},
	},
	UsageUser: {
		keyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageContentCommitment,
		ekus:     []asn1.ObjectIdentifier{oidEKUClientAuth, oidEKUEmailProtection},
	},
	UsageCA: {
		keyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		isCA:     true,
	},
}

// ParseUsage matches s against the supported certificate types.
func ParseUsage(s string) (Usage, error) {
	u := Usage(s)
	if _, ok := usageProfiles[u]; !ok {
		return "", fmt.Errorf("unsupported certificate type %q", s)
	}
	return u, nil
}

// usageExtensions renders the profile for u as key usage, extended key usage
// and basic constraints extensions.
func usageExtensions(u Usage) ([]pkix.Extension, error) {
	p, ok := usageProfiles[u]
	if !ok {
		return nil, fmt.Errorf("unsupported certificate type %q", u)
	}

	ku, err := marshalKeyUsage(p.keyUsage)
	if err != nil {
		return nil, err
	}
	exts := []pkix.Extension{ku}
	if len(p.ekus) > 0 {
		eku, err := marshalExtKeyUsage(p.ekus)
		if err != nil {
			return nil, err
		}
		exts = append(exts, eku)
	}
	bc, err := marshalBasicConstraints(p.isCA)
	if err != nil {
		return nil, err
	}
	return append(exts, bc), nil
}

// ---------------------------------------------------------------------------
// Extension encoders
// ---------------------------------------------------------------------------

const (
	gnTagEmail = 1
	gnTagDNS   = 2
	gnTagURI   = 6
	gnTagIP    = 7
)

// marshalSubjectAltNames encodes names in the order given. The stdlib
// template fields would regroup them by kind.
func marshalSubjectAltNames(names []AltName) (pkix.Extension, error) {
	raw := make([]asn1.RawValue, 0, len(names))
	for _, n := range names {
		switch n.kind {
		case AltNameDNS:
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: gnTagDNS, Bytes: []byte(n.value)})
		case AltNameEmail:
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: gnTagEmail, Bytes: []byte(n.value)})
		case AltNameURI:
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: gnTagURI, Bytes: []byte(n.value)})
		case AltNameIP:
			ip := net.ParseIP(n.value)
			if ip == nil {
				return pkix.Extension{}, fmt.Errorf("%w: %q", ErrInvalidIPAddress, n.value)
			}
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			raw = append(raw, asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: gnTagIP, Bytes: ip})
		default:
			return pkix.Extension{}, fmt.Errorf("%w: %q", ErrUnknownAltNameKind, n.kind)
		}
	}
	value, err := asn1.Marshal(raw)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshalling subject alternative names: %w", err)
	}
	return pkix.Extension{Id: oidExtSubjectAltName, Value: value}, nil
}

// parseSubjectAltNames decodes a SAN extension value in encoded order.
// General name forms other than dns, ip, uri and email are skipped.
func parseSubjectAltNames(value []byte) ([]AltName, error) {
	var seq asn1.RawValue
	if rest, err := asn1.Unmarshal(value, &seq); err != nil {
		return nil, err
	} else if len(rest) != 0 {
		return nil, errors.New("trailing data after subject alternative names")
	}
	if !seq.IsCompound || seq.Tag != asn1.TagSequence || seq.Class != asn1.ClassUniversal {
		return nil, asn1.StructuralError{Msg: "bad SAN sequence"}
	}

	var names []AltName
	rest := seq.Bytes
	for len(rest) > 0 {
		var v asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &v); err != nil {
			return nil, err
		}
		if v.Class != asn1.ClassContextSpecific {
			continue
		}
		switch v.Tag {
		case gnTagDNS:
			names = append(names, AltName{kind: AltNameDNS, value: string(v.Bytes)})
		case gnTagEmail:
			names = append(names, AltName{kind: AltNameEmail, value: string(v.Bytes)})
		case gnTagURI:
			names = append(names, AltName{kind: AltNameURI, value: string(v.Bytes)})
		case gnTagIP:
			if len(v.Bytes) == net.IPv4len || len(v.Bytes) == net.IPv6len {
				names = append(names, AltName{kind: AltNameIP, value: net.IP(v.Bytes).String()})
			}
		}
	}
	return names, nil
}

func marshalKeyUsage(ku x509.KeyUsage) (pkix.Extension, error) {
	var a [2]byte
	a[0] = bits.Reverse8(byte(ku))
	a[1] = bits.Reverse8(byte(ku >> 8))

	l := 1
	if a[1] != 0 {
		l = 2
	}
	bitString := a[:l]
	value, err := asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: asn1BitLength(bitString)})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshalling key usage: %w", err)
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: value}, nil
}

func asn1BitLength(bitString []byte) int {
	bitLen := len(bitString) * 8
	for i := range bitString {
		b := bitString[len(bitString)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}

func parseKeyUsage(value []byte) (x509.KeyUsage, error) {
	var bs asn1.BitString
	if _, err := asn1.Unmarshal(value, &bs); err != nil {
		return 0, err
	}
	var ku int
	for i := 0; i < 9; i++ {
		if bs.At(i) != 0 {
			ku |= 1 << uint(i)
		}
	}
	return x509.KeyUsage(ku), nil
}

func marshalExtKeyUsage(oids []asn1.ObjectIdentifier) (pkix.Extension, error) {
	value, err := asn1.Marshal(oids)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshalling extended key usage: %w", err)
	}
	return pkix.Extension{Id: oidExtExtendedKeyUsage, Value: value}, nil
}

func parseExtKeyUsage(value []byte) ([]asn1.ObjectIdentifier, error) {
	var oids []asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(value, &oids); err != nil {
		return nil, err
	}
	return oids, nil
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

func marshalBasicConstraints(isCA bool) (pkix.Extension, error) {
	value, err := asn1.Marshal(basicConstraints{IsCA: isCA, MaxPathLen: -1})
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("marshalling basic constraints: %w", err)
	}
	return pkix.Extension{Id: oidExtBasicConstraints, Critical: true, Value: value}, nil
}

func parseBasicConstraints(value []byte) (bool, error) {
	var bc basicConstraints
	if _, err := asn1.Unmarshal(value, &bc); err != nil {
		return false, err
	}
	return bc.IsCA, nil
}

// subjectKeyID computes the RFC 5280 method 1 key identifier: the SHA-1 of
// the subjectPublicKey BIT STRING.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}
