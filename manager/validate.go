package manager

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/language"

	"github.com/jmcleod/certmanager/internal/util"
	"github.com/jmcleod/certmanager/pki"
)

const (
	// DefaultLifetimeDays applies when a request omits lifetime.
	DefaultLifetimeDays = 3650
	// MaxLifetimeDays is the default ceiling for lifetime.
	MaxLifetimeDays = 12000
	// MaxDescrLength bounds descr in characters.
	MaxDescrLength = 255
	// maxDNValueLength is the X.520 upper bound for naming attributes.
	maxDNValueLength = 64
)

// Creation methods.
const (
	MethodInternal = "internal"
	MethodExisting = "existing"
	MethodExternal = "external"
	MethodSign     = "sign"
)

// Import formats for the existing method.
const (
	FormatPEM             = "pem"
	FormatPKCS12          = "pkcs12"
	FormatPEMEncryptedKey = "pem_encrypted_key"
)

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Source is the method-specific half of a CreateCommand. Implementations
// are ExistingPEM, ExistingEncryptedPEM, ExistingPKCS12, InternalSource,
// ExternalSource and SignSource.
type Source interface {
	source()
}

// ExistingPEM imports a certificate and an optional unencrypted key.
type ExistingPEM struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// ExistingEncryptedPEM imports a certificate with a password-protected key,
// already decrypted.
type ExistingEncryptedPEM struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// ExistingPKCS12 imports a decoded PKCS#12 bundle.
type ExistingPKCS12 struct {
	Bundle    *pki.Bundle
	ImportCAs bool
}

// InternalSource generates a key and issues a certificate for it, signed by
// CARef or self-signed when CARef is empty.
type InternalSource struct {
	CARef    string
	Key      pki.KeySpec
	Digest   pki.Digest
	Lifetime int
	Subject  pkix.Name
	Usage    pki.Usage
	AltNames []AltName
}

// ExternalSource generates a key and a CSR to be signed elsewhere.
type ExternalSource struct {
	Key      pki.KeySpec
	Digest   pki.Digest
	Subject  pkix.Name
	Usage    pki.Usage
	AltNames []AltName
}

// SignSource signs a caller-supplied CSR with a stored CA.
type SignSource struct {
	CARef    string
	Digest   pki.Digest
	Lifetime int
	Usage    pki.Usage
	AltNames *[]AltName
	CSR      *x509.CertificateRequest
	Key      crypto.Signer
}

func (ExistingPEM) source()          {}
func (ExistingEncryptedPEM) source() {}
func (ExistingPKCS12) source()       {}
func (InternalSource) source()       {}
func (ExternalSource) source()       {}
func (SignSource) source()           {}

// CreateCommand is a validated create request.
type CreateCommand struct {
	Descr  string
	Active bool
	Trust  bool
	Source Source
}

// UpdateCommand is a validated update request. Nil fields are unchanged.
type UpdateCommand struct {
	RefID       string
	Descr       *string
	Trust       *bool
	Certificate *x509.Certificate
	Key         crypto.Signer
}

// DeleteCommand names the entity to delete. Selectors are tried in field
// order and the first that resolves wins.
type DeleteCommand struct {
	ID    *int
	RefID string
	Descr string
}

// ---------------------------------------------------------------------------
// Validator
// ---------------------------------------------------------------------------

// validator turns Fields into commands. It reads CAs through findCA and
// has no other state.
type validator struct {
	maxLifetime int
	findCA      func(refid string) *CA
}

// certificateCreate validates a certificate create request. Checks run in a
// fixed order and the first failure is returned.
func (v validator) certificateCreate(f Fields) (*CreateCommand, error) {
	method, err := v.method(f, MethodInternal, MethodExisting, MethodExternal, MethodSign)
	if err != nil {
		return nil, err
	}
	descr, err := requireDescr(f)
	if err != nil {
		return nil, err
	}
	active, err := f.boolean("active")
	if err != nil {
		return nil, wrapError(CodeFlagInvalid, "active must be a boolean", err)
	}

	cmd := &CreateCommand{Descr: descr, Active: active}
	switch method {
	case MethodExisting:
		cmd.Source, err = v.existing(f, true)
	case MethodInternal:
		cmd.Source, err = v.internal(f, false)
	case MethodExternal:
		if active {
			return nil, newError(CodeCSRActive, "a certificate signing request cannot be active")
		}
		cmd.Source, err = v.external(f)
	case MethodSign:
		cmd.Source, err = v.sign(f)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// caCreate validates a CA create request.
func (v validator) caCreate(f Fields) (*CreateCommand, error) {
	method, err := v.method(f, MethodInternal, MethodExisting)
	if err != nil {
		return nil, err
	}
	descr, err := requireDescr(f)
	if err != nil {
		return nil, err
	}
	trust, err := f.boolean("trust")
	if err != nil {
		return nil, wrapError(CodeFlagInvalid, "trust must be a boolean", err)
	}

	cmd := &CreateCommand{Descr: descr, Trust: trust}
	switch method {
	case MethodExisting:
		cmd.Source, err = v.existing(f, false)
		if src, ok := cmd.Source.(ExistingPEM); ok && !src.Certificate.IsCA {
			return nil, newError(CodeCrtInvalid, "crt is not a CA certificate")
		}
	case MethodInternal:
		cmd.Source, err = v.internal(f, true)
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

func (v validator) method(f Fields, allowed ...string) (string, error) {
	m, ok := f.nonEmpty("method")
	if !ok {
		return "", newError(CodeMethodRequired, "method is required")
	}
	for _, a := range allowed {
		if m == a {
			return m, nil
		}
	}
	return "", newError(CodeMethodUnsupported, "method must be one of "+strings.Join(allowed, ", "))
}

// internal validates method=internal. For CAs a missing caref means a
// self-signed root; certificates always need an issuing CA.
func (v validator) internal(f Fields, forCA bool) (Source, error) {
	src := InternalSource{}
	caRef, hasCARef := f.nonEmpty("caref")
	if hasCARef || !forCA {
		ca, err := v.signingCA(caRef, hasCARef)
		if err != nil {
			return nil, err
		}
		src.CARef = ca.RefID
	}

	var err error
	if src.Key, err = keySpec(f); err != nil {
		return nil, err
	}
	if src.Digest, err = digest(f); err != nil {
		return nil, err
	}
	if src.Lifetime, err = v.lifetime(f); err != nil {
		return nil, err
	}
	if src.Subject, err = subject(f); err != nil {
		return nil, err
	}
	if forCA {
		src.Usage = pki.UsageCA
		return src, nil
	}
	if src.Usage, err = usage(f, true); err != nil {
		return nil, err
	}
	if src.AltNames, _, err = altNames(f); err != nil {
		return nil, err
	}
	return src, nil
}

func (v validator) external(f Fields) (Source, error) {
	src := ExternalSource{}
	var err error
	if src.Key, err = keySpec(f); err != nil {
		return nil, err
	}
	if src.Digest, err = digest(f); err != nil {
		return nil, err
	}
	if src.Subject, err = subject(f); err != nil {
		return nil, err
	}
	if src.Usage, err = usage(f, true); err != nil {
		return nil, err
	}
	if src.AltNames, _, err = altNames(f); err != nil {
		return nil, err
	}
	return src, nil
}

func (v validator) sign(f Fields) (Source, error) {
	caRef, hasCARef := f.nonEmpty("caref")
	ca, err := v.signingCA(caRef, hasCARef)
	if err != nil {
		return nil, err
	}
	src := SignSource{CARef: ca.RefID}
	if src.Digest, err = digest(f); err != nil {
		return nil, err
	}
	if src.Lifetime, err = v.lifetime(f); err != nil {
		return nil, err
	}
	if src.Usage, err = usage(f, false); err != nil {
		return nil, err
	}
	names, present, err := altNames(f)
	if err != nil {
		return nil, err
	}
	if present {
		src.AltNames = &names
	}

	csrPEM, ok := f.payload("csr")
	if !ok {
		return nil, newError(CodeSignCSRInvalid, "csr is required")
	}
	if src.CSR, err = pki.DecodeCSRPEM(csrPEM); err != nil {
		return nil, codecError(err, CodeSignCSRInvalid, "csr is not a valid PEM certificate signing request")
	}
	if prvPEM, ok := f.payload("prv"); ok {
		if src.Key, err = pki.DecodePrivateKeyPEM(prvPEM); err != nil {
			return nil, codecError(err, CodeSignKeyInvalid, "prv is not a valid PEM private key")
		}
		if !pki.KeyMatchesPublicKey(src.CSR.PublicKey, src.Key) {
			return nil, newError(CodeSignKeyMismatch, "prv does not match the csr public key")
		}
	}
	return src, nil
}

// existing validates method=existing. CAs only accept the pem format.
func (v validator) existing(f Fields, allowBundles bool) (Source, error) {
	format := FormatPEM
	if s, ok := f.nonEmpty("format"); ok {
		format = s
	}
	switch {
	case format == FormatPEM:
		return existingPEM(f)
	case format == FormatPKCS12 && allowBundles:
		return existingPKCS12(f)
	case format == FormatPEMEncryptedKey && allowBundles:
		return existingEncryptedPEM(f)
	}
	return nil, newError(CodeFormatUnsupported, "format "+format+" is not supported")
}

func existingPEM(f Fields) (Source, error) {
	cert, err := requireCertificate(f)
	if err != nil {
		return nil, err
	}
	src := ExistingPEM{Certificate: cert}
	if prvPEM, ok := f.payload("prv"); ok {
		if src.Key, err = parsePlainKey(prvPEM); err != nil {
			return nil, err
		}
		if !pki.KeyMatchesPublicKey(cert.PublicKey, src.Key) {
			return nil, newError(CodeKeyMismatch, "prv does not match crt")
		}
	}
	return src, nil
}

func existingPKCS12(f Fields) (Source, error) {
	data, ok := f.payload("pkcs12")
	if !ok {
		return nil, newError(CodePKCS12Required, "pkcs12 is required")
	}
	password, _ := f.str("password")
	bundle, err := pki.DecodePKCS12(data, password)
	switch {
	case errors.Is(err, pki.ErrIncorrectPassword):
		return nil, wrapError(CodePKCS12Password, "pkcs12 password is incorrect", err)
	case errors.Is(err, pki.ErrPayloadTooLarge):
		return nil, wrapError(CodePayloadTooLarge, "pkcs12 payload is too large", err)
	case err != nil:
		return nil, wrapError(CodePKCS12Malformed, "pkcs12 bundle could not be decoded", err)
	}
	importCAs, err := f.boolean("import_cas")
	if err != nil {
		return nil, wrapError(CodeFlagInvalid, "import_cas must be a boolean", err)
	}
	return ExistingPKCS12{Bundle: bundle, ImportCAs: importCAs}, nil
}

func existingEncryptedPEM(f Fields) (Source, error) {
	cert, err := requireCertificate(f)
	if err != nil {
		return nil, err
	}
	prvPEM, ok := f.payload("prv")
	if !ok {
		return nil, newError(CodeKeyMismatch, "prv is required")
	}
	password, _ := f.str("password")
	key, err := pki.DecryptPrivateKeyPEM(prvPEM, []byte(password))
	switch {
	case errors.Is(err, pki.ErrIncorrectPassword):
		return nil, wrapError(CodeKeyPassword, "prv password is incorrect", err)
	case err != nil:
		return nil, codecError(err, CodeKeyMismatch, "prv is not an encrypted private key")
	}
	if !pki.KeyMatchesPublicKey(cert.PublicKey, key) {
		return nil, newError(CodeKeyMismatch, "prv does not match crt")
	}
	return ExistingEncryptedPEM{Certificate: cert, Key: key}, nil
}

// signingCA resolves the issuing CA for internal and sign requests. The CA
// must hold its key.
func (v validator) signingCA(refid string, present bool) (*CA, error) {
	if !present {
		return nil, newError(CodeCARefRequired, "caref is required")
	}
	ca := v.findCA(refid)
	if ca == nil {
		return nil, newError(CodeCARefNotFound, "caref does not match an existing CA")
	}
	if len(ca.Prv) == 0 {
		return nil, newError(CodeCARefNotFound, "caref names a CA without a private key")
	}
	return ca, nil
}

func (v validator) lifetime(f Fields) (int, error) {
	n, present, err := f.integer("lifetime")
	if err != nil {
		return 0, wrapError(CodeLifetimeInvalid, "lifetime must be a whole number of days", err)
	}
	if !present {
		return min(DefaultLifetimeDays, v.maxLifetime), nil
	}
	if n < 1 || n > v.maxLifetime {
		return 0, newError(CodeLifetimeInvalid, "lifetime must be between 1 and the maximum lifetime")
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Field rules
// ---------------------------------------------------------------------------

func requireDescr(f Fields) (string, error) {
	s, _ := f.str("descr")
	return parseDescr(s)
}

// parseDescr NFC-normalises and checks a description.
func parseDescr(s string) (string, error) {
	d := util.NormalizeLabel(s)
	if d == "" {
		return "", newError(CodeDescrRequired, "descr is required")
	}
	if utf8.RuneCountInString(d) > MaxDescrLength {
		return "", newError(CodeDescrInvalid, "descr is too long")
	}
	for _, r := range d {
		if !descrRune(r) {
			return "", newError(CodeDescrInvalid, "descr contains invalid characters")
		}
	}
	return d, nil
}

func descrRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
		return true
	}
	return strings.ContainsRune(".,-_:;()/@+=!#*'[]", r)
}

func keySpec(f Fields) (pki.KeySpec, error) {
	kt, ok := f.nonEmpty("keytype")
	if !ok {
		return pki.KeySpec{}, newError(CodeKeyTypeRequired, "keytype is required")
	}
	keyType, err := pki.ParseKeyType(kt)
	if err != nil {
		return pki.KeySpec{}, wrapError(CodeKeyTypeUnsupported, "keytype must be RSA or ECDSA", err)
	}

	spec := pki.KeySpec{Type: keyType}
	switch keyType {
	case pki.KeyTypeRSA:
		bits, present, err := f.integer("keylen")
		if !present {
			return pki.KeySpec{}, newError(CodeKeyLenRequired, "keylen is required for RSA keys")
		}
		if err != nil {
			return pki.KeySpec{}, wrapError(CodeKeyLenUnsupported, "keylen is not supported", err)
		}
		spec.Bits = bits
		if err := spec.Validate(); err != nil {
			return pki.KeySpec{}, wrapError(CodeKeyLenUnsupported, "keylen is not supported", err)
		}
	case pki.KeyTypeECDSA:
		name, ok := f.nonEmpty("ecname")
		if !ok {
			return pki.KeySpec{}, newError(CodeECNameRequired, "ecname is required for ECDSA keys")
		}
		spec.Curve = name
		if err := spec.Validate(); err != nil {
			return pki.KeySpec{}, wrapError(CodeECNameUnsupported, "ecname is not supported", err)
		}
	}
	return spec, nil
}

func digest(f Fields) (pki.Digest, error) {
	s, ok := f.nonEmpty("digest_alg")
	if !ok {
		return "", newError(CodeDigestRequired, "digest_alg is required")
	}
	d, err := pki.ParseDigest(s)
	if err != nil {
		return "", wrapError(CodeDigestUnsupported, "digest_alg is not supported", err)
	}
	return d, nil
}

// subject builds the distinguished name from the dn_* fields.
func subject(f Fields) (pkix.Name, error) {
	var name pkix.Name
	cn, ok := f.nonEmpty("dn_commonname")
	if !ok {
		return name, newError(CodeCommonNameRequired, "dn_commonname is required")
	}
	if utf8.RuneCountInString(cn) > maxDNValueLength {
		return name, newError(CodeCommonNameRequired, "dn_commonname is too long")
	}
	name.CommonName = cn

	if c, ok := f.nonEmpty("dn_country"); ok {
		country, err := countryCode(c)
		if err != nil {
			return name, err
		}
		name.Country = []string{country}
	}
	optional := []struct {
		key string
		dst *[]string
	}{
		{"dn_state", &name.Province},
		{"dn_city", &name.Locality},
		{"dn_organization", &name.Organization},
		{"dn_organizationalunit", &name.OrganizationalUnit},
	}
	for _, o := range optional {
		if v, ok := f.nonEmpty(o.key); ok {
			*o.dst = []string{v}
		}
	}
	return name, nil
}

// countryCode accepts ISO 3166-1 alpha-2 country codes.
func countryCode(s string) (string, error) {
	upper := strings.ToUpper(s)
	invalid := newError(CodeCountryInvalid, "dn_country must be an ISO 3166-1 alpha-2 country code")
	if len(upper) != 2 || upper[0] < 'A' || upper[0] > 'Z' || upper[1] < 'A' || upper[1] > 'Z' {
		return "", invalid
	}
	region, err := language.ParseRegion(upper)
	if err != nil || !region.IsCountry() || region.String() != upper {
		return "", invalid
	}
	return upper, nil
}

// usage parses the certificate type; the ca profile is not selectable here.
func usage(f Fields, required bool) (pki.Usage, error) {
	s, ok := f.nonEmpty("type")
	if !ok {
		if required {
			return "", newError(CodeTypeRequired, "type is required")
		}
		return "", nil
	}
	u, err := pki.ParseUsage(s)
	if err != nil || u == pki.UsageCA {
		return "", newError(CodeTypeUnsupported, "type must be one of server, client, user")
	}
	return u, nil
}

// ParseAltNames validates an altnames list as decoded from JSON, failing with
// the same codes create does.
func ParseAltNames(raw any) ([]AltName, error) {
	names, _, err := altNames(Fields{"altnames": raw})
	return names, err
}

// altNames parses the altnames list. present reports whether the field was
// supplied at all, which distinguishes "keep" from "clear" when signing.
func altNames(f Fields) (names []AltName, present bool, err error) {
	raw, ok := f["altnames"]
	if !ok || raw == nil {
		return nil, false, nil
	}
	entries, err := altNameEntries(raw)
	if err != nil {
		return nil, true, err
	}
	names = make([]AltName, 0, len(entries))
	for _, entry := range entries {
		if len(entry) != 1 {
			return nil, true, newError(CodeAltNamesInvalid, "each altname must be a single-key map")
		}
		for kind, value := range entry {
			s, ok := value.(string)
			if !ok {
				return nil, true, newError(CodeAltNamesInvalid, "altname values must be strings")
			}
			n, err := pki.ParseAltName(kind, s)
			if err != nil {
				return nil, true, altNameError(err)
			}
			names = append(names, n)
		}
	}
	return names, true, nil
}

func altNameEntries(raw any) ([]map[string]any, error) {
	shape := newError(CodeAltNamesInvalid, "altnames must be a list of single-key maps")
	switch t := raw.(type) {
	case []AltName:
		out := make([]map[string]any, len(t))
		for i, n := range t {
			out[i] = map[string]any{string(n.Kind()): n.Value()}
		}
		return out, nil
	case []map[string]any:
		return t, nil
	case []map[string]string:
		out := make([]map[string]any, len(t))
		for i, m := range t {
			out[i] = make(map[string]any, len(m))
			for k, v := range m {
				out[i][k] = v
			}
		}
		return out, nil
	case []any:
		out := make([]map[string]any, len(t))
		for i, e := range t {
			switch m := e.(type) {
			case map[string]any:
				out[i] = m
			case map[string]string:
				out[i] = map[string]any{}
				for k, v := range m {
					out[i][k] = v
				}
			default:
				return nil, shape
			}
		}
		return out, nil
	}
	return nil, shape
}

func altNameError(err error) error {
	switch {
	case errors.Is(err, pki.ErrUnknownAltNameKind):
		return wrapError(CodeAltNameTypeUnsupported, "altname type must be one of dns, ip, uri, email", err)
	case errors.Is(err, pki.ErrInvalidDNSName):
		return wrapError(CodeAltNameDNSInvalid, "altname dns is not a valid hostname", err)
	case errors.Is(err, pki.ErrInvalidIPAddress):
		return wrapError(CodeAltNameIPInvalid, "altname ip is not a valid IP address", err)
	case errors.Is(err, pki.ErrInvalidURI):
		return wrapError(CodeAltNameURIInvalid, "altname uri is not a valid URI", err)
	case errors.Is(err, pki.ErrInvalidEmail):
		return wrapError(CodeAltNameEmailInvalid, "altname email is not a valid address", err)
	}
	return wrapError(CodeAltNamesInvalid, "altnames are invalid", err)
}

// ---------------------------------------------------------------------------
// Key material
// ---------------------------------------------------------------------------

func requireCertificate(f Fields) (*x509.Certificate, error) {
	crtPEM, ok := f.payload("crt")
	if !ok {
		return nil, newError(CodeCrtInvalid, "crt is required")
	}
	cert, err := pki.DecodeCertificatePEM(crtPEM)
	if err != nil {
		return nil, codecError(err, CodeCrtInvalid, "crt is not a valid PEM certificate")
	}
	return cert, nil
}

// parsePlainKey decodes an unencrypted private key, reporting encryption
// separately from malformed input.
func parsePlainKey(data []byte) (crypto.Signer, error) {
	if pki.IsEncryptedKeyPEM(data) {
		return nil, newError(CodeKeyEncrypted, "encrypted private keys are not supported for this format")
	}
	key, err := pki.DecodePrivateKeyPEM(data)
	if err != nil {
		return nil, codecError(err, CodeKeyMismatch, "prv is not a valid PEM private key")
	}
	return key, nil
}

// codecError maps a pki failure onto code, except oversized payloads which
// have their own code.
func codecError(err error, code Code, msg string) error {
	if errors.Is(err, pki.ErrPayloadTooLarge) {
		return wrapError(CodePayloadTooLarge, "payload is too large", err)
	}
	return wrapError(code, msg, err)
}

// ---------------------------------------------------------------------------
// Update and delete
// ---------------------------------------------------------------------------

// certificateUpdate validates an update against the entity's current state.
// A pending CSR only accepts its certificate; anything else may replace crt
// and prv as long as the resulting pair still matches.
func certificateUpdate(f Fields, cur *Certificate) (*UpdateCommand, error) {
	cmd := &UpdateCommand{RefID: cur.RefID}
	if f.present("descr") {
		d, err := requireDescr(f)
		if err != nil {
			return nil, err
		}
		cmd.Descr = &d
	}

	if cur.Pending() {
		if _, ok := f.nonEmpty("prv"); ok {
			return nil, newError(CodeCSRKeyNotAllowed, "prv cannot be supplied when fulfilling a certificate signing request")
		}
		crtPEM, ok := f.payload("crt")
		if !ok {
			return cmd, nil
		}
		cert, err := pki.DecodeCertificatePEM(crtPEM)
		if err != nil {
			return nil, codecError(err, CodeKeyMismatch, "crt is not a valid PEM certificate")
		}
		csr, err := pki.DecodeCSRPEM(cur.CSR)
		if err != nil {
			return nil, internalError("stored csr is unreadable", err)
		}
		if !samePublicKey(cert.PublicKey, csr.PublicKey) {
			return nil, newError(CodeKeyMismatch, "crt does not match the certificate signing request")
		}
		cmd.Certificate = cert
		return cmd, nil
	}

	if err := replaceKeyPair(f, cmd, cur.Crt, cur.Prv); err != nil {
		return nil, err
	}
	return cmd, nil
}

// caUpdate validates an update to a CA.
func caUpdate(f Fields, cur *CA) (*UpdateCommand, error) {
	cmd := &UpdateCommand{RefID: cur.RefID}
	if f.present("descr") {
		d, err := requireDescr(f)
		if err != nil {
			return nil, err
		}
		cmd.Descr = &d
	}
	if f.present("trust") {
		trust, err := f.boolean("trust")
		if err != nil {
			return nil, wrapError(CodeFlagInvalid, "trust must be a boolean", err)
		}
		cmd.Trust = &trust
	}
	if err := replaceKeyPair(f, cmd, cur.Crt, cur.Prv); err != nil {
		return nil, err
	}
	if cmd.Certificate != nil && !cmd.Certificate.IsCA {
		return nil, newError(CodeCrtInvalid, "crt is not a CA certificate")
	}
	return cmd, nil
}

// replaceKeyPair applies crt/prv replacements and checks the resulting pair.
func replaceKeyPair(f Fields, cmd *UpdateCommand, curCrt, curPrv []byte) error {
	if crtPEM, ok := f.payload("crt"); ok {
		cert, err := pki.DecodeCertificatePEM(crtPEM)
		if err != nil {
			return codecError(err, CodeCrtInvalid, "crt is not a valid PEM certificate")
		}
		cmd.Certificate = cert
	}
	if prvPEM, ok := f.payload("prv"); ok {
		key, err := parsePlainKey(prvPEM)
		if err != nil {
			return err
		}
		cmd.Key = key
	}
	if cmd.Certificate == nil && cmd.Key == nil {
		return nil
	}

	cert := cmd.Certificate
	if cert == nil && len(curCrt) > 0 {
		parsed, err := pki.DecodeCertificatePEM(curCrt)
		if err != nil {
			return internalError("stored crt is unreadable", err)
		}
		cert = parsed
	}
	key := cmd.Key
	if key == nil && len(curPrv) > 0 {
		parsed, err := pki.DecodePrivateKeyPEM(curPrv)
		if err != nil {
			return internalError("stored prv is unreadable", err)
		}
		key = parsed
	}
	if cert != nil && key != nil && !pki.KeyMatchesPublicKey(cert.PublicKey, key) {
		return newError(CodeKeyMismatch, "crt and prv do not match")
	}
	return nil
}

// deleteCommand reads the selectors. An id that is not a number simply
// never resolves.
func deleteCommand(f Fields) DeleteCommand {
	var cmd DeleteCommand
	if id, present, err := f.integer("id"); present {
		if err != nil {
			id = -1
		}
		cmd.ID = &id
	}
	cmd.RefID, _ = f.nonEmpty("refid")
	if d, ok := f.str("descr"); ok {
		cmd.Descr = util.NormalizeLabel(d)
	}
	return cmd
}

type publicKey interface {
	Equal(crypto.PublicKey) bool
}

func samePublicKey(a, b crypto.PublicKey) bool {
	pk, ok := a.(publicKey)
	return ok && pk.Equal(b)
}
