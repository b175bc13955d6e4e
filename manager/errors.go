package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrPassphraseRequired is returned by New when no store passphrase is configured.
	ErrPassphraseRequired = errors.New("store passphrase required")
	// ErrWrongPassphrase is returned by New when the passphrase does not open an existing store.
	ErrWrongPassphrase = errors.New("wrong store passphrase")
)

// Kind classifies an Error for callers that map failures onto their own
// transport (HTTP status, exit code).
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Code is a stable failure identifier. Values never change meaning.
type Code int

const (
	CodeDescrRequired          Code = 1002
	CodeCrtInvalid             Code = 1003
	CodeCertificateInUse       Code = 1005
	CodeCertificateNotFound    Code = 1009
	CodeCANotFound             Code = 1010
	CodeCAInUse                Code = 1011
	CodeMethodRequired         Code = 1031
	CodeMethodUnsupported      Code = 1032
	CodeKeyEncrypted           Code = 1036
	CodeDescrInvalid           Code = 1037
	CodeKeyTypeRequired        Code = 1038
	CodeKeyTypeUnsupported     Code = 1039
	CodeKeyLenRequired         Code = 1040
	CodeKeyLenUnsupported      Code = 1041
	CodeECNameRequired         Code = 1042
	CodeECNameUnsupported      Code = 1043
	CodeDigestRequired         Code = 1044
	CodeDigestUnsupported      Code = 1045
	CodeLifetimeInvalid        Code = 1046
	CodeCARefRequired          Code = 1047
	CodeCARefNotFound          Code = 1048
	CodeKeyMismatch            Code = 1049
	CodeCountryInvalid         Code = 1051
	CodeCommonNameRequired     Code = 1052
	CodeTypeRequired           Code = 1053
	CodeTypeUnsupported        Code = 1054
	CodeAltNamesInvalid        Code = 1055
	CodeAltNameTypeUnsupported Code = 1056
	CodeAltNameDNSInvalid      Code = 1057
	CodeAltNameIPInvalid       Code = 1058
	CodeAltNameURIInvalid      Code = 1059
	CodeAltNameEmailInvalid    Code = 1060
	CodeCSRKeyNotAllowed       Code = 1093
	CodeCSRActive              Code = 1095
	CodeSignKeyMismatch        Code = 1097
	CodeSignKeyInvalid         Code = 1098
	CodeSignCSRInvalid         Code = 1099
	CodePKCS12Password         Code = 1100
	CodePKCS12Required         Code = 1101
	CodeFormatUnsupported      Code = 1102
	CodeKeyPassword            Code = 1103
	CodePKCS12Malformed        Code = 1104
	CodePayloadTooLarge        Code = 1105
	CodeRefIDRequired          Code = 1106
	CodeNotPending             Code = 1107
	CodeExportUnavailable      Code = 1108
	CodeFlagInvalid            Code = 1109
	CodeInternal               Code = 1500
)

// Kind reports the class a code belongs to.
func (c Code) Kind() Kind {
	switch c {
	case CodeCertificateNotFound, CodeCANotFound:
		return KindNotFound
	case CodeCertificateInUse, CodeCAInUse, CodeNotPending:
		return KindConflict
	case CodeInternal:
		return KindInternal
	}
	return KindValidation
}

// Error is the failure type of every Manager operation. Err carries the
// underlying cause when there is one; it is never shown to API callers.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: 1009})
// works without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, msg string) *Error {
	return &Error{Kind: code.Kind(), Code: code, Message: msg}
}

func wrapError(code Code, msg string, err error) *Error {
	return &Error{Kind: code.Kind(), Code: code, Message: msg, Err: err}
}

func internalError(msg string, err error) *Error {
	return wrapError(CodeInternal, msg, err)
}

// CodeOf extracts the stable code from err, or CodeInternal when err is not
// an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
