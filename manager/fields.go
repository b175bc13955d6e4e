package manager

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// present reports whether key is set to a non-nil value.
func (f Fields) present(key string) bool {
	v, ok := f[key]
	return ok && v != nil
}

// str returns the field as a string. Numbers and booleans are rendered the
// way they would have been typed.
func (f Fields) str(key string) (string, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	case fmt.Stringer:
		return t.String(), true
	}
	return fmt.Sprint(v), true
}

// nonEmpty returns the trimmed string value, treating blank as absent.
func (f Fields) nonEmpty(key string) (string, bool) {
	s, ok := f.str(key)
	s = strings.TrimSpace(s)
	return s, ok && s != ""
}

// integer parses the field as a whole number.
func (f Fields) integer(key string) (int, bool, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int:
		return t, true, nil
	case int64:
		return int(t), true, nil
	case float64:
		if t != math.Trunc(t) || math.Abs(t) > math.MaxInt32 {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return int(t), true, nil
	case json.Number:
		n, err := strconv.Atoi(t.String())
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return n, true, nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, true, fmt.Errorf("%s must be an integer", key)
		}
		return n, true, nil
	}
	return 0, true, fmt.Errorf("%s must be an integer", key)
}

// boolean parses the field as a flag; absent means false.
func (f Fields) boolean(key string) (bool, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case json.Number:
		return t.String() != "0", nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean", key)
		}
		return b, nil
	}
	return false, fmt.Errorf("%s must be a boolean", key)
}

// payload returns PEM (or PKCS#12) bytes from a field that may carry them
// raw or base64 encoded, padded or not. Undecodable input is returned as-is
// so the codec reports the precise failure.
func (f Fields) payload(key string) ([]byte, bool) {
	s, ok := f.nonEmpty(key)
	if !ok {
		return nil, false
	}
	return decodePayload(s), true
}

func decodePayload(s string) []byte {
	if strings.HasPrefix(s, "-----BEGIN") {
		return []byte(s)
	}
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if b, err := base64.StdEncoding.DecodeString(compact); err == nil {
		return b
	}
	if b, err := base64.RawStdEncoding.DecodeString(compact); err == nil {
		return b
	}
	return []byte(s)
}
