package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel returns s in Unicode NFC with surrounding whitespace removed.
func NormalizeLabel(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// ColonHex renders b as upper-case hex octets joined by colons (AB:CD:EF).
func ColonHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return sb.String()
}
