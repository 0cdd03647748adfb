// Package nfc canonicalises NFC tag identifiers as reported by different
// reader firmwares.
package nfc

import (
	"strconv"
	"strings"
)

// UIDs are between 1 and 16 bytes. Common tags are 4, 7 or 10 bytes.
const (
	minUIDBytes = 1
	maxUIDBytes = 16
)

// Normalize converts a reader-reported identifier to canonical uppercase hex
// of even length. Accepted forms, tried in this order:
//
//  1. colon or dash delimited hex groups ("04:A1:B2:C3", "04-a1-b2-c3")
//  2. 0x-prefixed hex ("0x04A1B2C3")
//  3. bare hex of even length ("04a1b2c3")
//  4. bare decimal ("77707971"), rendered as hex
//
// A digit-only string of even length is bare hex, so decimal applies only
// to odd-length digit strings. Normalize is idempotent.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	var canonical string
	switch {
	case strings.ContainsAny(s, ":-"):
		canonical = fromGroups(s)
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		canonical = fromHex(s[2:])
	case isHex(s) && len(s)%2 == 0:
		canonical = strings.ToUpper(s)
	case isDecimal(s):
		canonical = fromDecimal(s)
	}

	if canonical == "" {
		return "", false
	}
	n := len(canonical) / 2
	if n < minUIDBytes || n > maxUIDBytes {
		return "", false
	}
	return canonical, true
}

// fromGroups joins delimited groups of one or two hex digits.
func fromGroups(s string) string {
	groups := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	// FieldsFunc drops empty fields; a leading, trailing or doubled delimiter is malformed.
	if strings.Count(s, ":")+strings.Count(s, "-") != len(groups)-1 {
		return ""
	}

	var b strings.Builder
	for _, g := range groups {
		if len(g) == 0 || len(g) > 2 || !isHex(g) {
			return ""
		}
		if len(g) == 1 {
			b.WriteByte('0')
		}
		b.WriteString(strings.ToUpper(g))
	}
	return b.String()
}

// fromHex uppercases s, left-padding to even length.
func fromHex(s string) string {
	if !isHex(s) {
		return ""
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return strings.ToUpper(s)
}

// fromDecimal parses s as an unsigned integer and renders it as even-length hex.
func fromDecimal(s string) string {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return ""
	}
	h := strings.ToUpper(strconv.FormatUint(v, 16))
	if len(h)%2 == 1 {
		h = "0" + h
	}
	return h
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
