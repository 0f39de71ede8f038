// Package match holds the content signatures used by the blocking checks.
// Everything here is compiled at init and read-only afterwards, so the
// matchers are safe for concurrent use.
package match

import (
	"regexp"
	"strings"
)

var sqlSignature = regexp.MustCompile(`(?i)(\b(select|insert|update|delete|drop|union|exec|execute)\b|--|;|'|")`)

var xssSignatures = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"<svg",
	"<img",
	"data:text/html",
}

// SQLInjection reports the first candidate carrying an SQL signature.
func SQLInjection(candidates ...string) (bool, string) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if sqlSignature.MatchString(c) {
			return true, c
		}
	}
	return false, ""
}

// XSS percent-decodes and lower-cases input before looking for script
// injection markers. Malformed escapes are kept as written and do not stop the
// rest of the input from being decoded.
func XSS(input string) bool {
	if input == "" {
		return false
	}
	decoded := strings.ToLower(Unescape(input))
	for _, sig := range xssSignatures {
		if strings.Contains(decoded, sig) {
			return true
		}
	}
	return false
}

// Unescape decodes every valid %XX sequence and '+' in s, leaving malformed
// escapes untouched.
func Unescape(s string) string {
	return unescape(s, true)
}

// UnescapePath is Unescape for URL paths, where '+' is literal.
func UnescapePath(s string) string {
	return unescape(s, false)
}

func unescape(s string, plus bool) string {
	if !strings.Contains(s, "%") && !(plus && strings.Contains(s, "+")) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case plus && c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case c >= 'a':
		return c - 'a' + 10
	case c >= 'A':
		return c - 'A' + 10
	}
	return c - '0'
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
