package reply

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldASCII decomposes s and drops everything outside ASCII, so "quién"
// and "quien" compare equal. The result is lowercase.
func foldASCII(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })))
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return strings.ToLower(out)
}

// normalizeName reduces a username or display name to [a-z0-9].
func normalizeName(s string) string {
	s = strings.TrimSpace(strings.TrimLeft(strings.ToLower(s), "@"))
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	var b strings.Builder
	for _, r := range out {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func rawName(s string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.ToLower(strings.TrimSpace(s)), "@"))
}
