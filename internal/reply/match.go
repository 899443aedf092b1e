package reply

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	reMention = regexp.MustCompile(`@\w{3,32}`)
	reURL     = regexp.MustCompile(`https?://\S+`)
)

// Matcher finds configured keywords as whole words, ignoring case and accents.
// Mentions and links are removed first so "@quien_bot" does not match "quien".
type Matcher struct {
	res []*regexp.Regexp
}

func NewMatcher(keywords []string) *Matcher {
	m := &Matcher{}
	for _, kw := range keywords {
		k := strings.TrimSpace(foldASCII(kw))
		if k == "" {
			continue
		}
		m.res = append(m.res, regexp.MustCompile(`\b`+regexp.QuoteMeta(k)+`\b`))
	}
	return m
}

func (m *Matcher) Empty() bool { return m == nil || len(m.res) == 0 }

func (m *Matcher) Match(text string) bool {
	if m.Empty() || text == "" {
		return false
	}
	cleaned := reMention.ReplaceAllString(text, " ")
	cleaned = reURL.ReplaceAllString(cleaned, " ")
	cleaned = foldASCII(cleaned)
	for _, re := range m.res {
		if re.MatchString(cleaned) {
			return true
		}
	}
	return false
}

// Filter rejects group messages that do not look like a person asking
// something: too long, too many lines, or too many unusual characters.
type Filter struct {
	MaxLen      int
	MaxNewlines int
	MaxOdd      int
}

func DefaultFilter() Filter { return Filter{MaxLen: 400, MaxNewlines: 3, MaxOdd: 6} }

const allowedPunct = ".,;:?!¡¿()\"'%-@/áéíóúÁÉÍÓÚñÑ"

func (f Filter) Accept(text string) bool {
	n := utf8.RuneCountInString(text)
	if n < 1 || (f.MaxLen > 0 && n > f.MaxLen) {
		return false
	}
	if f.MaxNewlines >= 0 && strings.Count(text, "\n") > f.MaxNewlines {
		return false
	}
	odd := 0
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '\t', r == '\n', r == '\r':
		case strings.ContainsRune(allowedPunct, r):
		default:
			odd++
		}
	}
	return odd <= f.MaxOdd
}
