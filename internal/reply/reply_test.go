package reply

import (
	"strings"
	"testing"

	"relayfleet/internal/platform"
)

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"alguien", "Quién", "dox"})
	cases := []struct {
		text string
		want bool
	}{
		{"Alguien sabe?", true},
		{"quien me ayuda", true},
		{"QUIÉN tiene", true},
		{"alguienes", false},
		{"pregunten a @quien_bot", false},
		{"mira https://x.com/dox", false},
		{"paradox", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := m.Match(tc.text); got != tc.want {
			t.Fatalf("Match(%q)=%v want %v", tc.text, got, tc.want)
		}
	}
	if !NewMatcher(nil).Empty() {
		t.Fatalf("matcher without keywords must be empty")
	}
}

func TestFilter(t *testing.T) {
	f := DefaultFilter()
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"plain", "¿alguien tiene el número?", true},
		{"empty", "", false},
		{"long", strings.Repeat("a", 401), false},
		{"lines", "a\nb\nc\nd\ne", false},
		{"emoji_few", "hola 👋👋", true},
		{"emoji_many", "🔥🔥🔥🔥🔥🔥🔥 promo", false},
	}
	for _, tc := range cases {
		if got := f.Accept(tc.text); got != tc.want {
			t.Fatalf("%s: Accept=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestExclusions(t *testing.T) {
	e := NewExclusions([]string{"@SpamBot", "Mini Bratz 2.0 ✨", "Rogelio Mz"})
	cases := []struct {
		u    platform.User
		want bool
	}{
		{platform.User{Username: "spambot"}, true},
		{platform.User{FirstName: "Rogelio", LastName: "Mz"}, true},
		{platform.User{FirstName: "Mini", LastName: "Bratz 2.0"}, true},
		{platform.User{FirstName: "Ana"}, false},
		{platform.User{}, false},
	}
	for _, tc := range cases {
		if got := e.Excluded(tc.u); got != tc.want {
			t.Fatalf("Excluded(%+v)=%v want %v", tc.u, got, tc.want)
		}
	}
}

func TestPick(t *testing.T) {
	with := "Hi @{username}"
	without := "Hi {name} ({id})"
	if got := Pick(with, without, platform.User{ID: 5, Username: "ann"}); got != "Hi @ann" {
		t.Fatalf("got %q", got)
	}
	if got := Pick(with, without, platform.User{ID: 5, FirstName: "Ann"}); got != "Hi Ann (5)" {
		t.Fatalf("got %q", got)
	}
	if got := Pick(with, "", platform.User{ID: 5}); got != "Hi @" {
		t.Fatalf("got %q", got)
	}
}
