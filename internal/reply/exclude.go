package reply

import "relayfleet/internal/platform"

// Exclusions matches senders by username or full name, either as written
// or reduced to [a-z0-9].
type Exclusions struct {
	raw  map[string]struct{}
	norm map[string]struct{}
}

func NewExclusions(list []string) *Exclusions {
	e := &Exclusions{raw: map[string]struct{}{}, norm: map[string]struct{}{}}
	for _, s := range list {
		r := rawName(s)
		if r == "" {
			continue
		}
		e.raw[r] = struct{}{}
		if n := normalizeName(r); n != "" {
			e.norm[n] = struct{}{}
		}
	}
	return e
}

func (e *Exclusions) has(s string) bool {
	r := rawName(s)
	if r == "" {
		return false
	}
	if _, ok := e.raw[r]; ok {
		return true
	}
	if n := normalizeName(r); n != "" {
		_, ok := e.norm[n]
		return ok
	}
	return false
}

func (e *Exclusions) Excluded(u platform.User) bool {
	if e == nil {
		return false
	}
	return e.has(u.Username) || e.has(u.FullName())
}
