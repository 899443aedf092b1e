package reply

import (
	"strconv"
	"strings"

	"relayfleet/internal/platform"
)

// Render fills {username}, {name}, {id} and {mention} for u.
func Render(tpl string, u platform.User) string {
	name := u.FirstName
	if name == "" {
		name = "friend"
	}
	return strings.NewReplacer(
		"{username}", strings.TrimLeft(u.Username, "@"),
		"{name}", name,
		"{id}", strconv.FormatInt(u.ID, 10),
		"{mention}", u.Display(),
	).Replace(tpl)
}

// Pick renders withUsername when u has a username, else withoutUsername.
// An empty withoutUsername falls back to withUsername.
func Pick(withUsername, withoutUsername string, u platform.User) string {
	tpl := withUsername
	if u.Username == "" && withoutUsername != "" {
		tpl = withoutUsername
	}
	return Render(tpl, u)
}
