package gateway

// Allowlist restricts which platform users may talk to the bot.
// An empty list allows everyone.
type Allowlist struct {
	ids map[string]struct{}
}

// NewAllowlist builds an Allowlist from user ids or names.
func NewAllowlist(ids []string) Allowlist {
	a := Allowlist{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			a.ids[id] = struct{}{}
		}
	}
	return a
}

// Empty reports whether the list places no restriction.
func (a Allowlist) Empty() bool { return len(a.ids) == 0 }

// Allowed reports whether any of the given identifiers is listed.
// Telegram, for example, checks both the numeric id and the username.
func (a Allowlist) Allowed(identifiers ...string) bool {
	if a.Empty() {
		return true
	}
	for _, id := range identifiers {
		if _, ok := a.ids[id]; ok && id != "" {
			return true
		}
	}
	return false
}
