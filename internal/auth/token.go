package auth

import "time"

// Token is a bearer credential with a pure-comparison expiry, shared
// by both the ClientToken bootstrap flow and Login5 (spec.md §4.11:
// "Tokens carry an Instant of issue and a Duration until expiry;
// is_expired is a pure time comparison").
type Token struct {
	AccessToken string
	TokenType   string
	Scopes      []string
	IssuedAt    time.Time
	ExpiresIn   time.Duration
}

// IsExpired reports whether the token is no longer usable as of now.
func (t Token) IsExpired(now time.Time) bool {
	return !now.Before(t.IssuedAt.Add(t.ExpiresIn))
}
