package model

import "time"

// Session is an opaque token binding a connection-independent principal.
// Validation refuses it once ExpiresAt has passed.
type Session struct {
	Token       string
	PrincipalID int64
	Kind        PrincipalKind
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Expired reports whether the session is past its lifetime at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
