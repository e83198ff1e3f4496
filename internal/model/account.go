package model

import "time"

// PrincipalKind distinguishes the two account namespaces. A username may
// exist in both at once.
type PrincipalKind string

const (
	KindPlayer    PrincipalKind = "player"
	KindDeveloper PrincipalKind = "developer"
)

// Player represents a player account stored in the database.
type Player struct {
	ID           int64
	Username     string
	PasswordHash string
	Email        string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Developer represents a developer account. Same shape as Player, separate
// namespace.
type Developer struct {
	ID           int64
	Username     string
	PasswordHash string
	Email        string
	CreatedAt    time.Time
	LastLogin    *time.Time
}
