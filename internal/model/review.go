package model

import "time"

// Review is one player's review of a game. (GameID, PlayerID) is unique;
// a second submission by the same player replaces the first.
type Review struct {
	ID        int64
	GameID    int64
	PlayerID  int64
	Username  string // joined from the player row on reads
	Rating    int
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}
