package model

import "time"

// Game status values. Removal is a soft delete: status flips to inactive and
// the row plus its artifacts stay.
const (
	GameStatusActive   = "active"
	GameStatusInactive = "inactive"
)

// Game types understood by launch tooling.
const (
	GameTypeCLI = "cli"
	GameTypeGUI = "gui"
)

// Game is one published game. AverageRating and RatingCount are cached
// aggregates, recomputed whenever a review is upserted.
type Game struct {
	ID             int64
	Name           string
	Description    string
	DeveloperID    int64
	CurrentVersion string
	MinPlayers     int
	MaxPlayers     int
	GameType       string
	Status         string
	DownloadCount  int64
	AverageRating  float64
	RatingCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// GameVersion is one uploaded package of a game. (GameID, Version) is
// unique; rows are append-only.
type GameVersion struct {
	ID        int64
	GameID    int64
	Version   string
	Changelog string
	FilePath  string
	FileSize  int64
	Checksum  string
	CreatedAt time.Time
}
