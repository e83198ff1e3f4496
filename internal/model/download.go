package model

import "time"

// Download is one completed download, recorded together with the counter
// increment on the game row.
type Download struct {
	ID           int64
	GameID       int64
	PlayerID     int64
	Version      string
	GameName     string // joined from the game row on history reads
	DownloadedAt time.Time
}
