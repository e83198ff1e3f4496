package model

import "time"

// Room status values, forming the lifecycle waiting → playing → closed.
const (
	RoomStatusWaiting = "waiting"
	RoomStatusPlaying = "playing"
	RoomStatusClosed  = "closed"
)

// Room is one game room. CurrentPlayers always equals the number of
// membership rows; the store recomputes it inside every membership mutation.
type Room struct {
	ID             int64
	GameID         int64
	HostID         int64
	Name           string
	RoomCode       string
	MaxPlayers     int
	CurrentPlayers int
	Status         string
	GamePort       int
	CreatedAt      time.Time
}

// RoomListing is a room row joined with its game name and host username,
// as projected into ROOM_LIST_RESPONSE.
type RoomListing struct {
	Room
	GameName string
	HostName string
}

// RoomPlayer is one member of a room.
type RoomPlayer struct {
	ID       int64
	Username string
}
