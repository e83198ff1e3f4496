package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors surfaced by repositories so handlers can map them onto
// protocol error strings.
var (
	ErrUsernameTaken  = errors.New("username already exists")
	ErrGameNameTaken  = errors.New("game name already exists")
	ErrVersionExists  = errors.New("version already exists")
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomNotWaiting = errors.New("room is not accepting players")
	ErrRoomFull       = errors.New("room is full")
	ErrAlreadyInRoom  = errors.New("already in room")
)

// uniqueViolation is the Postgres error code for unique constraint breaches.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
