package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamedepot/internal/model"
)

// roomCodeAttempts bounds the retry loop on room code collisions.
const roomCodeAttempts = 5

// RoomRepository manages rooms and their membership. All membership
// mutations run in a transaction that locks the room row and recomputes
// current_players from the membership count.
type RoomRepository struct {
	pool *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository.
func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// Create opens a room with a fresh room code and enrolls the host as its
// first member. Room code collisions retry with a new code.
func (r *RoomRepository) Create(ctx context.Context, gameID, hostID int64, name string, maxPlayers int) (*model.Room, error) {
	for range roomCodeAttempts {
		code, err := newRoomCode()
		if err != nil {
			return nil, err
		}
		room, err := r.create(ctx, gameID, hostID, name, code, maxPlayers)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
	return nil, fmt.Errorf("allocating room code: %d collisions in a row", roomCodeAttempts)
}

func (r *RoomRepository) create(ctx context.Context, gameID, hostID int64, name, code string, maxPlayers int) (*model.Room, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning room transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	room := model.Room{
		GameID:         gameID,
		HostID:         hostID,
		Name:           name,
		RoomCode:       code,
		MaxPlayers:     maxPlayers,
		CurrentPlayers: 1,
		Status:         model.RoomStatusWaiting,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO rooms (game_id, host_id, name, room_code, max_players, current_players)
		 VALUES ($1, $2, $3, $4, $5, 1)
		 RETURNING id, created_at`,
		gameID, hostID, name, code, maxPlayers,
	).Scan(&room.ID, &room.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("creating room %q: %w", name, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO room_players (room_id, player_id) VALUES ($1, $2)`,
		room.ID, hostID,
	); err != nil {
		return nil, fmt.Errorf("enrolling host in room %d: %w", room.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing room %q: %w", name, err)
	}
	return &room, nil
}

// Get returns the room by id, or nil, nil when absent.
func (r *RoomRepository) Get(ctx context.Context, roomID int64) (*model.Room, error) {
	var room model.Room
	err := r.pool.QueryRow(ctx,
		`SELECT id, game_id, host_id, name, room_code, max_players, current_players,
		        status, COALESCE(game_port, 0), created_at
		 FROM rooms WHERE id = $1`, roomID,
	).Scan(&room.ID, &room.GameID, &room.HostID, &room.Name, &room.RoomCode,
		&room.MaxPlayers, &room.CurrentPlayers, &room.Status, &room.GamePort, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying room %d: %w", roomID, err)
	}
	return &room, nil
}

// ListActive returns waiting and playing rooms joined with the game name
// and host username. Waiting rooms created before waitingCutoff are
// filtered out; playing rooms are always listed.
func (r *RoomRepository) ListActive(ctx context.Context, waitingCutoff time.Time) ([]model.RoomListing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.game_id, r.host_id, r.name, r.room_code, r.max_players,
		        r.current_players, r.status, COALESCE(r.game_port, 0), r.created_at,
		        g.name, p.username
		 FROM rooms r
		 JOIN games g ON r.game_id = g.id
		 JOIN players p ON r.host_id = p.id
		 WHERE r.status IN ('waiting', 'playing')
		   AND (r.status = 'playing' OR r.created_at > $1)
		 ORDER BY r.created_at DESC, r.id DESC`,
		waitingCutoff)
	if err != nil {
		return nil, fmt.Errorf("querying active rooms: %w", err)
	}
	defer rows.Close()

	var listings []model.RoomListing
	for rows.Next() {
		var l model.RoomListing
		if err := rows.Scan(&l.ID, &l.GameID, &l.HostID, &l.Name, &l.RoomCode,
			&l.MaxPlayers, &l.CurrentPlayers, &l.Status, &l.GamePort, &l.CreatedAt,
			&l.GameName, &l.HostName); err != nil {
			return nil, fmt.Errorf("scanning room row: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active rooms: %w", err)
	}
	return listings, nil
}

// Join adds the player to the room. Returns ErrRoomNotFound,
// ErrRoomNotWaiting, ErrRoomFull, or ErrAlreadyInRoom when the room cannot
// take the player.
func (r *RoomRepository) Join(ctx context.Context, roomID, playerID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning join transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	var members, capacity int
	err = tx.QueryRow(ctx,
		`SELECT status, current_players, max_players FROM rooms WHERE id = $1 FOR UPDATE`,
		roomID,
	).Scan(&status, &members, &capacity)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRoomNotFound
	}
	if err != nil {
		return fmt.Errorf("locking room %d: %w", roomID, err)
	}
	if status != model.RoomStatusWaiting {
		return ErrRoomNotWaiting
	}
	if members >= capacity {
		return ErrRoomFull
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO room_players (room_id, player_id) VALUES ($1, $2)`,
		roomID, playerID,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyInRoom
		}
		return fmt.Errorf("adding player %d to room %d: %w", playerID, roomID, err)
	}
	if err := r.recountTx(ctx, tx, roomID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing join of room %d: %w", roomID, err)
	}
	return nil
}

// Leave removes the player from the room. When the host leaves, the room
// is closed instead and membership rows are kept for the closing
// broadcast. Leaving an unknown room is a no-op.
func (r *RoomRepository) Leave(ctx context.Context, roomID, playerID int64) (hostClosed bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning leave transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var hostID int64
	err = tx.QueryRow(ctx,
		`SELECT host_id FROM rooms WHERE id = $1 FOR UPDATE`, roomID,
	).Scan(&hostID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("locking room %d: %w", roomID, err)
	}

	if hostID == playerID {
		if _, err := tx.Exec(ctx,
			`UPDATE rooms SET status = $1 WHERE id = $2`,
			model.RoomStatusClosed, roomID,
		); err != nil {
			return false, fmt.Errorf("closing room %d: %w", roomID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("committing close of room %d: %w", roomID, err)
		}
		return true, nil
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM room_players WHERE room_id = $1 AND player_id = $2`,
		roomID, playerID,
	); err != nil {
		return false, fmt.Errorf("removing player %d from room %d: %w", playerID, roomID, err)
	}
	if err := r.recountTx(ctx, tx, roomID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing leave of room %d: %w", roomID, err)
	}
	return false, nil
}

// UpdateStatus moves the room through its lifecycle. A positive gamePort is
// recorded alongside the status.
func (r *RoomRepository) UpdateStatus(ctx context.Context, roomID int64, status string, gamePort int) error {
	var err error
	if gamePort > 0 {
		_, err = r.pool.Exec(ctx,
			`UPDATE rooms SET status = $1, game_port = $2 WHERE id = $3`,
			status, gamePort, roomID)
	} else {
		_, err = r.pool.Exec(ctx,
			`UPDATE rooms SET status = $1 WHERE id = $2`,
			status, roomID)
	}
	if err != nil {
		return fmt.Errorf("updating status of room %d: %w", roomID, err)
	}
	return nil
}

// Players returns the room's members in join order.
func (r *RoomRepository) Players(ctx context.Context, roomID int64) ([]model.RoomPlayer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT p.id, p.username
		 FROM room_players rp
		 JOIN players p ON rp.player_id = p.id
		 WHERE rp.room_id = $1
		 ORDER BY rp.joined_at, p.id`,
		roomID)
	if err != nil {
		return nil, fmt.Errorf("querying players of room %d: %w", roomID, err)
	}
	defer rows.Close()

	var players []model.RoomPlayer
	for rows.Next() {
		var p model.RoomPlayer
		if err := rows.Scan(&p.ID, &p.Username); err != nil {
			return nil, fmt.Errorf("scanning room player row: %w", err)
		}
		players = append(players, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating room players: %w", err)
	}
	return players, nil
}

// CloseExpired closes waiting rooms created before cutoff and returns how
// many were closed.
func (r *RoomRepository) CloseExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE rooms SET status = $1 WHERE status = $2 AND created_at < $3`,
		model.RoomStatusClosed, model.RoomStatusWaiting, cutoff)
	if err != nil {
		return 0, fmt.Errorf("closing expired rooms: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RoomRepository) recountTx(ctx context.Context, tx pgx.Tx, roomID int64) error {
	if _, err := tx.Exec(ctx,
		`UPDATE rooms SET current_players = (SELECT COUNT(*) FROM room_players WHERE room_id = $1)
		 WHERE id = $1`,
		roomID,
	); err != nil {
		return fmt.Errorf("recounting members of room %d: %w", roomID, err)
	}
	return nil
}

func newRoomCode() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating room code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
