package db

import "github.com/jackc/pgx/v5/pgxpool"

// Store bundles the repositories over one connection pool. Both listeners
// and the sweeper share a single Store.
type Store struct {
	Accounts  *AccountRepository
	Sessions  *SessionRepository
	Games     *GameRepository
	Reviews   *ReviewRepository
	Downloads *DownloadRepository
	Rooms     *RoomRepository
}

// NewStore wires all repositories to the pool. salt is the process-wide
// password salt.
func NewStore(pool *pgxpool.Pool, salt string) *Store {
	return &Store{
		Accounts:  NewAccountRepository(pool, salt),
		Sessions:  NewSessionRepository(pool),
		Games:     NewGameRepository(pool),
		Reviews:   NewReviewRepository(pool),
		Downloads: NewDownloadRepository(pool),
		Rooms:     NewRoomRepository(pool),
	}
}
