package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamedepot/internal/model"
)

// AccountRepository manages player and developer accounts. The two are
// separate namespaces: the same username may exist in both.
type AccountRepository struct {
	pool *pgxpool.Pool
	salt string
}

// NewAccountRepository creates an AccountRepository that hashes passwords
// with the given process-wide salt.
func NewAccountRepository(pool *pgxpool.Pool, salt string) *AccountRepository {
	return &AccountRepository{pool: pool, salt: salt}
}

// CreatePlayer inserts a new player account and returns its id.
// Returns ErrUsernameTaken when the username is already registered.
func (r *AccountRepository) CreatePlayer(ctx context.Context, username, password, email string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO players (username, password_hash, email)
		 VALUES ($1, $2, $3) RETURNING id`,
		username, HashPassword(password, r.salt), email,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("creating player %q: %w", username, err)
	}
	return id, nil
}

// AuthenticatePlayer checks the credentials and returns the player row.
// Returns nil, nil when they do not match. Updates last_login on success.
func (r *AccountRepository) AuthenticatePlayer(ctx context.Context, username, password string) (*model.Player, error) {
	var p model.Player
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, COALESCE(email, ''), created_at, last_login
		 FROM players WHERE username = $1 AND password_hash = $2`,
		username, HashPassword(password, r.salt),
	).Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Email, &p.CreatedAt, &p.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("authenticating player %q: %w", username, err)
	}
	if _, err := r.pool.Exec(ctx,
		`UPDATE players SET last_login = now() WHERE id = $1`, p.ID,
	); err != nil {
		return nil, fmt.Errorf("updating last login for player %q: %w", username, err)
	}
	return &p, nil
}

// GetPlayer returns the player by id, or nil, nil when absent.
func (r *AccountRepository) GetPlayer(ctx context.Context, id int64) (*model.Player, error) {
	var p model.Player
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, COALESCE(email, ''), created_at, last_login
		 FROM players WHERE id = $1`, id,
	).Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Email, &p.CreatedAt, &p.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying player %d: %w", id, err)
	}
	return &p, nil
}

// CreateDeveloper inserts a new developer account and returns its id.
// Returns ErrUsernameTaken when the username is already registered.
func (r *AccountRepository) CreateDeveloper(ctx context.Context, username, password, email string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO developers (username, password_hash, email)
		 VALUES ($1, $2, $3) RETURNING id`,
		username, HashPassword(password, r.salt), email,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("creating developer %q: %w", username, err)
	}
	return id, nil
}

// AuthenticateDeveloper checks the credentials and returns the developer
// row. Returns nil, nil when they do not match. Updates last_login on
// success.
func (r *AccountRepository) AuthenticateDeveloper(ctx context.Context, username, password string) (*model.Developer, error) {
	var d model.Developer
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, COALESCE(email, ''), created_at, last_login
		 FROM developers WHERE username = $1 AND password_hash = $2`,
		username, HashPassword(password, r.salt),
	).Scan(&d.ID, &d.Username, &d.PasswordHash, &d.Email, &d.CreatedAt, &d.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("authenticating developer %q: %w", username, err)
	}
	if _, err := r.pool.Exec(ctx,
		`UPDATE developers SET last_login = now() WHERE id = $1`, d.ID,
	); err != nil {
		return nil, fmt.Errorf("updating last login for developer %q: %w", username, err)
	}
	return &d, nil
}

// GetDeveloper returns the developer by id, or nil, nil when absent.
func (r *AccountRepository) GetDeveloper(ctx context.Context, id int64) (*model.Developer, error) {
	var d model.Developer
	err := r.pool.QueryRow(ctx,
		`SELECT id, username, password_hash, COALESCE(email, ''), created_at, last_login
		 FROM developers WHERE id = $1`, id,
	).Scan(&d.ID, &d.Username, &d.PasswordHash, &d.Email, &d.CreatedAt, &d.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying developer %d: %w", id, err)
	}
	return &d, nil
}
