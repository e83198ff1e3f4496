package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamedepot/internal/model"
)

// DefaultSessionTTL applies when no session lifetime is configured.
const DefaultSessionTTL = 24 * time.Hour

// SessionRepository manages opaque session tokens for both principal kinds.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// Create issues a fresh token for the principal. A non-positive ttl falls
// back to DefaultSessionTTL.
func (r *SessionRepository) Create(ctx context.Context, kind model.PrincipalKind, principalID int64, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (session_token, principal_kind, principal_id, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		token, string(kind), principalID, time.Now().Add(ttl),
	); err != nil {
		return "", fmt.Errorf("creating %s session: %w", kind, err)
	}
	return token, nil
}

// Validate returns the session for the token, or nil, nil when the token is
// unknown, expired, or bound to a different principal kind.
func (r *SessionRepository) Validate(ctx context.Context, token string, kind model.PrincipalKind) (*model.Session, error) {
	var s model.Session
	err := r.pool.QueryRow(ctx,
		`SELECT session_token, principal_kind, principal_id, created_at, expires_at
		 FROM sessions
		 WHERE session_token = $1 AND principal_kind = $2 AND expires_at > now()`,
		token, string(kind),
	).Scan(&s.Token, &s.Kind, &s.PrincipalID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("validating session: %w", err)
	}
	return &s, nil
}

// ValidatePlayer resolves a player session token to its account row.
// Returns nil, nil when the token is unknown, expired, or not a player
// session.
func (r *SessionRepository) ValidatePlayer(ctx context.Context, token string) (*model.Player, error) {
	var p model.Player
	err := r.pool.QueryRow(ctx,
		`SELECT p.id, p.username, p.password_hash, COALESCE(p.email, ''), p.created_at, p.last_login
		 FROM sessions s
		 JOIN players p ON s.principal_id = p.id
		 WHERE s.session_token = $1 AND s.principal_kind = 'player' AND s.expires_at > now()`,
		token,
	).Scan(&p.ID, &p.Username, &p.PasswordHash, &p.Email, &p.CreatedAt, &p.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("validating player session: %w", err)
	}
	return &p, nil
}

// ValidateDeveloper resolves a developer session token to its account row.
// Returns nil, nil when the token is unknown, expired, or not a developer
// session.
func (r *SessionRepository) ValidateDeveloper(ctx context.Context, token string) (*model.Developer, error) {
	var d model.Developer
	err := r.pool.QueryRow(ctx,
		`SELECT d.id, d.username, d.password_hash, COALESCE(d.email, ''), d.created_at, d.last_login
		 FROM sessions s
		 JOIN developers d ON s.principal_id = d.id
		 WHERE s.session_token = $1 AND s.principal_kind = 'developer' AND s.expires_at > now()`,
		token,
	).Scan(&d.ID, &d.Username, &d.PasswordHash, &d.Email, &d.CreatedAt, &d.LastLogin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("validating developer session: %w", err)
	}
	return &d, nil
}

// Delete removes the session row. Deleting an unknown token is a no-op.
func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM sessions WHERE session_token = $1`, token,
	); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpired purges sessions past their expiry and returns how many
// rows were removed.
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purging expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func newSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
