package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/pbkdf2"
)

// hashIterations is the PBKDF2 round count for password hashing.
const hashIterations = 100000

// DB wraps a pgx connection pool shared by all repositories.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a DB handle.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the database connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pgx pool.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// HashPassword derives the stored password digest: PBKDF2-SHA256 over the
// password with the process-wide salt, hex-encoded.
func HashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), hashIterations, sha256.Size, sha256.New)
	return hex.EncodeToString(key)
}
