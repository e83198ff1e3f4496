package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamedepot/internal/model"
)

// Review listing limits applied by ListForGame.
const (
	defaultReviewLimit = 20
	maxReviewLimit     = 100
)

// ReviewRepository manages reviews and the cached rating aggregates on the
// game row.
type ReviewRepository struct {
	pool *pgxpool.Pool
}

// NewReviewRepository creates a ReviewRepository.
func NewReviewRepository(pool *pgxpool.Pool) *ReviewRepository {
	return &ReviewRepository{pool: pool}
}

// Upsert inserts or replaces the player's review of the game and recomputes
// the game's rating aggregates in the same transaction, so readers never
// see the pair out of sync.
func (r *ReviewRepository) Upsert(ctx context.Context, gameID, playerID int64, rating int, comment string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning review transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO reviews (game_id, player_id, rating, comment)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (game_id, player_id) DO UPDATE SET
		   rating = EXCLUDED.rating,
		   comment = EXCLUDED.comment,
		   updated_at = now()`,
		gameID, playerID, rating, comment,
	); err != nil {
		return fmt.Errorf("upserting review for game %d: %w", gameID, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE games SET
		   rating = (SELECT COALESCE(AVG(rating), 0) FROM reviews WHERE game_id = $1),
		   rating_count = (SELECT COUNT(*) FROM reviews WHERE game_id = $1),
		   updated_at = now()
		 WHERE id = $1`,
		gameID,
	); err != nil {
		return fmt.Errorf("recomputing rating for game %d: %w", gameID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing review for game %d: %w", gameID, err)
	}
	return nil
}

// ListForGame returns the newest reviews with reviewer usernames. A
// non-positive limit falls back to the default; limits above the cap are
// clamped.
func (r *ReviewRepository) ListForGame(ctx context.Context, gameID int64, limit int) ([]model.Review, error) {
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	if limit > maxReviewLimit {
		limit = maxReviewLimit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT r.id, r.game_id, r.player_id, p.username, r.rating, r.comment, r.created_at, r.updated_at
		 FROM reviews r
		 JOIN players p ON r.player_id = p.id
		 WHERE r.game_id = $1
		 ORDER BY r.created_at DESC, r.id DESC
		 LIMIT $2`,
		gameID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying reviews for game %d: %w", gameID, err)
	}
	defer rows.Close()

	var reviews []model.Review
	for rows.Next() {
		var rev model.Review
		if err := rows.Scan(&rev.ID, &rev.GameID, &rev.PlayerID, &rev.Username,
			&rev.Rating, &rev.Comment, &rev.CreatedAt, &rev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning review row: %w", err)
		}
		reviews = append(reviews, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reviews: %w", err)
	}
	return reviews, nil
}
