package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamedepot/internal/model"
)

// DownloadRepository records completed downloads and serves per-player
// history.
type DownloadRepository struct {
	pool *pgxpool.Pool
}

// NewDownloadRepository creates a DownloadRepository.
func NewDownloadRepository(pool *pgxpool.Pool) *DownloadRepository {
	return &DownloadRepository{pool: pool}
}

// Record inserts a download row and bumps the game's download counter in
// one transaction.
func (r *DownloadRepository) Record(ctx context.Context, gameID, playerID int64, version string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning download transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO downloads (game_id, player_id, version) VALUES ($1, $2, $3)`,
		gameID, playerID, version,
	); err != nil {
		return fmt.Errorf("recording download of game %d: %w", gameID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE games SET download_count = download_count + 1 WHERE id = $1`,
		gameID,
	); err != nil {
		return fmt.Errorf("incrementing download count for game %d: %w", gameID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing download of game %d: %w", gameID, err)
	}
	return nil
}

// History returns the player's downloads, newest first, joined with the
// game name.
func (r *DownloadRepository) History(ctx context.Context, playerID int64) ([]model.Download, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT d.id, d.game_id, d.player_id, d.version, g.name, d.downloaded_at
		 FROM downloads d
		 JOIN games g ON d.game_id = g.id
		 WHERE d.player_id = $1
		 ORDER BY d.downloaded_at DESC, d.id DESC`,
		playerID)
	if err != nil {
		return nil, fmt.Errorf("querying downloads for player %d: %w", playerID, err)
	}
	defer rows.Close()

	var downloads []model.Download
	for rows.Next() {
		var d model.Download
		if err := rows.Scan(&d.ID, &d.GameID, &d.PlayerID, &d.Version, &d.GameName, &d.DownloadedAt); err != nil {
			return nil, fmt.Errorf("scanning download row: %w", err)
		}
		downloads = append(downloads, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating downloads: %w", err)
	}
	return downloads, nil
}
