package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gamedepot/internal/model"
)

// GameRepository manages the game catalog and its append-only version rows.
type GameRepository struct {
	pool *pgxpool.Pool
}

// NewGameRepository creates a GameRepository.
func NewGameRepository(pool *pgxpool.Pool) *GameRepository {
	return &GameRepository{pool: pool}
}

const gameColumns = `id, name, description, developer_id, current_version,
	min_players, max_players, game_type, status, download_count, rating,
	rating_count, created_at, updated_at`

func scanGame(row pgx.Row, g *model.Game) error {
	return row.Scan(&g.ID, &g.Name, &g.Description, &g.DeveloperID, &g.CurrentVersion,
		&g.MinPlayers, &g.MaxPlayers, &g.GameType, &g.Status, &g.DownloadCount,
		&g.AverageRating, &g.RatingCount, &g.CreatedAt, &g.UpdatedAt)
}

// Create registers a new game and returns its id.
// Returns ErrGameNameTaken when the name is already registered.
func (r *GameRepository) Create(ctx context.Context, name, description string, developerID int64, version string, minPlayers, maxPlayers int, gameType string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO games (name, description, developer_id, current_version, min_players, max_players, game_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		name, description, developerID, version, minPlayers, maxPlayers, gameType,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrGameNameTaken
		}
		return 0, fmt.Errorf("creating game %q: %w", name, err)
	}
	return id, nil
}

// Get returns the game by id, or nil, nil when absent.
func (r *GameRepository) Get(ctx context.Context, id int64) (*model.Game, error) {
	var g model.Game
	err := scanGame(r.pool.QueryRow(ctx,
		`SELECT `+gameColumns+` FROM games WHERE id = $1`, id), &g)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying game %d: %w", id, err)
	}
	return &g, nil
}

// NameExists reports whether a game with the name is already registered,
// regardless of status.
func (r *GameRepository) NameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM games WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking game name %q: %w", name, err)
	}
	return exists, nil
}

// ListActive returns all active games, most downloaded first.
func (r *GameRepository) ListActive(ctx context.Context) ([]model.Game, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+gameColumns+` FROM games WHERE status = 'active'
		 ORDER BY download_count DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying active games: %w", err)
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		var g model.Game
		if err := scanGame(rows, &g); err != nil {
			return nil, fmt.Errorf("scanning game row: %w", err)
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active games: %w", err)
	}
	return games, nil
}

// ListByDeveloper returns the developer's games, newest first.
func (r *GameRepository) ListByDeveloper(ctx context.Context, developerID int64) ([]model.Game, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+gameColumns+` FROM games WHERE developer_id = $1
		 ORDER BY created_at DESC, id DESC`, developerID)
	if err != nil {
		return nil, fmt.Errorf("querying games for developer %d: %w", developerID, err)
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		var g model.Game
		if err := scanGame(rows, &g); err != nil {
			return nil, fmt.Errorf("scanning game row: %w", err)
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating developer games: %w", err)
	}
	return games, nil
}

// UpdateStatus flips the game's status and reports whether a row changed.
func (r *GameRepository) UpdateStatus(ctx context.Context, id int64, status string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE games SET status = $1, updated_at = now() WHERE id = $2`,
		status, id)
	if err != nil {
		return false, fmt.Errorf("updating status for game %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateVersion moves the game's current_version pointer and reports
// whether a row changed.
func (r *GameRepository) UpdateVersion(ctx context.Context, id int64, version string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE games SET current_version = $1, updated_at = now() WHERE id = $2`,
		version, id)
	if err != nil {
		return false, fmt.Errorf("updating version for game %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// AddVersion appends a version row for the game and returns its id.
// Returns ErrVersionExists when (game, version) is already recorded.
func (r *GameRepository) AddVersion(ctx context.Context, gameID int64, version, changelog, filePath string, fileSize int64, checksum string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO game_versions (game_id, version, changelog, file_path, file_size, checksum)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		gameID, version, changelog, filePath, fileSize, checksum,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrVersionExists
		}
		return 0, fmt.Errorf("adding version %s for game %d: %w", version, gameID, err)
	}
	return id, nil
}

// GetVersion returns one version row, or nil, nil when absent.
func (r *GameRepository) GetVersion(ctx context.Context, gameID int64, version string) (*model.GameVersion, error) {
	var v model.GameVersion
	err := r.pool.QueryRow(ctx,
		`SELECT id, game_id, version, changelog, file_path, file_size, checksum, created_at
		 FROM game_versions WHERE game_id = $1 AND version = $2`,
		gameID, version,
	).Scan(&v.ID, &v.GameID, &v.Version, &v.Changelog, &v.FilePath, &v.FileSize, &v.Checksum, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying version %s of game %d: %w", version, gameID, err)
	}
	return &v, nil
}

// LatestVersion returns the most recently uploaded version of the game, or
// nil, nil when the game has none.
func (r *GameRepository) LatestVersion(ctx context.Context, gameID int64) (*model.GameVersion, error) {
	var v model.GameVersion
	err := r.pool.QueryRow(ctx,
		`SELECT id, game_id, version, changelog, file_path, file_size, checksum, created_at
		 FROM game_versions WHERE game_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		gameID,
	).Scan(&v.ID, &v.GameID, &v.Version, &v.Changelog, &v.FilePath, &v.FileSize, &v.Checksum, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest version of game %d: %w", gameID, err)
	}
	return &v, nil
}
