package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"golang.org/x/sync/errgroup"

	"github.com/gamedepot/internal/artifact"
	"github.com/gamedepot/internal/config"
	"github.com/gamedepot/internal/db"
	"github.com/gamedepot/internal/developer"
	"github.com/gamedepot/internal/lobby"
	"github.com/gamedepot/internal/model"
	"github.com/gamedepot/internal/supervisor"
	"github.com/gamedepot/internal/sweeper"
)

const ConfigPath = "config.yml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("GAMESTORE_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logClose, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logClose()

	slog.Info("game store server starting")
	slog.Info("config loaded",
		"host", cfg.Host,
		"lobby_port", cfg.LobbyPort,
		"developer_port", cfg.DeveloperPort,
		"games_dir", cfg.GamesDir,
	)

	for _, dir := range []string{cfg.GamesDir, cfg.TempDir, cfg.PluginsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	database, err := db.New(ctx, cfg.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	slog.Info("database connected")

	if err := db.RunMigrations(ctx, cfg.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")

	store := db.NewStore(database.Pool(), cfg.PasswordSalt)
	artifacts := artifact.NewStore(cfg.GamesDir)

	// A game server exiting on its own closes the room so the lobby stops
	// listing it.
	games := supervisor.NewManager(supervisor.Config{
		Runtime:   cfg.GameRuntime,
		StartPort: cfg.GameStartPort,
	}, artifacts, func(roomID int64) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Rooms.UpdateStatus(closeCtx, roomID, model.RoomStatusClosed, 0); err != nil {
			slog.Error("closing room after game exit", "roomID", roomID, "err", err)
		}
	})
	defer games.ShutdownAll()

	lobbyServer := lobby.NewServer(cfg, store, artifacts, games)
	developerServer := developer.NewServer(cfg, store, artifacts)
	sweep := sweeper.New(store,
		time.Duration(cfg.SweepInterval)*time.Second,
		time.Duration(cfg.RoomTTL)*time.Second,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting lobby server")
		if err := lobbyServer.Run(gctx); err != nil {
			return fmt.Errorf("lobby server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("starting developer server")
		if err := developerServer.Run(gctx); err != nil {
			return fmt.Errorf("developer server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := sweep.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sweeper: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// setupLogging installs the process-wide slog handler: stderr, plus the
// configured log file when one is set.
func setupLogging(cfg config.Server) (func(), error) {
	out := io.Writer(os.Stderr)
	closeFn := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", cfg.LogFile, err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	return closeFn, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
