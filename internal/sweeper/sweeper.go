// Package sweeper closes abandoned waiting rooms and drops expired
// sessions on a fixed interval.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/gamedepot/internal/db"
)

const (
	defaultInterval = time.Minute
	defaultRoomTTL  = 10 * time.Minute
)

// Sweeper is the background expiry task.
type Sweeper struct {
	store    *db.Store
	interval time.Duration
	roomTTL  time.Duration
}

// New creates a sweeper. Non-positive durations fall back to the defaults
// (one minute interval, ten minute room lifetime).
func New(store *db.Store, interval, roomTTL time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if roomTTL <= 0 {
		roomTTL = defaultRoomTTL
	}
	return &Sweeper{store: store, interval: interval, roomTTL: roomTTL}
}

// Run sweeps until ctx is done. Sweep failures are logged and retried on
// the next tick; the loop itself never gives up.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("sweeper started", "interval", s.interval, "room_ttl", s.roomTTL)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.roomTTL)
	if n, err := s.store.Rooms.CloseExpired(ctx, cutoff); err != nil {
		slog.Error("closing expired rooms", "error", err)
	} else if n > 0 {
		slog.Info("closed expired rooms", "count", n)
	}

	if n, err := s.store.Sessions.DeleteExpired(ctx); err != nil {
		slog.Error("deleting expired sessions", "error", err)
	} else if n > 0 {
		slog.Debug("deleted expired sessions", "count", n)
	}
}
