// ABOUTME: Sweeper cleans up stale expert presence left behind by missed beacons
// ABOUTME: Periodically marks long-idle experts offline

package expert

import (
	"context"
	"log/slog"
	"time"

	"github.com/consultly/consult-gateway/internal/store"
)

// PresenceStore defines what the sweeper needs from storage
type PresenceStore interface {
	MarkIdleExpertsOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper marks experts offline when they have been idle longer than the
// configured timeout. The offline beacon is best-effort, so a closed tab can
// leave an expert showing active indefinitely; the sweeper bounds that
// staleness. Every explicit status write touches last_seen, which is what
// "idle" is measured against.
type Sweeper struct {
	store       PresenceStore
	interval    time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewSweeper creates a presence sweeper. A zero idleTimeout disables it.
func NewSweeper(st PresenceStore, interval, idleTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:       st,
		interval:    interval,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "presence"),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
// Returns immediately when the sweeper is disabled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.idleTimeout <= 0 {
		return
	}

	s.logger.Info("presence sweeper started",
		"interval", s.interval,
		"idle_timeout", s.idleTimeout)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			s.logger.Debug("presence sweeper stopped")
			return
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.idleTimeout)
	n, err := s.store.MarkIdleExpertsOffline(ctx, cutoff)
	if err != nil {
		s.logger.Error("presence sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("marked idle experts offline", "count", n)
	}
}

// interface guard
var _ PresenceStore = (store.Store)(nil)
