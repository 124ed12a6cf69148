package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/mboyle/agentpay/internal/domain/port/driven"
)

// SweepService periodically removes expired session rows. Expiry is already
// enforced lazily on every read; the sweep only reclaims storage.
type SweepService struct {
	store    driven.SessionStore
	interval time.Duration
}

// NewSweepService creates a SweepService purging on the given interval.
func NewSweepService(store driven.SessionStore, interval time.Duration) *SweepService {
	return &SweepService{store: store, interval: interval}
}

// Start runs an immediate sweep, then sweeps on the configured interval.
// Blocks until the context is canceled.
func (s *SweepService) Start(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweep service stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *SweepService) sweep(ctx context.Context) {
	n, err := s.store.PurgeExpired(ctx)
	if err != nil {
		slog.Error("expired session sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("expired sessions purged", "count", n)
	}
}
