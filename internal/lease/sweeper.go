package lease

import (
	"context"
	"log/slog"
	"time"

	"review-assigner/internal/telemetry"
)

// Sweeper periodically requeues leases whose expiry has passed. It is the
// only component that moves state without an explicit reviewer action, and
// it uses the same conditional write as Release, so an explicit release
// that lands first wins and the sweep touches nothing.
type Sweeper struct {
	store    PoolStore
	cache    CandidateCache
	log      *slog.Logger
	interval time.Duration
	batch    int
}

func NewSweeper(st PoolStore, cc CandidateCache, log *slog.Logger, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{store: st, cache: cc, log: log, interval: interval, batch: batch}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce reclaims one batch of expired leases.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	reclaimed, err := s.store.RequeueExpired(ctx, time.Now(), s.batch)
	if err != nil {
		s.log.Warn("expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, rel := range reclaimed {
		telemetry.ExpiryRequeues.Inc()
		_ = s.store.AppendEvent(ctx, rel.ItemID, "expired_requeued", "reviewer="+rel.ReviewerID)
		if rel.ReviewerID != "" {
			s.cache.Invalidate(ctx, rel.ReviewerID)
		}
	}
	if len(reclaimed) > 0 {
		s.log.Info("expired leases requeued", slog.Int("count", len(reclaimed)))
	}
}
