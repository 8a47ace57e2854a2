package relay

import (
	"context"
	"time"

	"github.com/danmuck/relayctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically evicts responses older than the store TTL.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// SweepOnce runs one eviction pass and returns the number of removed keys.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.store.Sweep(ctx, s.now())
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("relay.Sweeper sweep failed")
	}
	observability.RecordEvicted(removed)
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("relay.Sweeper evicted stale responses")
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
