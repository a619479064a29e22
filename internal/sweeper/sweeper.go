// Package sweeper ages out completed jobs that were never committed.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/store"
	"recipe-ingestion/internal/telemetry"
)

// maxBatches bounds one sweep.
const maxBatches = 1000

// Stats summarizes one sweep.
type Stats struct {
	Scanned   int
	Abandoned int
	Skipped   int
}

// Sweeper moves COMPLETE jobs older than the abandon threshold to ABANDONED.
type Sweeper struct {
	store        store.Store
	interval     time.Duration
	abandonAfter time.Duration
	batch        int
	now          func() time.Time
	log          *zap.Logger
}

// New reads the interval, threshold and batch size from cfg.
func New(s store.Store, cfg config.Config, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	sw := &Sweeper{
		store:        s,
		interval:     cfg.SweepInterval,
		abandonAfter: cfg.AbandonAfter,
		batch:        cfg.SweepBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log,
	}
	if sw.interval <= 0 {
		sw.interval = 24 * time.Hour
	}
	if sw.abandonAfter <= 0 {
		sw.abandonAfter = 4320 * time.Minute
	}
	if sw.batch <= 0 {
		sw.batch = 200
	}
	return sw
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce abandons every stale COMPLETE job. A job committed between the scan
// and the update is skipped, since the conditional update matches no row.
func (s *Sweeper) SweepOnce(ctx context.Context) (Stats, error) {
	var st Stats
	cutoff := s.now().Add(-s.abandonAfter)
	for i := 0; i < maxBatches; i++ {
		ids, err := s.store.ListStaleComplete(ctx, cutoff, s.batch)
		if err != nil {
			return st, err
		}
		progressed := false
		for _, id := range ids {
			st.Scanned++
			ok, err := s.store.Abandon(ctx, id)
			if err != nil {
				return st, err
			}
			if !ok {
				st.Skipped++
				telemetry.TransitionConflicts.WithLabelValues(string(models.StatusAbandoned)).Inc()
				continue
			}
			progressed = true
			st.Abandoned++
			telemetry.SweeperAbandoned.Inc()
			telemetry.TerminalTransitions.WithLabelValues(string(models.StatusAbandoned)).Inc()
		}
		if len(ids) < s.batch || !progressed {
			break
		}
	}
	if st.Scanned > 0 {
		s.log.Info("sweep finished", zap.Int("scanned", st.Scanned), zap.Int("abandoned", st.Abandoned), zap.Int("skipped", st.Skipped))
	}
	return st, nil
}
