// Package retention keeps the council request log bounded and consistent.
//
// On startup the janitor finalizes rows left pending/processing by a
// previous process: their waiters died with it, so they can never complete.
// After that it periodically prunes the log down to the retained count, in
// addition to the prune the broker performs after every finished request.
package retention

import (
	"context"
	"time"

	"github.com/lifeos-nexus/council/internal/store"
	"github.com/rs/zerolog/log"
)

// OrphanReason is recorded on requests interrupted by a restart.
const OrphanReason = "Server restarted before completion"

// Janitor periodically prunes the council request log.
type Janitor struct {
	store    store.RequestStore
	interval time.Duration
	keep     int
}

// NewJanitor creates a janitor that keeps the newest keep rows and runs on
// the given interval.
func NewJanitor(s store.RequestStore, interval time.Duration, keep int) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if keep < 1 {
		keep = 50
	}
	return &Janitor{store: s, interval: interval, keep: keep}
}

// RecoverOrphans marks every in-flight row as failed. Call it once, before
// the server accepts requests.
func (j *Janitor) RecoverOrphans(ctx context.Context) (int64, error) {
	n, err := j.store.FailInFlight(ctx, OrphanReason)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Warn().Int64("requests", n).Msg("Finalized council requests orphaned by a restart")
	}
	return n, nil
}

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Int("keep", j.keep).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one prune sweep and returns the number of rows removed.
func (j *Janitor) RunCycle(ctx context.Context) int64 {
	start := time.Now()
	n, err := j.store.Prune(ctx, j.keep)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Retention janitor: prune failed")
		}
		return 0
	}
	if n > 0 {
		log.Info().
			Int64("pruned", n).
			Int("keep", j.keep).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return n
}
