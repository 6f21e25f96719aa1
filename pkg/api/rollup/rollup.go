package rollup

import (
	"context"
	"sync"
	"time"

	"github.com/benchboard/benchboard/pkg/api/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// concurrency caps how many models are recomputed in parallel per pass.
const concurrency = 4

// Rollup is a background service that periodically recomputes every
// model's aggregate statistics from the current category result state.
// The webhook path already recomputes on each completed delivery; this
// pass makes the aggregates self-healing after crashes or partial
// failures between deliveries.
type Rollup interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Rollup = (*rollup)(nil)

type rollup struct {
	log      logrus.FieldLogger
	store    store.Store
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewRollup creates a new background rollup service.
func NewRollup(
	log logrus.FieldLogger,
	st store.Store,
	interval time.Duration,
) Rollup {
	return &rollup{
		log:      log.WithField("component", "rollup"),
		store:    st,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate pass and
// then ticks at the configured interval.
func (r *rollup) Start(ctx context.Context) error {
	r.log.WithField("interval", r.interval.String()).
		Info("Starting rollup")

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		r.runPass(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.runPass(ctx)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the rollup goroutine to stop and waits for it.
func (r *rollup) Stop() error {
	close(r.done)
	r.wg.Wait()

	r.log.Info("Rollup stopped")

	return nil
}

// runPass recomputes aggregates for every model with completed runs.
// Each model's recompute is an independent snapshot, so models are
// processed in parallel.
func (r *rollup) runPass(ctx context.Context) {
	start := time.Now()

	names, err := r.store.ListModelNames(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Rollup pass failed to list models")

		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, name := range names {
		g.Go(func() error {
			if err := r.store.RecomputeModelStats(gCtx, name); err != nil {
				r.log.WithError(err).
					WithField("model", name).
					Warn("Failed to recompute model stats")
			}

			// Per-model failures are logged, not fatal to the pass.
			return nil
		})
	}

	_ = g.Wait()

	r.log.WithField("models", len(names)).
		WithField("duration", time.Since(start)).
		Debug("Rollup pass complete")
}
