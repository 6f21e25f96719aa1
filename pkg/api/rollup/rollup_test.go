package rollup_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchboard/benchboard/pkg/api/rollup"
	"github.com/benchboard/benchboard/pkg/api/store"
	"github.com/benchboard/benchboard/pkg/config"
	"github.com/benchboard/benchboard/pkg/webhook"
)

// recordingStore wraps a real store and records which models the rollup
// asked to recompute.
type recordingStore struct {
	store.Store

	mu         sync.Mutex
	recomputed map[string]int
}

func (r *recordingStore) RecomputeModelStats(
	ctx context.Context, model string,
) error {
	r.mu.Lock()
	r.recomputed[model]++
	r.mu.Unlock()

	return r.Store.RecomputeModelStats(ctx, model)
}

func (r *recordingStore) count(model string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recomputed[model]
}

func setupRecordingStore(t *testing.T) *recordingStore {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return &recordingStore{
		Store:      s,
		recomputed: map[string]int{},
	}
}

func ingestCompleted(
	t *testing.T, s store.Store, runID, model string, accuracy float64,
) {
	t.Helper()

	_, err := s.IngestRun(context.Background(), &webhook.RunPayload{
		RunID:        runID,
		Status:       webhook.StatusCompleted,
		Model:        model,
		Quantization: webhook.DefaultQuantization,
		SampleSize:   100,
		Seed:         webhook.DefaultSeed,
		RunnerType:   webhook.DefaultRunnerType,
		Environment:  webhook.DefaultEnvironment,
		Results: []webhook.CategoryResult{
			{Category: "justice", Total: 100,
				Correct: int(accuracy * 100), Accuracy: accuracy},
		},
	})
	require.NoError(t, err)
}

func TestRollup_RecomputesEveryModel(t *testing.T) {
	rs := setupRecordingStore(t)

	ingestCompleted(t, rs, "run-1", "acme/x1", 0.9)
	ingestCompleted(t, rs, "run-2", "beta/y1", 0.7)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	r := rollup.NewRollup(log, rs, time.Hour)
	require.NoError(t, r.Start(context.Background()))

	// The first pass runs immediately on Start.
	require.Eventually(t, func() bool {
		return rs.count("acme/x1") >= 1 && rs.count("beta/y1") >= 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop())

	// The pass must leave consistent aggregates behind.
	model, err := rs.GetModelByName(context.Background(), "acme/x1")
	require.NoError(t, err)
	assert.Equal(t, 1, model.TotalRuns)
	require.NotNil(t, model.AvgAccuracy)
	assert.InDelta(t, 0.9, *model.AvgAccuracy, 1e-9)
}

func TestRollup_TicksAtInterval(t *testing.T) {
	rs := setupRecordingStore(t)

	ingestCompleted(t, rs, "run-1", "acme/x1", 0.9)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	r := rollup.NewRollup(log, rs, 20*time.Millisecond)
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		return rs.count("acme/x1") >= 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop())
}

func TestRollup_StopIsClean(t *testing.T) {
	rs := setupRecordingStore(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	r := rollup.NewRollup(log, rs, time.Hour)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
}
