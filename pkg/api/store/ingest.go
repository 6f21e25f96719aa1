package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/benchboard/benchboard/pkg/webhook"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IngestRun applies one validated webhook delivery to the store as a
// single atomic unit: it upserts the run keyed by its ID, replaces the
// run's category results when the delivery is a completed run carrying
// results, and recomputes the model's aggregate statistics from the
// resulting state. Partial application is never visible to readers; on
// any failure the whole delivery rolls back.
//
// Re-delivery of the same run ID is safe: the upsert updates the
// existing row and the results replacement is idempotent by
// construction.
func (s *store) IngestRun(
	ctx context.Context, payload *webhook.RunPayload,
) (*BenchmarkRun, error) {
	now := time.Now().UTC()

	run := runFromPayload(payload, now)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertRun(tx, run, payload, now); err != nil {
			return err
		}

		if payload.Status == webhook.StatusCompleted && len(payload.Results) > 0 {
			if err := replaceResults(tx, run.ID, payload.Results); err != nil {
				return err
			}

			if err := recomputeModelStats(tx, payload.Model, now); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// RecomputeModelStats rebuilds one model's aggregate row from the
// current category result state. The webhook path calls the same
// recomputation inside its delivery transaction; this entry point is
// for the background rollup service.
func (s *store) RecomputeModelStats(
	ctx context.Context, model string,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return recomputeModelStats(tx, model, time.Now().UTC())
	})
}

// runFromPayload builds the full run row for the insert path.
func runFromPayload(p *webhook.RunPayload, now time.Time) *BenchmarkRun {
	run := &BenchmarkRun{
		ID:           p.RunID,
		Model:        p.Model,
		Quantization: p.Quantization,
		SampleSize:   p.SampleSize,
		Seed:         p.Seed,
		Status:       p.Status,
		Duration:     p.Duration,
		TokensPerSec: p.TokensPerSec,
		ErrorMessage: p.ErrorMessage,
		CommitSHA:    p.CommitSHA,
		Branch:       p.Branch,
		PRNumber:     p.PRNumber,
		GPUType:      p.GPUType,
		GPUMemory:    p.GPUMemory,
		RunnerType:   p.RunnerType,
		Environment:  p.Environment,
	}

	if marksCompleted(p.Status) {
		run.CompletedAt = &now
	}

	return run
}

// upsertRun inserts the run or, when the ID already exists, updates only
// the delivery-mutable columns. This is a native ON CONFLICT upsert
// rather than a read-then-branch so concurrent deliveries for the same
// ID cannot race into a duplicate insert.
//
// completed_at is only assigned on a terminal status; deliveries that
// regress to RUNNING or PENDING leave it untouched.
func upsertRun(
	tx *gorm.DB,
	run *BenchmarkRun,
	p *webhook.RunPayload,
	now time.Time,
) error {
	assignments := map[string]any{
		"status":         p.Status,
		"duration":       p.Duration,
		"tokens_per_sec": p.TokensPerSec,
		"error_message":  p.ErrorMessage,
		"updated_at":     now,
	}

	if marksCompleted(p.Status) {
		assignments["completed_at"] = now
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(run).Error; err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	return nil
}

// replaceResults deletes the run's existing category results and
// inserts the delivered set. Full replacement tolerates re-delivery of
// a completed run with corrected numbers.
func replaceResults(
	tx *gorm.DB, runID string, results []webhook.CategoryResult,
) error {
	if err := tx.Where("run_id = ?", runID).
		Delete(&CategoryResult{}).Error; err != nil {
		return fmt.Errorf("deleting stale results: %w", err)
	}

	rows := make([]CategoryResult, 0, len(results))

	for i := range results {
		r := &results[i]

		row := CategoryResult{
			RunID:      runID,
			Category:   r.Category,
			Total:      r.Total,
			Correct:    r.Correct,
			Accuracy:   r.Accuracy,
			AvgLatency: r.AvgLatency,
			AvgTokens:  r.AvgTokens,
		}

		if r.Scenarios != nil {
			blob, err := json.Marshal(r.Scenarios)
			if err != nil {
				return fmt.Errorf("encoding scenarios for %q: %w", r.Category, err)
			}

			row.Scenarios = datatypes.JSON(blob)
		}

		rows = append(rows, row)
	}

	if err := tx.CreateInBatches(rows, 100).Error; err != nil {
		return fmt.Errorf("inserting results: %w", err)
	}

	return nil
}

// modelAggregates holds a single-snapshot aggregation over the category
// results of a model's completed runs.
type modelAggregates struct {
	AvgAccuracy  *float64
	BestAccuracy *float64
	RunCount     int64
}

// recomputeModelStats freshly aggregates the model's accuracy stats and
// upserts the rollup row. Full recomputation keeps the aggregates
// self-healing after partial failures. The run counter is the distinct
// count of completed runs with results, so redelivering a run does not
// inflate it.
func recomputeModelStats(tx *gorm.DB, model string, now time.Time) error {
	var agg modelAggregates

	if err := tx.Model(&CategoryResult{}).
		Select(
			"AVG(category_results.accuracy) AS avg_accuracy, " +
				"MAX(category_results.accuracy) AS best_accuracy, " +
				"COUNT(DISTINCT category_results.run_id) AS run_count",
		).
		Joins("JOIN benchmark_runs ON benchmark_runs.id = category_results.run_id").
		Where("benchmark_runs.model = ? AND benchmark_runs.status = ?",
			model, webhook.StatusCompleted).
		Scan(&agg).Error; err != nil {
		return fmt.Errorf("aggregating model stats: %w", err)
	}

	// last_run_at comes from the runs themselves, not the recompute
	// clock, so a rollup pass over a quiet model does not move it.
	var latest BenchmarkRun
	if err := tx.Model(&BenchmarkRun{}).
		Select("completed_at").
		Where("model = ? AND status = ?", model, webhook.StatusCompleted).
		Order("completed_at DESC").
		Limit(1).
		Find(&latest).Error; err != nil {
		return fmt.Errorf("finding latest completed run: %w", err)
	}

	row := &Model{
		Name:         model,
		DisplayName:  model,
		Provider:     ProviderFromModel(model),
		TotalRuns:    int(agg.RunCount),
		AvgAccuracy:  agg.AvgAccuracy,
		BestAccuracy: agg.BestAccuracy,
		LastRunAt:    latest.CompletedAt,
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"total_runs":    row.TotalRuns,
			"avg_accuracy":  agg.AvgAccuracy,
			"best_accuracy": agg.BestAccuracy,
			"last_run_at":   latest.CompletedAt,
			"updated_at":    now,
		}),
	}).Create(row).Error; err != nil {
		return fmt.Errorf("upserting model stats: %w", err)
	}

	return nil
}

// marksCompleted reports whether a status stamps completed_at.
func marksCompleted(status string) bool {
	return status == webhook.StatusCompleted || status == webhook.StatusFailed
}

// ProviderFromModel derives the provider from a model name: the part
// before the first "/", or "unknown" for bare names.
func ProviderFromModel(model string) string {
	if before, _, ok := strings.Cut(model, "/"); ok {
		return before
	}

	return "unknown"
}
