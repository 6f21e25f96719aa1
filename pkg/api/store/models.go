package store

import (
	"time"

	"gorm.io/datatypes"
)

// BenchmarkRun is one benchmark execution. The ID is supplied by the
// runner and acts as the idempotency key: re-delivery of the same ID
// updates the row, never duplicates it.
type BenchmarkRun struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	Model        string     `gorm:"index;not null" json:"model"`
	Quantization string     `gorm:"not null" json:"quantization"`
	SampleSize   int        `gorm:"not null" json:"sample_size"`
	Seed         int        `gorm:"not null" json:"seed"`
	Status       string     `gorm:"index;not null" json:"status"`
	Duration     *float64   `json:"duration"`
	TokensPerSec *float64   `json:"tokens_per_sec"`
	ErrorMessage *string    `json:"error_message"`
	CommitSHA    *string    `json:"commit_sha"`
	Branch       *string    `json:"branch"`
	PRNumber     *int       `json:"pr_number"`
	GPUType      *string    `json:"gpu_type"`
	GPUMemory    *float64   `json:"gpu_memory"`
	RunnerType   string     `json:"runner_type"`
	Environment  string     `json:"environment"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at"`

	Results []CategoryResult `gorm:"foreignKey:RunID;references:ID" json:"results,omitempty"`
}

// CategoryResult is one category's score within one run. Rows for a run
// reflect only the most recent completed delivery; they are replaced
// wholesale, never accumulated.
type CategoryResult struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	RunID      string         `gorm:"index;not null" json:"run_id"`
	Category   string         `gorm:"not null" json:"category"`
	Total      int            `gorm:"not null" json:"total"`
	Correct    int            `gorm:"not null" json:"correct"`
	Accuracy   float64        `gorm:"not null" json:"accuracy"`
	AvgLatency *float64       `json:"avg_latency"`
	AvgTokens  *float64       `json:"avg_tokens"`
	Scenarios  datatypes.JSON `json:"scenarios,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Model is the cross-run rollup keyed by model name. Its accuracy
// fields are derived state, recomputed from the full set of category
// results of completed runs; they are never mutated independently.
type Model struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Name         string     `gorm:"uniqueIndex;not null" json:"name"`
	DisplayName  string     `gorm:"not null" json:"display_name"`
	Provider     string     `gorm:"not null" json:"provider"`
	TotalRuns    int        `gorm:"not null" json:"total_runs"`
	AvgAccuracy  *float64   `json:"avg_accuracy"`
	BestAccuracy *float64   `json:"best_accuracy"`
	LastRunAt    *time.Time `json:"last_run_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// WebhookEvent is an append-only audit record of one inbound delivery
// attempt. A failed delivery produces a second row with EventType
// "error" rather than mutating the first.
type WebhookEvent struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Source    string         `gorm:"not null" json:"source"`
	EventType string         `gorm:"not null" json:"event_type"`
	Payload   datatypes.JSON `json:"payload"`
	Processed bool           `gorm:"not null;default:true" json:"processed"`
	Error     *string        `json:"error"`
	CreatedAt time.Time      `json:"created_at"`
}
