package store

import (
	"context"
	"fmt"
	"time"

	"github.com/benchboard/benchboard/pkg/config"
	"github.com/benchboard/benchboard/pkg/webhook"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ListRunsFilter narrows a ListRuns query.
type ListRunsFilter struct {
	Status string
	Limit  int
	Offset int
}

// Store provides persistence for benchmark runs, category results,
// model aggregates, and the webhook audit log.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Ping probes database connectivity and returns the probe latency.
	Ping(ctx context.Context) (time.Duration, error)

	// Webhook ingestion.
	CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error
	ListWebhookEvents(ctx context.Context, limit int) ([]WebhookEvent, error)
	IngestRun(ctx context.Context, payload *webhook.RunPayload) (*BenchmarkRun, error)

	// Aggregate maintenance.
	RecomputeModelStats(ctx context.Context, model string) error
	ListModelNames(ctx context.Context) ([]string, error)

	// Dashboard reads.
	GetRun(ctx context.Context, id string) (*BenchmarkRun, error)
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]BenchmarkRun, error)
	CountRuns(ctx context.Context) (int64, error)
	CountRunsByStatus(ctx context.Context, status string) (int64, error)
	OverallAvgAccuracy(ctx context.Context) (float64, error)
	ListModels(ctx context.Context) ([]Model, error)
	GetModelByName(ctx context.Context, name string) (*Model, error)
	LatestCompletedRun(ctx context.Context, model string) (*BenchmarkRun, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&BenchmarkRun{},
		&CategoryResult{},
		&Model{},
		&WebhookEvent{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping runs a trivial query against the database and returns how long
// it took. Used by the health endpoint as a liveness probe.
func (s *store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	var one int
	if err := s.db.WithContext(ctx).
		Raw("SELECT 1").
		Scan(&one).Error; err != nil {
		return 0, fmt.Errorf("pinging database: %w", err)
	}

	return time.Since(start), nil
}

// CreateWebhookEvent appends one audit record. The audit log is
// append-only; rows are never updated or deleted here.
func (s *store) CreateWebhookEvent(
	ctx context.Context, event *WebhookEvent,
) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("creating webhook event: %w", err)
	}

	return nil
}

// ListWebhookEvents returns the most recent audit records, newest
// first.
func (s *store) ListWebhookEvents(
	ctx context.Context, limit int,
) ([]WebhookEvent, error) {
	q := s.db.WithContext(ctx).Order("id DESC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []WebhookEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing webhook events: %w", err)
	}

	return events, nil
}

// --- Dashboard reads ---

func (s *store) GetRun(
	ctx context.Context, id string,
) (*BenchmarkRun, error) {
	var run BenchmarkRun
	if err := s.db.WithContext(ctx).
		Preload("Results").
		First(&run, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

func (s *store) ListRuns(
	ctx context.Context, filter ListRunsFilter,
) ([]BenchmarkRun, error) {
	q := s.db.WithContext(ctx).
		Preload("Results").
		Order("created_at DESC")

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var runs []BenchmarkRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) CountRuns(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&BenchmarkRun{}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting runs: %w", err)
	}

	return count, nil
}

func (s *store) CountRunsByStatus(
	ctx context.Context, status string,
) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&BenchmarkRun{}).
		Where("status = ?", status).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting runs by status: %w", err)
	}

	return count, nil
}

// OverallAvgAccuracy returns the average accuracy across every category
// result row, or zero when no results exist.
func (s *store) OverallAvgAccuracy(ctx context.Context) (float64, error) {
	var avg *float64
	if err := s.db.WithContext(ctx).
		Model(&CategoryResult{}).
		Select("AVG(accuracy)").
		Scan(&avg).Error; err != nil {
		return 0, fmt.Errorf("averaging accuracy: %w", err)
	}

	if avg == nil {
		return 0, nil
	}

	return *avg, nil
}

func (s *store) ListModels(ctx context.Context) ([]Model, error) {
	var models []Model
	if err := s.db.WithContext(ctx).
		Order("best_accuracy DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}

	return models, nil
}

func (s *store) GetModelByName(
	ctx context.Context, name string,
) (*Model, error) {
	var model Model
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&model).Error; err != nil {
		return nil, fmt.Errorf("getting model: %w", err)
	}

	return &model, nil
}

// ListModelNames returns the distinct model names of completed runs.
func (s *store) ListModelNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).
		Model(&BenchmarkRun{}).
		Where("status = ?", webhook.StatusCompleted).
		Distinct().
		Order("model ASC").
		Pluck("model", &names).Error; err != nil {
		return nil, fmt.Errorf("listing model names: %w", err)
	}

	return names, nil
}

// LatestCompletedRun returns the most recent completed run for a model,
// with its category results loaded.
func (s *store) LatestCompletedRun(
	ctx context.Context, model string,
) (*BenchmarkRun, error) {
	var run BenchmarkRun
	if err := s.db.WithContext(ctx).
		Preload("Results").
		Where("model = ? AND status = ?", model, webhook.StatusCompleted).
		Order("created_at DESC").
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting latest completed run: %w", err)
	}

	return &run, nil
}
