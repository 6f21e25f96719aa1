package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benchboard/benchboard/pkg/api/store"
	"github.com/benchboard/benchboard/pkg/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 200
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Health ---

type healthCheck struct {
	Status  string `json:"status"`
	Latency int64  `json:"latency_ms"`
}

type healthResponse struct {
	Status    string      `json:"status"`
	Timestamp string      `json:"timestamp"`
	Version   string      `json:"version"`
	Uptime    float64     `json:"uptime_seconds"`
	MemoryRSS uint64      `json:"memory_rss_bytes,omitempty"`
	Database  healthCheck `json:"database"`
}

// handleHealth probes database connectivity and reports process health.
// Returns 503 when the database is unreachable.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Uptime:    time.Since(s.startedAt).Seconds(),
		Database:  healthCheck{Status: "ok"},
	}

	latency, err := s.store.Ping(r.Context())
	if err != nil {
		s.log.WithError(err).Warn("Database health probe failed")

		resp.Status = "unhealthy"
		resp.Database.Status = "error"
	} else {
		resp.Database.Latency = latency.Milliseconds()
	}

	if proc, procErr := process.NewProcess(int32(os.Getpid())); procErr == nil {
		if mem, memErr := proc.MemoryInfo(); memErr == nil {
			resp.MemoryRSS = mem.RSS
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}

// --- Dashboard reads ---

// handleListRuns returns recent runs, newest first, with their category
// results. Supports ?limit= and ?status= filters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.ListRunsFilter{Limit: defaultRunsLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		if n > maxRunsLimit {
			n = maxRunsLimit
		}

		filter.Limit = n
	}

	filter.Status = r.URL.Query().Get("status")

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetRun returns a single run with its category results.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleListModels returns model aggregates ordered by best accuracy.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list models")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type statsResponse struct {
	TotalRuns     int64   `json:"total_runs"`
	CompletedRuns int64   `json:"completed_runs"`
	AvgAccuracy   float64 `json:"avg_accuracy"`
}

// handleStats returns the dashboard overview counters. The three
// queries are independent and run concurrently.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse

	g, ctx := errgroup.WithContext(r.Context())

	g.Go(func() error {
		n, err := s.store.CountRuns(ctx)
		resp.TotalRuns = n

		return err
	})

	g.Go(func() error {
		n, err := s.store.CountRunsByStatus(ctx, webhook.StatusCompleted)
		resp.CompletedRuns = n

		return err
	})

	g.Go(func() error {
		avg, err := s.store.OverallAvgAccuracy(ctx)
		resp.AvgAccuracy = avg

		return err
	})

	if err := g.Wait(); err != nil {
		s.log.WithError(err).Error("Failed to gather stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListEvents returns the most recent webhook audit records so
// operators can reconcile missed or failed deliveries.
func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		if n > maxRunsLimit {
			n = maxRunsLimit
		}

		limit = n
	}

	events, err := s.store.ListWebhookEvents(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list webhook events")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type compareEntry struct {
	Model string              `json:"model"`
	Run   *store.BenchmarkRun `json:"run"`
}

// handleCompare returns the latest completed run for each requested
// model (?models=a,b). Models without a completed run get a null run.
func (s *server) handleCompare(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("models")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"models query parameter is required"})

		return
	}

	entries := make([]compareEntry, 0, 4)

	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		entry := compareEntry{Model: name}

		run, err := s.store.LatestCompletedRun(r.Context(), name)

		switch {
		case err == nil:
			entry.Run = run
		case errors.Is(err, gorm.ErrRecordNotFound):
			// No completed run yet: a null entry, not an error.
		default:
			s.log.WithError(err).
				WithField("model", name).
				Error("Failed to get latest completed run")
			writeJSON(w, http.StatusInternalServerError,
				errorResponse{"internal error"})

			return
		}

		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
