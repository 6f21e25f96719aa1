package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchboard/benchboard/pkg/api/store"
	"github.com/benchboard/benchboard/pkg/config"
	"github.com/benchboard/benchboard/pkg/webhook"
)

const testSecret = "test-secret"

func setupTestServer(t *testing.T, secret string) (*server, http.Handler) {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Listen: ":0"},
		Webhook: config.WebhookConfig{
			Secret: secret,
		},
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		version:   "test",
		startedAt: time.Now(),
	}

	s.store = store.NewStore(log, &cfg.Database)
	require.NoError(t, s.store.Start(context.Background()))

	t.Cleanup(func() { _ = s.store.Stop() })

	return s, s.buildRouter()
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(
	t *testing.T, router http.Handler, body []byte, signature string,
) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(
		http.MethodPost, "/api/v1/webhook", bytes.NewReader(body),
	)
	req.Header.Set("Content-Type", "application/json")

	if signature != "" {
		req.Header.Set(webhook.SignatureHeader, signature)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	return rec
}

func getJSON(
	t *testing.T, router http.Handler, path string, out any,
) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}

	return rec
}

func TestWebhook_CompletedDelivery(t *testing.T) {
	s, router := setupTestServer(t, testSecret)

	body := []byte(`{
		"run_id": "run-e2e-1",
		"status": "COMPLETED",
		"model": "acme/x1",
		"sample_size": 300,
		"duration": 120.5,
		"tokens_per_sec": 45.2,
		"results": [
			{"category": "justice", "total": 300, "correct": 270, "accuracy": 0.9}
		]
	}`)

	rec := postWebhook(t, router, body, signBody(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Success bool   `json:"success"`
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "run-e2e-1", resp.RunID)
	assert.Equal(t, webhook.StatusCompleted, resp.Status)

	// The run is readable with defaults applied and results attached.
	var run store.BenchmarkRun

	rec = getJSON(t, router, "/api/v1/runs/run-e2e-1", &run)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme/x1", run.Model)
	assert.Equal(t, webhook.DefaultQuantization, run.Quantization)
	assert.Equal(t, webhook.DefaultSeed, run.Seed)
	assert.NotNil(t, run.CompletedAt)
	require.Len(t, run.Results, 1)
	assert.InDelta(t, 0.9, run.Results[0].Accuracy, 1e-9)

	// Aggregates are visible on the models endpoint.
	var models struct {
		Models []store.Model `json:"models"`
	}

	rec = getJSON(t, router, "/api/v1/models", &models)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, models.Models, 1)
	assert.Equal(t, "acme/x1", models.Models[0].Name)
	assert.Equal(t, "acme", models.Models[0].Provider)
	assert.Equal(t, 1, models.Models[0].TotalRuns)
	require.NotNil(t, models.Models[0].AvgAccuracy)
	assert.InDelta(t, 0.9, *models.Models[0].AvgAccuracy, 1e-9)

	// And the delivery left an audit record.
	events, err := s.store.ListWebhookEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "run_completed", events[0].EventType)
	assert.True(t, events[0].Processed)
}

func TestWebhook_InvalidSignature(t *testing.T) {
	s, router := setupTestServer(t, testSecret)

	body := []byte(`{"run_id": "run-bad-sig", "status": "PENDING",` +
		` "model": "acme/x1", "sample_size": 10}`)

	rec := postWebhook(t, router, body, signBody("wrong-secret", body))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid signature", resp.Error)

	// Rejected deliveries must not touch the database.
	n, err := s.store.CountRuns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	events, err := s.store.ListWebhookEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhook_MissingSignature(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	body := []byte(`{"run_id": "r", "status": "PENDING",` +
		` "model": "m", "sample_size": 10}`)

	rec := postWebhook(t, router, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_NoSecretAcceptsUnsigned(t *testing.T) {
	_, router := setupTestServer(t, "")

	body := []byte(`{"run_id": "run-open", "status": "PENDING",` +
		` "model": "acme/x1", "sample_size": 10}`)

	rec := postWebhook(t, router, body, "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestWebhook_InvalidJSON(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	body := []byte(`{not json`)

	rec := postWebhook(t, router, body, signBody(testSecret, body))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid JSON", resp.Error)
}

func TestWebhook_InvalidPayloadListsEveryField(t *testing.T) {
	s, router := setupTestServer(t, testSecret)

	// Missing run_id and model, bad status: all three must be reported.
	body := []byte(`{"status": "DONE", "sample_size": 10}`)

	rec := postWebhook(t, router, body, signBody(testSecret, body))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Error   string               `json:"error"`
		Details []webhook.FieldError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Invalid payload", resp.Error)
	require.Len(t, resp.Details, 3)

	fields := make([]string, 0, len(resp.Details))
	for _, d := range resp.Details {
		fields = append(fields, d.Field)
	}

	assert.Contains(t, fields, "run_id")
	assert.Contains(t, fields, "model")
	assert.Contains(t, fields, "status")

	n, err := s.store.CountRuns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhook_Probe(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	var resp struct {
		Status   string `json:"status"`
		Endpoint string `json:"endpoint"`
	}

	rec := getJSON(t, router, "/api/v1/webhook", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "webhook", resp.Endpoint)
}

func TestHealth(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	var resp struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Database struct {
			Status string `json:"status"`
		} `json:"database"`
	}

	rec := getJSON(t, router, "/api/v1/health", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "ok", resp.Database.Status)
}

func TestStats(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	body := []byte(`{
		"run_id": "run-stats-1",
		"status": "COMPLETED",
		"model": "acme/x1",
		"sample_size": 100,
		"results": [
			{"category": "justice", "total": 100, "correct": 80, "accuracy": 0.8}
		]
	}`)

	rec := postWebhook(t, router, body, signBody(testSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		TotalRuns     int64   `json:"total_runs"`
		CompletedRuns int64   `json:"completed_runs"`
		AvgAccuracy   float64 `json:"avg_accuracy"`
	}

	rec = getJSON(t, router, "/api/v1/stats", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), resp.TotalRuns)
	assert.Equal(t, int64(1), resp.CompletedRuns)
	assert.InDelta(t, 0.8, resp.AvgAccuracy, 1e-9)
}

func TestCompare(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	for _, delivery := range []struct{ id, model, acc string }{
		{id: "run-cmp-1", model: "acme/x1", acc: "0.9"},
		{id: "run-cmp-2", model: "beta/y1", acc: "0.7"},
	} {
		body := []byte(`{
			"run_id": "` + delivery.id + `",
			"status": "COMPLETED",
			"model": "` + delivery.model + `",
			"sample_size": 100,
			"results": [
				{"category": "justice", "total": 100, "correct": 90,
				 "accuracy": ` + delivery.acc + `}
			]
		}`)

		rec := postWebhook(t, router, body, signBody(testSecret, body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	var resp struct {
		Entries []struct {
			Model string              `json:"model"`
			Run   *store.BenchmarkRun `json:"run"`
		} `json:"entries"`
	}

	rec := getJSON(t, router,
		"/api/v1/compare?models=acme/x1,beta/y1,ghost/z1", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Entries, 3)

	assert.Equal(t, "acme/x1", resp.Entries[0].Model)
	require.NotNil(t, resp.Entries[0].Run)
	assert.Equal(t, "run-cmp-1", resp.Entries[0].Run.ID)

	require.NotNil(t, resp.Entries[1].Run)
	assert.Equal(t, "run-cmp-2", resp.Entries[1].Run.ID)

	// Unknown models come back with a null run rather than an error.
	assert.Equal(t, "ghost/z1", resp.Entries[2].Model)
	assert.Nil(t, resp.Entries[2].Run)
}

func TestWebhook_OversizedBodyRejected(t *testing.T) {
	_, router := setupTestServer(t, testSecret)

	body := make([]byte, maxWebhookBody+1)

	rec := postWebhook(t, router, body, signBody(testSecret, body))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Payload too large", resp.Error)
}

func TestGetRun_NotFoundVsStoreFailure(t *testing.T) {
	s, router := setupTestServer(t, testSecret)

	// A run that does not exist is a 404.
	rec := getJSON(t, router, "/api/v1/runs/no-such-run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// A broken store is a 500, not a phantom 404.
	require.NoError(t, s.store.Stop())

	rec = getJSON(t, router, "/api/v1/runs/no-such-run", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCompare_StoreFailureReturns500(t *testing.T) {
	s, router := setupTestServer(t, testSecret)

	require.NoError(t, s.store.Stop())

	rec := getJSON(t, router, "/api/v1/compare?models=acme/x1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhook_StoreFailureReturns500(t *testing.T) {
	s, router := setupTestServer(t, testSecret)

	// Close the store underneath the handler so persistence fails.
	require.NoError(t, s.store.Stop())

	body := []byte(`{"run_id": "run-down", "status": "PENDING",` +
		` "model": "acme/x1", "sample_size": 10}`)

	rec := postWebhook(t, router, body, signBody(testSecret, body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Internal server error", resp.Error)
}
