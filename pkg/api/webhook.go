package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/benchboard/benchboard/pkg/api/store"
	"github.com/benchboard/benchboard/pkg/webhook"
	"gorm.io/datatypes"
)

// maxWebhookBody caps the accepted request body size. Scenario detail
// blobs can be large, but not unbounded.
const maxWebhookBody = 8 << 20

type webhookResponse struct {
	Success bool   `json:"success"`
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
}

type validationErrorResponse struct {
	Error   string               `json:"error"`
	Details []webhook.FieldError `json:"details"`
}

// handleWebhook ingests one benchmark run delivery: signature check,
// JSON parse, schema validation, audit log, then the transactional run
// upsert. Authentication and validation fail before any persistence is
// attempted; once past validation, something is always recorded in the
// audit log, even on failure.
func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge,
				errorResponse{"Payload too large"})

			return
		}

		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"Internal server error"})

		return
	}

	signature := r.Header.Get(webhook.SignatureHeader)
	if !webhook.VerifySignature(s.cfg.Webhook.Secret, body, signature) {
		writeJSON(w, http.StatusUnauthorized,
			errorResponse{"Invalid signature"})

		return
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"Invalid JSON"})

		return
	}

	payload, fieldErrs := webhook.Validate(raw)
	if len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, validationErrorResponse{
			Error:   "Invalid payload",
			Details: fieldErrs,
		})

		return
	}

	// Audit the attempt. A failure here is a processing failure: the
	// delivery is not applied without its audit record.
	event := &store.WebhookEvent{
		Source:    payload.RunnerType,
		EventType: payload.EventType(),
		Payload:   datatypes.JSON(body),
		Processed: true,
	}

	if err := s.store.CreateWebhookEvent(r.Context(), event); err != nil {
		s.failWebhook(r.Context(), w, payload, body, err)

		return
	}

	run, err := s.store.IngestRun(r.Context(), payload)
	if err != nil {
		s.failWebhook(r.Context(), w, payload, body, err)

		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Success: true,
		RunID:   run.ID,
		Status:  run.Status,
	})
}

// failWebhook handles a processing failure: it appends a second,
// best-effort audit record describing the error and responds 500. The
// second record is independent of the first so the full history
// survives a crash between the two; if its write also fails, that is
// accepted as telemetry loss rather than escalated further.
func (s *server) failWebhook(
	ctx context.Context,
	w http.ResponseWriter,
	payload *webhook.RunPayload,
	body []byte,
	cause error,
) {
	s.log.WithError(cause).
		WithField("run_id", payload.RunID).
		Error("Webhook processing failed")

	msg := cause.Error()

	errEvent := &store.WebhookEvent{
		Source:    payload.RunnerType,
		EventType: "error",
		Payload:   datatypes.JSON(body),
		Processed: false,
		Error:     &msg,
	}

	if err := s.store.CreateWebhookEvent(ctx, errEvent); err != nil {
		s.log.WithError(err).Warn("Failed to record webhook error event")
	}

	writeJSON(w, http.StatusInternalServerError,
		errorResponse{"Internal server error"})
}

// handleWebhookProbe is a lightweight reachability check for runners.
func (s *server) handleWebhookProbe(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"endpoint": "webhook",
	})
}
