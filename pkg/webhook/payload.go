package webhook

import (
	"fmt"
	"strings"
)

// Run status values. Statuses are case-sensitive on the wire.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
)

// Default values applied to optional payload fields.
const (
	DefaultQuantization = "Q4_K_M"
	DefaultSeed         = 42
	DefaultRunnerType   = "unknown"
	DefaultEnvironment  = "unknown"
)

var validStatuses = map[string]struct{}{
	StatusPending:   {},
	StatusRunning:   {},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// FieldError describes a single schema violation in a webhook payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// CategoryResult is one category's score within a run delivery. The
// accuracy is taken verbatim from the sender; it is not recomputed from
// correct/total.
type CategoryResult struct {
	Category   string
	Total      int
	Correct    int
	Accuracy   float64
	AvgLatency *float64
	AvgTokens  *float64
	Scenarios  any
}

// RunPayload is the fully-typed, defaulted form of a webhook delivery.
// It is only ever produced by Validate; partially-valid payloads do not
// escape this package.
type RunPayload struct {
	RunID        string
	Status       string
	Model        string
	Quantization string
	SampleSize   int
	Seed         int
	Results      []CategoryResult
	Duration     *float64
	ErrorMessage *string
	CommitSHA    *string
	Branch       *string
	PRNumber     *int
	GPUType      *string
	GPUMemory    *float64
	RunnerType   string
	Environment  string
	TokensPerSec *float64
}

// EventType returns the audit event type derived from the run status,
// e.g. "run_completed".
func (p *RunPayload) EventType() string {
	return "run_" + strings.ToLower(p.Status)
}

// Validate checks a decoded JSON object against the expected benchmark
// run schema, applying defaults for optional fields. It does not short
// circuit: every violated field is reported so a sender can fix all
// problems in one round trip. On any error the returned payload is nil.
func Validate(raw map[string]any) (*RunPayload, []FieldError) {
	var errs []FieldError

	addErr := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	p := &RunPayload{
		Quantization: DefaultQuantization,
		Seed:         DefaultSeed,
		RunnerType:   DefaultRunnerType,
		Environment:  DefaultEnvironment,
	}

	p.RunID = requireString(raw, "run_id", addErr)
	p.Model = requireString(raw, "model", addErr)

	if status, ok := raw["status"]; !ok {
		addErr("status", "required")
	} else if s, ok := status.(string); !ok {
		addErr("status", "must be a string")
	} else if _, ok := validStatuses[s]; !ok {
		addErr("status", fmt.Sprintf("invalid status %q", s))
	} else {
		p.Status = s
	}

	if n, ok := requireNumber(raw, "sample_size", addErr); ok {
		p.SampleSize = int(n)
	}

	if s, ok := optionalString(raw, "quantization", addErr); ok {
		p.Quantization = s
	}

	if n, ok := optionalNumber(raw, "seed", addErr); ok {
		p.Seed = int(n)
	}

	if s, ok := optionalString(raw, "runner_type", addErr); ok {
		p.RunnerType = s
	}

	if s, ok := optionalString(raw, "environment", addErr); ok {
		p.Environment = s
	}

	p.Duration = optionalNumberPtr(raw, "duration", addErr)
	p.GPUMemory = optionalNumberPtr(raw, "gpu_memory", addErr)
	p.TokensPerSec = optionalNumberPtr(raw, "tokens_per_sec", addErr)
	p.ErrorMessage = optionalStringPtr(raw, "error_message", addErr)
	p.CommitSHA = optionalStringPtr(raw, "commit_sha", addErr)
	p.Branch = optionalStringPtr(raw, "branch", addErr)
	p.GPUType = optionalStringPtr(raw, "gpu_type", addErr)

	if n := optionalNumberPtr(raw, "pr_number", addErr); n != nil {
		pr := int(*n)
		p.PRNumber = &pr
	}

	if results, ok := raw["results"]; ok && results != nil {
		p.Results = validateResults(results, addErr)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	return p, nil
}

// validateResults checks the results list; each entry requires category,
// total, correct, and accuracy.
func validateResults(v any, addErr func(field, msg string)) []CategoryResult {
	list, ok := v.([]any)
	if !ok {
		addErr("results", "must be an array")

		return nil
	}

	results := make([]CategoryResult, 0, len(list))

	for i, item := range list {
		field := func(name string) string {
			return fmt.Sprintf("results[%d].%s", i, name)
		}

		entry, ok := item.(map[string]any)
		if !ok {
			addErr(fmt.Sprintf("results[%d]", i), "must be an object")

			continue
		}

		var r CategoryResult

		r.Category = requireString(entry, "category", func(_, msg string) {
			addErr(field("category"), msg)
		})

		if n, ok := requireNumber(entry, "total", func(_, msg string) {
			addErr(field("total"), msg)
		}); ok {
			r.Total = int(n)
		}

		if n, ok := requireNumber(entry, "correct", func(_, msg string) {
			addErr(field("correct"), msg)
		}); ok {
			r.Correct = int(n)
		}

		if n, ok := requireNumber(entry, "accuracy", func(_, msg string) {
			addErr(field("accuracy"), msg)
		}); ok {
			r.Accuracy = n
		}

		r.AvgLatency = optionalNumberPtr(entry, "avg_latency", func(_, msg string) {
			addErr(field("avg_latency"), msg)
		})

		r.AvgTokens = optionalNumberPtr(entry, "avg_tokens", func(_, msg string) {
			addErr(field("avg_tokens"), msg)
		})

		// Scenarios are a free-form detail blob of unconstrained shape.
		r.Scenarios = entry["scenarios"]

		results = append(results, r)
	}

	return results
}

func requireString(raw map[string]any, field string, addErr func(field, msg string)) string {
	v, ok := raw[field]
	if !ok {
		addErr(field, "required")

		return ""
	}

	s, ok := v.(string)
	if !ok {
		addErr(field, "must be a string")

		return ""
	}

	if s == "" {
		addErr(field, "must not be empty")
	}

	return s
}

func requireNumber(raw map[string]any, field string, addErr func(field, msg string)) (float64, bool) {
	v, ok := raw[field]
	if !ok {
		addErr(field, "required")

		return 0, false
	}

	n, ok := v.(float64)
	if !ok {
		addErr(field, "must be a number")

		return 0, false
	}

	return n, true
}

func optionalString(raw map[string]any, field string, addErr func(field, msg string)) (string, bool) {
	v, ok := raw[field]
	if !ok || v == nil {
		return "", false
	}

	s, ok := v.(string)
	if !ok {
		addErr(field, "must be a string")

		return "", false
	}

	return s, true
}

func optionalStringPtr(raw map[string]any, field string, addErr func(field, msg string)) *string {
	s, ok := optionalString(raw, field, addErr)
	if !ok {
		return nil
	}

	return &s
}

func optionalNumber(raw map[string]any, field string, addErr func(field, msg string)) (float64, bool) {
	v, ok := raw[field]
	if !ok || v == nil {
		return 0, false
	}

	n, ok := v.(float64)
	if !ok {
		addErr(field, "must be a number")

		return 0, false
	}

	return n, true
}

func optionalNumberPtr(raw map[string]any, field string, addErr func(field, msg string)) *float64 {
	n, ok := optionalNumber(raw, field, addErr)
	if !ok {
		return nil
	}

	return &n
}
