// Package callback delivers terminal job notifications to the endpoint a job
// was submitted with. Delivery is best-effort: one attempt per terminal
// transition, outcome recorded on the job, never allowed to affect job state.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/logging"
)

// Status values recorded on the job after a delivery attempt.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Notification is the JSON body posted to the callback endpoint.
type Notification struct {
	JobID       string    `json:"job_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      string    `json:"status"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Notifier sends terminal notifications and reports the recorded status.
type Notifier interface {
	Notify(ctx context.Context, job *jobstore.Job) string
}

// HTTPNotifier posts notifications with a shared timeout and a circuit
// breaker so a dead endpoint cannot stall the router loop.
type HTTPNotifier struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[int]
	logger  *slog.Logger
}

// NewHTTPNotifier builds a notifier from the callback configuration.
func NewHTTPNotifier(cfg *config.Config, logger *slog.Logger) *HTTPNotifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(cfg.Callback.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	threshold := uint32(cfg.Callback.BreakerThreshold)
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:    "job-callback",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	return &HTTPNotifier{
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[int](settings),
		logger:  logger.With(logging.String(logging.FieldComponent, "callback")),
	}
}

// Notify posts the terminal notification once. Jobs without an endpoint are
// skipped.
func (n *HTTPNotifier) Notify(ctx context.Context, job *jobstore.Job) string {
	if job == nil || strings.TrimSpace(job.CallbackEndpoint) == "" {
		return StatusSkipped
	}
	log := n.logger.With(logging.String(logging.FieldJobID, job.ID))

	body := Notification{
		JobID:       job.ID,
		WorkflowID:  job.WorkflowID,
		Status:      string(job.Status),
		ErrorDetail: job.ErrorDetail,
	}
	if job.CompletedAt != nil {
		body.CompletedAt = *job.CompletedAt
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Error("encode callback payload", logging.Error(err))
		return StatusFailed
	}

	status, err := n.breaker.Execute(func() (int, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackEndpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return 0, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		resp, doErr := n.client.Do(req)
		if doErr != nil {
			return 0, doErr
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		log.Warn("callback delivery failed",
			logging.String("endpoint", job.CallbackEndpoint),
			logging.Int("http_status", status),
			logging.Error(err))
		return StatusFailed
	}
	log.Info("callback delivered", logging.Int("http_status", status))
	return StatusSent
}

// NopNotifier skips every notification. Used when callbacks are disabled and
// in tests that do not exercise delivery.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *jobstore.Job) string { return StatusSkipped }
