// Package messages defines the JSON envelopes exchanged over the message
// channel: job-events consumed by the router and dispatches consumed by
// workers. Envelopes are small; results live in object storage and are
// referenced by location, never embedded.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Outcome classifies a job-event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// StepResult carries the summary a worker reports back to the router. The
// full result document lives at ResultLocation.
type StepResult struct {
	ResultLocation     string  `json:"result_location,omitempty"`
	Language           string  `json:"language,omitempty"`
	LanguageConfidence float64 `json:"language_confidence,omitempty"`
	WordCount          int     `json:"word_count,omitempty"`
}

// JobEvent informs the router of a step's outcome, or that a job should
// begin (CompletedStep empty).
type JobEvent struct {
	JobID         string      `json:"job_id"`
	CompletedStep string      `json:"completed_step,omitempty"`
	Outcome       Outcome     `json:"outcome,omitempty"`
	ErrorDetail   string      `json:"error_detail,omitempty"`
	Result        *StepResult `json:"result,omitempty"`
	WorkerID      string      `json:"worker_id,omitempty"`
	ProcessingMS  int64       `json:"processing_ms,omitempty"`
}

// IsInitial reports whether this event starts a workflow rather than
// reporting a step outcome.
func (e JobEvent) IsInitial() bool {
	return strings.TrimSpace(e.CompletedStep) == ""
}

// Validate rejects structurally malformed events. Such events indicate a
// programming or data error and are dropped, never retried.
func (e JobEvent) Validate() error {
	if strings.TrimSpace(e.JobID) == "" {
		return fmt.Errorf("job event missing job_id")
	}
	if !e.IsInitial() {
		switch e.Outcome {
		case OutcomeSuccess, OutcomeFailure:
		default:
			return fmt.Errorf("job event for step %s has invalid outcome %q", e.CompletedStep, e.Outcome)
		}
	}
	return nil
}

// Dispatch instructs one worker variant to execute one step.
type Dispatch struct {
	JobID          string    `json:"job_id"`
	StepType       string    `json:"step_type"`
	SourceLanguage string    `json:"source_language,omitempty"`
	TargetLanguage string    `json:"target_language,omitempty"`
	InputRefs      []string  `json:"input_refs,omitempty"`
	QueuedAt       time.Time `json:"queued_at,omitempty"`
}

// Validate rejects structurally malformed dispatches.
func (d Dispatch) Validate() error {
	if strings.TrimSpace(d.JobID) == "" {
		return fmt.Errorf("dispatch missing job_id")
	}
	if strings.TrimSpace(d.StepType) == "" {
		return fmt.Errorf("dispatch missing step_type")
	}
	return nil
}

// Encode serializes an envelope for publication.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeJobEvent parses and validates a job-event body.
func DecodeJobEvent(body []byte) (JobEvent, error) {
	var ev JobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return JobEvent{}, fmt.Errorf("decode job event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return JobEvent{}, err
	}
	return ev, nil
}

// DecodeDispatch parses and validates a dispatch body.
func DecodeDispatch(body []byte) (Dispatch, error) {
	var d Dispatch
	if err := json.Unmarshal(body, &d); err != nil {
		return Dispatch{}, fmt.Errorf("decode dispatch: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Dispatch{}, err
	}
	return d, nil
}
