package jobstore

import (
	"strings"
	"time"
)

// JobStatus represents the lifecycle of a job.
type JobStatus string

const (
	JobPendingUpload   JobStatus = "pending_upload"
	JobQueued          JobStatus = "queued"
	JobProcessing      JobStatus = "processing"
	JobCompleted       JobStatus = "completed"
	JobPartialComplete JobStatus = "partial_complete"
	JobFailed          JobStatus = "failed"
	JobCancelled       JobStatus = "cancelled"
)

var allJobStatuses = []JobStatus{
	JobPendingUpload,
	JobQueued,
	JobProcessing,
	JobCompleted,
	JobPartialComplete,
	JobFailed,
	JobCancelled,
}

var jobStatusSet = func() map[JobStatus]struct{} {
	set := make(map[JobStatus]struct{}, len(allJobStatuses))
	for _, status := range allJobStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalJobStatuses = map[JobStatus]struct{}{
	JobCompleted:       {},
	JobPartialComplete: {},
	JobFailed:          {},
	JobCancelled:       {},
}

// AllJobStatuses returns the ordered list of known job statuses.
func AllJobStatuses() []JobStatus {
	cp := make([]JobStatus, len(allJobStatuses))
	copy(cp, allJobStatuses)
	return cp
}

// ParseJobStatus converts a string into a known JobStatus.
func ParseJobStatus(value string) (JobStatus, bool) {
	normalized := JobStatus(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := jobStatusSet[normalized]
	return normalized, ok
}

// IsTerminal reports whether a job status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	_, ok := terminalJobStatuses[s]
	return ok
}

// StepStatus represents the lifecycle of a processing step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepType identifies one stage of a workflow.
type StepType string

const (
	StepDetectLanguage StepType = "detect_language"
	StepTranscribe     StepType = "transcribe"
	StepTranslate      StepType = "translate"
	StepSummarize      StepType = "summarize"
)

var allStepTypes = []StepType{
	StepDetectLanguage,
	StepTranscribe,
	StepTranslate,
	StepSummarize,
}

// AllStepTypes returns the known step types.
func AllStepTypes() []StepType {
	cp := make([]StepType, len(allStepTypes))
	copy(cp, allStepTypes)
	return cp
}

// ParseStepType converts a string into a known StepType. Hyphenated forms
// used in queue names are accepted.
func ParseStepType(value string) (StepType, bool) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")
	for _, st := range allStepTypes {
		if StepType(normalized) == st {
			return st, true
		}
	}
	return "", false
}

// Job is one end-to-end request to process a single media input through a
// named workflow. WorkflowID is immutable after creation.
type Job struct {
	ID               string
	WorkflowID       string
	Status           JobStatus
	SourceLanguage   string
	TargetLanguage   string
	InputRef         string
	CallbackEndpoint string
	ErrorDetail      string
	CallbackStatus   string
	CallbackSentAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Step is one unit of work within a job. At most one Step exists per
// (job_id, step_type) pair, enforced by a uniqueness constraint.
type Step struct {
	ID                 string
	JobID              string
	StepType           StepType
	Status             StepStatus
	RetryCount         int
	WorkerIdentity     string
	ResultLocation     string
	ErrorDetail        string
	DetectedLanguage   string
	LanguageConfidence float64
	TranscriptWords    int
	QueueWaitMS        int64
	ProcessingMS       int64
	QueuedAt           *time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
}

// HealthSummary describes aggregated job counts per key lifecycle state.
type HealthSummary struct {
	Total      int
	Waiting    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}
