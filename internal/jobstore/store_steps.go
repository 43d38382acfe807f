package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnsureStep conditionally inserts a step record in pending status. The
// UNIQUE (job_id, step_type) constraint makes this idempotent under duplicate
// event delivery: redelivery finds the existing row and reports created=false.
func (s *Store) EnsureStep(ctx context.Context, jobID string, stepType StepType) (*Step, bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO job_steps (id, job_id, step_type, status, retry_count, queued_at)
         VALUES (?, ?, ?, ?, 0, ?)
         ON CONFLICT(job_id, step_type) DO NOTHING`,
		uuid.NewString(),
		jobID,
		stepType,
		StepPending,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ensure step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	step, err := s.GetStep(ctx, jobID, stepType)
	if err != nil {
		return nil, false, err
	}
	if step == nil {
		return nil, false, errors.New("step missing after ensure")
	}
	return step, affected > 0, nil
}

// GetStep fetches the step for a (job, step type) pair. Returns nil when no
// step exists.
func (s *Store) GetStep(ctx context.Context, jobID string, stepType StepType) (*Step, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+stepColumns+` FROM job_steps WHERE job_id = ? AND step_type = ?`,
		jobID, stepType,
	)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

// StepsForJob returns all steps belonging to a job keyed by step type.
func (s *Store) StepsForJob(ctx context.Context, jobID string) (map[StepType]*Step, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stepColumns+` FROM job_steps WHERE job_id = ? ORDER BY queued_at`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("steps for job: %w", err)
	}
	defer rows.Close()

	steps := make(map[StepType]*Step)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps[step.StepType] = step
	}
	return steps, rows.Err()
}

// ClaimStep is the worker-side idempotency gate: a compare-and-set from
// pending to processing that records the worker identity and start time.
// Returns false when the step is no longer pending (duplicate delivery or a
// crashed-and-redelivered attempt); callers must skip work in that case.
func (s *Store) ClaimStep(ctx context.Context, jobID string, stepType StepType, workerIdentity string, queueWaitMS int64) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE job_steps
         SET status = ?, worker_identity = ?, queue_wait_ms = ?, started_at = ?
         WHERE job_id = ? AND step_type = ? AND status = ?`,
		StepProcessing,
		workerIdentity,
		queueWaitMS,
		now,
		jobID,
		stepType,
		StepPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// StepOutcome carries result attributes persisted on completion.
type StepOutcome struct {
	ResultLocation     string
	DetectedLanguage   string
	LanguageConfidence float64
	TranscriptWords    int
	ProcessingMS       int64
}

// CompleteStep transitions processing -> completed with the step's result
// location and metrics. Returns false when the step was not in processing
// (a concurrent duplicate already completed it).
func (s *Store) CompleteStep(ctx context.Context, jobID string, stepType StepType, outcome StepOutcome) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE job_steps
         SET status = ?, result_location = ?, detected_language = ?,
             language_confidence = ?, transcript_words = ?, processing_ms = ?,
             error_detail = NULL, completed_at = ?
         WHERE job_id = ? AND step_type = ? AND status = ?`,
		StepCompleted,
		nullableString(outcome.ResultLocation),
		nullableString(outcome.DetectedLanguage),
		outcome.LanguageConfidence,
		outcome.TranscriptWords,
		outcome.ProcessingMS,
		now,
		jobID,
		stepType,
		StepProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("complete step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// FailStep transitions processing -> failed with a human-readable error
// detail. The router owns all retry decisions from here.
func (s *Store) FailStep(ctx context.Context, jobID string, stepType StepType, errorDetail string, processingMS int64) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE job_steps
         SET status = ?, error_detail = ?, processing_ms = ?, completed_at = ?
         WHERE job_id = ? AND step_type = ? AND status = ?`,
		StepFailed,
		nullableString(errorDetail),
		processingMS,
		now,
		jobID,
		stepType,
		StepProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("fail step: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ResetStepForRetry moves a failed step back to pending and increments its
// retry counter so the router can redispatch it. The compare-and-set on
// failed status makes redelivered failure events a no-op.
func (s *Store) ResetStepForRetry(ctx context.Context, jobID string, stepType StepType) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE job_steps
         SET status = ?, retry_count = retry_count + 1, worker_identity = NULL,
             started_at = NULL, completed_at = NULL, queued_at = ?
         WHERE job_id = ? AND step_type = ? AND status = ?`,
		StepPending,
		now,
		jobID,
		stepType,
		StepFailed,
	)
	if err != nil {
		return false, fmt.Errorf("reset step for retry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const stepColumns = "id, job_id, step_type, status, retry_count, worker_identity, result_location, error_detail, detected_language, language_confidence, transcript_words, queue_wait_ms, processing_ms, queued_at, started_at, completed_at"

func scanStep(scanner interface{ Scan(dest ...any) error }) (*Step, error) {
	var (
		id           string
		jobID        string
		stepTypeStr  string
		statusStr    string
		retryCount   int
		workerID     sql.NullString
		resultLoc    sql.NullString
		errorDetail  sql.NullString
		detectedLang sql.NullString
		confidence   sql.NullFloat64
		words        sql.NullInt64
		queueWait    sql.NullInt64
		processing   sql.NullInt64
		queuedRaw    sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&jobID,
		&stepTypeStr,
		&statusStr,
		&retryCount,
		&workerID,
		&resultLoc,
		&errorDetail,
		&detectedLang,
		&confidence,
		&words,
		&queueWait,
		&processing,
		&queuedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	return &Step{
		ID:                 id,
		JobID:              jobID,
		StepType:           StepType(stepTypeStr),
		Status:             StepStatus(statusStr),
		RetryCount:         retryCount,
		WorkerIdentity:     workerID.String,
		ResultLocation:     resultLoc.String,
		ErrorDetail:        errorDetail.String,
		DetectedLanguage:   detectedLang.String,
		LanguageConfidence: confidence.Float64,
		TranscriptWords:    int(words.Int64),
		QueueWaitMS:        queueWait.Int64,
		ProcessingMS:       processing.Int64,
		QueuedAt:           timePtr(queuedRaw),
		StartedAt:          timePtr(startedRaw),
		CompletedAt:        timePtr(completedRaw),
	}, nil
}
