package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewJobParams carries the attributes supplied by the ingestion boundary.
type NewJobParams struct {
	WorkflowID       string
	SourceLanguage   string
	TargetLanguage   string
	InputRef         string
	CallbackEndpoint string
}

// CreateJob inserts a new job in pending_upload status and returns it.
func (s *Store) CreateJob(ctx context.Context, params NewJobParams) (*Job, error) {
	if strings.TrimSpace(params.WorkflowID) == "" {
		return nil, errors.New("workflow id is required")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, workflow_id, status, source_language, target_language,
            input_ref, callback_endpoint, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		params.WorkflowID,
		JobPendingUpload,
		nullableString(params.SourceLanguage),
		nullableString(params.TargetLanguage),
		nullableString(params.InputRef),
		nullableString(params.CallbackEndpoint),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by identifier. Returns nil when no job exists.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs filtered by status set (or all jobs when no status is
// provided), ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobStatus transitions a job's status with compare-and-set semantics:
// the update only applies when the current status is one of from. Returns
// true when the transition happened.
func (s *Store) MarkJobStatus(ctx context.Context, id string, to JobStatus, from ...JobStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("at least one source status is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := makePlaceholders(len(from))
	args := make([]any, 0, len(from)+3)
	args = append(args, to, now, id)
	for _, status := range from {
		args = append(args, status)
	}

	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("mark job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// StartJob stamps started_at and moves the job into processing. Only jobs in
// queued status advance; redelivered initial events are no-ops.
func (s *Store) StartJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobProcessing, now, now, id, JobQueued,
	)
	if err != nil {
		return false, fmt.Errorf("start job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// MarkJobUploaded moves a job from pending_upload to queued once the
// ingestion boundary signals upload completion.
func (s *Store) MarkJobUploaded(ctx context.Context, id, inputRef string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, input_ref = COALESCE(?, input_ref), updated_at = ?
         WHERE id = ? AND status = ?`,
		JobQueued, nullableString(inputRef), now, id, JobPendingUpload,
	)
	if err != nil {
		return false, fmt.Errorf("mark job uploaded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// CancelJob marks a job cancelled. Cancellation is only honored before the
// router has begun dispatching: pending_upload or queued.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.MarkJobStatus(ctx, id, JobCancelled, JobPendingUpload, JobQueued)
}

// CompleteJob moves a processing job to a terminal success status with an
// optional error detail (used for failed and partial_complete outcomes).
func (s *Store) CompleteJob(ctx context.Context, id string, status JobStatus, errorDetail string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %s is not terminal", status)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_detail = ?, completed_at = ?, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		status,
		nullableString(errorDetail),
		now,
		now,
		id,
		JobCompleted, JobPartialComplete, JobFailed, JobCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ResumeFailedJob reopens a failed job for an operator-requested retry: the
// job returns to processing with its error cleared, and every failed step is
// reset to pending with a fresh retry budget. Returns false when the job is
// not failed.
func (s *Store) ResumeFailedJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error_detail = NULL, completed_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		JobProcessing, now, id, JobFailed,
	)
	if err != nil {
		return false, fmt.Errorf("resume failed job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := s.execWithRetry(
		ctx,
		`UPDATE job_steps
         SET status = ?, retry_count = 0, worker_identity = NULL, error_detail = NULL,
             started_at = NULL, completed_at = NULL, queued_at = ?
         WHERE job_id = ? AND status = ?`,
		StepPending, now, id, StepFailed,
	); err != nil {
		return false, fmt.Errorf("reset failed steps: %w", err)
	}
	return true, nil
}

// SetJobSourceLanguage records the language reported by detect-language.
func (s *Store) SetJobSourceLanguage(ctx context.Context, id, lang string) error {
	if strings.TrimSpace(lang) == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET source_language = ?, updated_at = ? WHERE id = ?`,
		lang, now, id,
	); err != nil {
		return fmt.Errorf("set job source language: %w", err)
	}
	return nil
}

// RecordCallback stores the outcome of the completion-callback attempt.
func (s *Store) RecordCallback(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET callback_status = ?, callback_sent_at = ?, updated_at = ? WHERE id = ?`,
		status, now, now, id,
	); err != nil {
		return fmt.Errorf("record callback: %w", err)
	}
	return nil
}

// Touch bumps updated_at without changing any other field.
func (s *Store) Touch(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.execWithRetry(ctx, `UPDATE jobs SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// RemoveJob deletes a job and, via cascade, all of its steps.
func (s *Store) RemoveJob(ctx context.Context, id string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates job state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case JobPendingUpload, JobQueued:
			health.Waiting += count
		case JobProcessing:
			health.Processing += count
		case JobCompleted, JobPartialComplete:
			health.Completed += count
		case JobFailed:
			health.Failed += count
		case JobCancelled:
			health.Cancelled += count
		}
	}
	return health, nil
}

const jobColumns = "id, workflow_id, status, source_language, target_language, input_ref, callback_endpoint, error_detail, callback_status, callback_sent_at, created_at, updated_at, started_at, completed_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id             string
		workflowID     string
		statusStr      string
		sourceLanguage sql.NullString
		targetLanguage sql.NullString
		inputRef       sql.NullString
		callbackURL    sql.NullString
		errorDetail    sql.NullString
		callbackStatus sql.NullString
		callbackSentAt sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
		startedRaw     sql.NullString
		completedRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&workflowID,
		&statusStr,
		&sourceLanguage,
		&targetLanguage,
		&inputRef,
		&callbackURL,
		&errorDetail,
		&callbackStatus,
		&callbackSentAt,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:               id,
		WorkflowID:       workflowID,
		Status:           JobStatus(statusStr),
		SourceLanguage:   sourceLanguage.String,
		TargetLanguage:   targetLanguage.String,
		InputRef:         inputRef.String,
		CallbackEndpoint: callbackURL.String,
		ErrorDetail:      errorDetail.String,
		CallbackStatus:   callbackStatus.String,
		CallbackSentAt:   timePtr(callbackSentAt),
		StartedAt:        timePtr(startedRaw),
		CompletedAt:      timePtr(completedRaw),
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}
