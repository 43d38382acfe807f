package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DailyMetrics is one row of the daily_metrics rollup table.
type DailyMetrics struct {
	Date            string
	TotalJobs       int
	CompletedJobs   int
	FailedJobs      int
	CancelledJobs   int
	AvgQueueWaitMS  int64
	AvgProcessingMS int64
	ComputedAt      time.Time
}

// AggregateDay computes the rollup for the given day from the jobs and
// job_steps tables. Jobs are bucketed by creation date, step timings by
// completion date.
func (s *Store) AggregateDay(ctx context.Context, day time.Time) (DailyMetrics, error) {
	ctx = ensureContext(ctx)
	date := day.UTC().Format("2006-01-02")
	metrics := DailyMetrics{Date: date}

	var completed, failed, cancelled sql.NullInt64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(1),
                SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
                SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
                SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
         FROM jobs WHERE substr(created_at, 1, 10) = ?`,
		JobCompleted, JobFailed, JobCancelled, date,
	).Scan(&metrics.TotalJobs, &completed, &failed, &cancelled)
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("aggregate job counts: %w", err)
	}
	metrics.CompletedJobs = int(completed.Int64)
	metrics.FailedJobs = int(failed.Int64)
	metrics.CancelledJobs = int(cancelled.Int64)

	var avgWait, avgProcessing sql.NullFloat64
	err = s.db.QueryRowContext(
		ctx,
		`SELECT AVG(queue_wait_ms), AVG(processing_ms)
         FROM job_steps
         WHERE status = ? AND completed_at IS NOT NULL AND substr(completed_at, 1, 10) = ?`,
		StepCompleted, date,
	).Scan(&avgWait, &avgProcessing)
	if err != nil {
		return DailyMetrics{}, fmt.Errorf("aggregate step timings: %w", err)
	}
	metrics.AvgQueueWaitMS = int64(avgWait.Float64)
	metrics.AvgProcessingMS = int64(avgProcessing.Float64)
	return metrics, nil
}

// UpsertDailyMetrics writes a rollup row, replacing any previous computation
// for the same day.
func (s *Store) UpsertDailyMetrics(ctx context.Context, m DailyMetrics) error {
	if m.Date == "" {
		return errors.New("metric date is required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO daily_metrics (
            metric_date, total_jobs, completed_jobs, failed_jobs,
            cancelled_jobs, avg_queue_wait_ms, avg_processing_ms, computed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(metric_date) DO UPDATE SET
            total_jobs = excluded.total_jobs,
            completed_jobs = excluded.completed_jobs,
            failed_jobs = excluded.failed_jobs,
            cancelled_jobs = excluded.cancelled_jobs,
            avg_queue_wait_ms = excluded.avg_queue_wait_ms,
            avg_processing_ms = excluded.avg_processing_ms,
            computed_at = excluded.computed_at`,
		m.Date,
		m.TotalJobs,
		m.CompletedJobs,
		m.FailedJobs,
		m.CancelledJobs,
		m.AvgQueueWaitMS,
		m.AvgProcessingMS,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert daily metrics: %w", err)
	}
	return nil
}

// GetDailyMetrics reads one rollup row, nil when the day was never computed.
func (s *Store) GetDailyMetrics(ctx context.Context, date string) (*DailyMetrics, error) {
	ctx = ensureContext(ctx)
	var (
		m          DailyMetrics
		computedAt string
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT metric_date, total_jobs, completed_jobs, failed_jobs,
                cancelled_jobs, COALESCE(avg_queue_wait_ms, 0),
                COALESCE(avg_processing_ms, 0), computed_at
         FROM daily_metrics WHERE metric_date = ?`,
		date,
	).Scan(&m.Date, &m.TotalJobs, &m.CompletedJobs, &m.FailedJobs,
		&m.CancelledJobs, &m.AvgQueueWaitMS, &m.AvgProcessingMS, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily metrics: %w", err)
	}
	if t, parseErr := parseTimeString(computedAt); parseErr == nil {
		m.ComputedAt = t
	}
	return &m, nil
}
