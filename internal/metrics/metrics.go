// Package metrics maintains the daily_metrics rollup: per-day job counts and
// average step timings, recomputed from the jobs and job_steps tables.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"speechflow/internal/jobstore"
	"speechflow/internal/logging"
)

// Service computes and schedules rollups.
type Service struct {
	store  *jobstore.Store
	logger *slog.Logger
	cron   *cron.Cron
}

// NewService builds a rollup service. Call Schedule to attach the cron job.
func NewService(store *jobstore.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger.With(logging.String(logging.FieldComponent, "metrics")),
	}
}

// RollupDay recomputes the rollup row for the given day and upserts it.
func (s *Service) RollupDay(ctx context.Context, day time.Time) (jobstore.DailyMetrics, error) {
	report, err := s.store.AggregateDay(ctx, day)
	if err != nil {
		return jobstore.DailyMetrics{}, fmt.Errorf("aggregate day: %w", err)
	}
	if err := s.store.UpsertDailyMetrics(ctx, report); err != nil {
		return jobstore.DailyMetrics{}, fmt.Errorf("store daily metrics: %w", err)
	}
	s.logger.Info("daily metrics rolled up",
		logging.String("metric_date", report.Date),
		logging.Int("total_jobs", report.TotalJobs))
	return report, nil
}

// Schedule runs RollupDay for the previous day on the given cron expression.
// The returned stop function halts the scheduler and waits for a running
// rollup to finish.
func (s *Service) Schedule(ctx context.Context, spec string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		yesterday := time.Now().UTC().AddDate(0, 0, -1)
		if _, rollErr := s.RollupDay(ctx, yesterday); rollErr != nil {
			s.logger.Error("daily rollup", logging.Error(rollErr))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid metrics schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	return func() { <-c.Stop().Done() }, nil
}
