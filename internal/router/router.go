// Package router is the orchestrator: it consumes job-events, advances each
// job's workflow one step at a time, owns the retry budget, and fires the
// terminal callback.
//
// Every event is handled as one logical transaction built from conditional
// single-row updates, so redelivered events and concurrent routers converge
// on the same state. Malformed events and unknown identifiers are dropped,
// never retried.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"speechflow/internal/callback"
	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/logging"
	"speechflow/internal/messages"
	"speechflow/internal/msgbus"
	"speechflow/internal/services"
	"speechflow/internal/workflow"
)

// Router drives jobs through their workflows.
type Router struct {
	cfg      *config.Config
	store    *jobstore.Store
	bus      msgbus.Bus
	notifier callback.Notifier
	logger   *slog.Logger
}

// New wires a router. A nil notifier disables callbacks.
func New(cfg *config.Config, store *jobstore.Store, bus msgbus.Bus, notifier callback.Notifier, logger *slog.Logger) *Router {
	if notifier == nil {
		notifier = callback.NopNotifier{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Router{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(logging.String(logging.FieldComponent, "router")),
	}
}

// Run consumes the job-events queue until ctx is cancelled. An event in
// flight when cancellation arrives is finished before Run returns.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router started", logging.String(logging.FieldQueue, r.cfg.Queues.JobEvents))
	for {
		delivery, err := r.bus.Receive(ctx, r.cfg.Queues.JobEvents)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("router stopped")
				return nil
			}
			return fmt.Errorf("receive job event: %w", err)
		}
		workCtx := services.WithQueue(context.WithoutCancel(ctx), r.cfg.Queues.JobEvents)
		if err := r.HandleDelivery(workCtx, delivery); err != nil {
			r.logger.Error("handle job event", logging.Error(err))
			if nackErr := r.bus.Nack(workCtx, delivery, time.Second); nackErr != nil {
				r.logger.Error("nack job event", logging.Error(nackErr))
			}
			continue
		}
		if err := r.bus.Ack(workCtx, delivery); err != nil {
			r.logger.Error("ack job event", logging.Error(err))
		}
	}
}

// HandleDelivery decodes and routes one delivery. A nil return means the
// delivery is handled and must be acked; an error means infrastructure
// failed and the delivery should be redelivered.
func (r *Router) HandleDelivery(ctx context.Context, d *msgbus.Delivery) error {
	event, err := messages.DecodeJobEvent(d.Body)
	if err != nil {
		r.logger.Warn("dropping malformed job event", logging.Error(err))
		return nil
	}
	return r.HandleEvent(ctx, event)
}

// HandleEvent routes one job-event.
func (r *Router) HandleEvent(ctx context.Context, event messages.JobEvent) error {
	ctx = services.WithJobID(ctx, event.JobID)
	log := logging.WithContext(ctx, r.logger)

	job, err := r.store.GetJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		log.Warn("dropping event for unknown job")
		return nil
	}
	if job.Status.IsTerminal() {
		log.Info("dropping event for terminal job", logging.String("job_status", string(job.Status)))
		return nil
	}

	steps, err := r.store.StepsForJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load steps: %w", err)
	}

	if event.IsInitial() {
		if err := r.startJob(ctx, log, job); err != nil {
			return err
		}
	} else {
		stepType, ok := jobstore.ParseStepType(event.CompletedStep)
		if !ok {
			log.Warn("dropping event with unknown step type",
				logging.String(logging.FieldStepType, event.CompletedStep))
			return nil
		}
		step := steps[stepType]
		if step == nil {
			log.Warn("dropping event for unknown step record",
				logging.String(logging.FieldStepType, string(stepType)))
			return nil
		}
		if event.Outcome == messages.OutcomeFailure {
			if err := r.handleFailure(ctx, log, job, step); err != nil {
				return err
			}
			// The failure path never reaches the shared touch below.
			if err := r.store.Touch(ctx, job.ID); err != nil {
				log.Warn("touch job", logging.Error(err))
			}
			return nil
		}
		job, err = r.absorbSuccess(ctx, log, job, event, step)
		if err != nil {
			return err
		}
	}

	if err := r.advance(ctx, log, job, steps); err != nil {
		return err
	}
	if err := r.store.Touch(ctx, job.ID); err != nil {
		log.Warn("touch job", logging.Error(err))
	}
	return nil
}

// startJob moves a freshly uploaded job into processing. A duplicate initial
// event finds the job already processing and is harmless.
func (r *Router) startJob(ctx context.Context, log *slog.Logger, job *jobstore.Job) error {
	started, err := r.store.StartJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if started {
		job.Status = jobstore.JobProcessing
		log.Info("job started", logging.String("workflow_id", job.WorkflowID))
	}
	return nil
}

// absorbSuccess records the side effects of a successful step before the
// workflow advances, notably the detected source language. It returns the
// job, reloaded when those side effects changed it.
func (r *Router) absorbSuccess(ctx context.Context, log *slog.Logger, job *jobstore.Job, event messages.JobEvent, step *jobstore.Step) (*jobstore.Job, error) {
	if step.Status != jobstore.StepCompleted {
		log.Info("success event for step not completed, advancing on stored state",
			logging.String(logging.FieldStepType, string(step.StepType)),
			logging.String("step_status", string(step.Status)))
		return job, nil
	}
	if step.StepType != jobstore.StepDetectLanguage {
		return job, nil
	}
	detected := step.DetectedLanguage
	if detected == "" && event.Result != nil {
		detected = event.Result.Language
	}
	if detected == "" || job.SourceLanguage != "" {
		return job, nil
	}
	if err := r.store.SetJobSourceLanguage(ctx, job.ID, detected); err != nil {
		return job, fmt.Errorf("set source language: %w", err)
	}
	refreshed, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, fmt.Errorf("reload job: %w", err)
	}
	if refreshed != nil {
		job = refreshed
	}
	log.Info("source language detected", logging.String("language", detected))
	return job, nil
}

// handleFailure applies the retry budget to a failed step.
func (r *Router) handleFailure(ctx context.Context, log *slog.Logger, job *jobstore.Job, step *jobstore.Step) error {
	ctx = services.WithStep(ctx, string(step.StepType))
	log = logging.WithContext(ctx, r.logger)
	if step.Status != jobstore.StepFailed {
		// A redelivered failure event; the step was already reset or
		// completed by a previous delivery.
		log.Info("dropping stale failure event", logging.String("step_status", string(step.Status)))
		return nil
	}

	if step.RetryCount < r.cfg.Orchestration.MaxRetries {
		reset, err := r.store.ResetStepForRetry(ctx, job.ID, step.StepType)
		if err != nil {
			return fmt.Errorf("reset step for retry: %w", err)
		}
		if !reset {
			log.Info("dropping duplicate retry request")
			return nil
		}
		log.Warn("retrying failed step",
			logging.Int("retry_count", step.RetryCount+1),
			logging.Int("max_retries", r.cfg.Orchestration.MaxRetries))
		retryDelay := time.Duration(r.cfg.Queues.RetryDelaySeconds) * time.Second
		return r.dispatch(ctx, log, job, step.StepType, retryDelay)
	}

	log.Warn("retry budget exhausted",
		logging.Int("retry_count", step.RetryCount),
		logging.String("error_detail", step.ErrorDetail))
	return r.finishJob(ctx, log, job, jobstore.JobFailed, step.ErrorDetail)
}

// advance dispatches the next runnable step, or completes the job when the
// workflow is exhausted.
func (r *Router) advance(ctx context.Context, log *slog.Logger, job *jobstore.Job, steps map[jobstore.StepType]*jobstore.Step) error {
	specs, err := workflow.StepsFor(job.WorkflowID)
	if err != nil {
		log.Warn("dropping event for unknown workflow", logging.String("workflow_id", job.WorkflowID))
		return nil
	}

	for _, spec := range specs {
		if spec.Skip != nil && spec.Skip(job) {
			continue
		}
		step := steps[spec.Type]
		if step == nil {
			created, _, ensureErr := r.ensureStep(ctx, job, spec.Type)
			if ensureErr != nil {
				return ensureErr
			}
			if created {
				log.Info("step created", logging.String(logging.FieldStepType, string(spec.Type)))
			}
			return r.dispatch(ctx, log, job, spec.Type, 0)
		}
		switch step.Status {
		case jobstore.StepCompleted:
			continue
		case jobstore.StepPending:
			// Duplicate-delivery safety: re-dispatching a pending step is
			// harmless, the worker's claim absorbs the extra message.
			return r.dispatch(ctx, log, job, spec.Type, 0)
		case jobstore.StepProcessing:
			return nil
		case jobstore.StepFailed:
			// The failure path owns this step; nothing to advance.
			return nil
		}
	}

	if status := workflow.DeriveJobStatus(job, steps); status != jobstore.JobCompleted {
		log.Warn("workflow exhausted but steps not all completed",
			logging.String("derived_status", string(status)))
		return nil
	}
	return r.finishJob(ctx, log, job, jobstore.JobCompleted, "")
}

func (r *Router) ensureStep(ctx context.Context, job *jobstore.Job, stepType jobstore.StepType) (bool, *jobstore.Step, error) {
	step, created, err := r.store.EnsureStep(ctx, job.ID, stepType)
	if err != nil {
		return false, nil, fmt.Errorf("ensure step: %w", err)
	}
	return created, step, nil
}

// dispatch publishes a step dispatch after re-checking that the job was not
// cancelled since the event was loaded.
func (r *Router) dispatch(ctx context.Context, log *slog.Logger, job *jobstore.Job, stepType jobstore.StepType, delay time.Duration) error {
	current, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload job before dispatch: %w", err)
	}
	if current == nil || current.Status.IsTerminal() {
		log.Info("skipping dispatch for terminal job")
		return nil
	}

	queue, ok := r.cfg.QueueForStep(string(stepType))
	if !ok {
		return fmt.Errorf("no queue configured for step type %s", stepType)
	}

	steps, err := r.store.StepsForJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load steps for dispatch: %w", err)
	}
	dispatch := messages.Dispatch{
		JobID:          current.ID,
		StepType:       string(stepType),
		SourceLanguage: current.SourceLanguage,
		TargetLanguage: current.TargetLanguage,
		InputRefs:      inputRefsFor(current, steps, stepType),
		QueuedAt:       time.Now().UTC(),
	}
	body, err := messages.Encode(dispatch)
	if err != nil {
		return err
	}

	if delay > 0 {
		err = r.bus.PublishAfter(ctx, queue, body, delay)
	} else {
		err = r.bus.Publish(ctx, queue, body)
	}
	if err != nil {
		return fmt.Errorf("publish dispatch: %w", err)
	}
	log.Info("step dispatched",
		logging.String(logging.FieldStepType, string(stepType)),
		logging.String(logging.FieldQueue, queue))
	return nil
}

// finishJob moves the job to a terminal status and fires the callback
// exactly once, on whichever delivery wins the terminal transition.
func (r *Router) finishJob(ctx context.Context, log *slog.Logger, job *jobstore.Job, status jobstore.JobStatus, errorDetail string) error {
	first, err := r.store.CompleteJob(ctx, job.ID, status, errorDetail)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !first {
		log.Info("job already terminal, skipping callback")
		return nil
	}
	log.Info("job finished", logging.String("job_status", string(status)))

	final, err := r.store.GetJob(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("reload finished job: %w", err)
	}
	if final == nil {
		return nil
	}
	callbackStatus := r.notifier.Notify(ctx, final)
	if err := r.store.RecordCallback(ctx, final.ID, callbackStatus); err != nil {
		log.Warn("record callback status", logging.Error(err))
	}
	return nil
}

// inputRefsFor resolves a step's inputs by naming convention: raw upload for
// the first processing steps, the most recent transcript document after.
func inputRefsFor(job *jobstore.Job, steps map[jobstore.StepType]*jobstore.Step, stepType jobstore.StepType) []string {
	completedResult := func(t jobstore.StepType) string {
		if step := steps[t]; step != nil && step.Status == jobstore.StepCompleted {
			return step.ResultLocation
		}
		return ""
	}

	switch stepType {
	case jobstore.StepDetectLanguage, jobstore.StepTranscribe:
		if job.InputRef != "" {
			return []string{job.InputRef}
		}
		return nil
	case jobstore.StepTranslate:
		if ref := completedResult(jobstore.StepTranscribe); ref != "" {
			return []string{ref}
		}
	case jobstore.StepSummarize:
		if ref := completedResult(jobstore.StepTranslate); ref != "" {
			return []string{ref}
		}
		if ref := completedResult(jobstore.StepTranscribe); ref != "" {
			return []string{ref}
		}
	}
	if job.InputRef != "" {
		return []string{job.InputRef}
	}
	return nil
}
