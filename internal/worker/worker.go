// Package worker runs the step execution loop shared by every worker
// variant: receive a dispatch, claim the step record, run the processor,
// persist the result document, and report the outcome as a job-event.
//
// The loop tolerates duplicate deliveries. The claim on the step record is
// the idempotency gate: a dispatch whose step is no longer pending is
// acknowledged and dropped without side effects.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"speechflow/internal/blobstore"
	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/logging"
	"speechflow/internal/messages"
	"speechflow/internal/msgbus"
	"speechflow/internal/services"
)

// Request is the unit of work handed to a Processor.
type Request struct {
	JobID          string
	StepType       jobstore.StepType
	SourceLanguage string
	TargetLanguage string
	// Inputs maps each input reference to its fetched payload, in dispatch
	// order.
	Inputs []Input
}

// Input pairs a blob reference with its payload.
type Input struct {
	Ref  string
	Data []byte
}

// Result is what a Processor produces. Document is stored in the results
// container; the remaining fields travel in the job-event summary.
type Result struct {
	Document           []byte
	Language           string
	LanguageConfidence float64
	WordCount          int
}

// Processor executes one step type.
type Processor interface {
	StepType() jobstore.StepType
	Process(ctx context.Context, req Request) (*Result, error)
}

// Runner consumes one step queue and drives a Processor.
type Runner struct {
	cfg      *config.Config
	store    *jobstore.Store
	bus      msgbus.Bus
	blobs    blobstore.Store
	proc     Processor
	logger   *slog.Logger
	identity string
	queue    string
}

// NewRunner wires a runner for the processor's step type. The queue is
// resolved from configuration.
func NewRunner(cfg *config.Config, store *jobstore.Store, bus msgbus.Bus, blobs blobstore.Store, proc Processor, logger *slog.Logger) (*Runner, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	queue, ok := cfg.QueueForStep(string(proc.StepType()))
	if !ok {
		return nil, fmt.Errorf("no queue configured for step type %s", proc.StepType())
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	identity := strings.TrimSpace(cfg.Daemon.WorkerIdentity)
	if identity == "" {
		identity = "worker"
	}
	identity = identity + ":" + string(proc.StepType())
	return &Runner{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		blobs:    blobs,
		proc:     proc,
		logger:   logger.With(logging.String(logging.FieldComponent, "worker"), logging.String(logging.FieldWorkerID, identity)),
		identity: identity,
		queue:    queue,
	}, nil
}

// Identity returns the worker identity recorded on claimed steps.
func (r *Runner) Identity() string { return r.identity }

// Queue returns the queue this runner consumes.
func (r *Runner) Queue() string { return r.queue }

// Run consumes the queue until ctx is cancelled. A dispatch in flight when
// cancellation arrives is finished and reported before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started", logging.String(logging.FieldQueue, r.queue))
	for {
		delivery, err := r.bus.Receive(ctx, r.queue)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("worker stopped")
				return nil
			}
			return fmt.Errorf("receive from %s: %w", r.queue, err)
		}
		// Finish the claimed step even if shutdown begins mid-flight.
		workCtx := services.WithQueue(context.WithoutCancel(ctx), r.queue)
		if err := r.HandleDelivery(workCtx, delivery); err != nil {
			r.logger.Error("handle dispatch", logging.Error(err))
			if nackErr := r.bus.Nack(workCtx, delivery, time.Second); nackErr != nil {
				r.logger.Error("nack dispatch", logging.Error(nackErr))
			}
			continue
		}
		if err := r.bus.Ack(workCtx, delivery); err != nil {
			r.logger.Error("ack dispatch", logging.Error(err))
		}
	}
}

// HandleDelivery decodes and executes one delivery. A nil return means the
// delivery is fully handled and must be acked; an error means infrastructure
// failed and the delivery should be redelivered.
func (r *Runner) HandleDelivery(ctx context.Context, d *msgbus.Delivery) error {
	dispatch, err := messages.DecodeDispatch(d.Body)
	if err != nil {
		// Malformed dispatches are dropped, not retried.
		r.logger.Warn("dropping malformed dispatch", logging.Error(err))
		return nil
	}
	return r.HandleDispatch(ctx, dispatch)
}

// HandleDispatch executes one dispatch against the store and processor.
func (r *Runner) HandleDispatch(ctx context.Context, dispatch messages.Dispatch) error {
	ctx = services.WithJobID(ctx, dispatch.JobID)
	ctx = services.WithStep(ctx, dispatch.StepType)
	log := logging.WithContext(ctx, r.logger)

	job, err := r.store.GetJob(ctx, dispatch.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		log.Warn("dropping dispatch for unknown job")
		return nil
	}
	if job.Status.IsTerminal() {
		log.Info("dropping dispatch for terminal job", logging.String("job_status", string(job.Status)))
		return nil
	}

	stepType, ok := jobstore.ParseStepType(dispatch.StepType)
	if !ok {
		log.Warn("dropping dispatch with unknown step type")
		return nil
	}
	step, err := r.store.GetStep(ctx, job.ID, stepType)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	if step == nil {
		log.Warn("dropping dispatch without step record")
		return nil
	}

	queueWait := queueWaitMS(dispatch, step)
	claimed, err := r.store.ClaimStep(ctx, job.ID, stepType, r.identity, queueWait)
	if err != nil {
		return fmt.Errorf("claim step: %w", err)
	}
	if !claimed {
		log.Info("dropping duplicate dispatch", logging.String("step_status", string(step.Status)))
		return nil
	}

	started := time.Now()
	result, procErr := r.execute(ctx, job, dispatch, stepType)
	elapsedMS := time.Since(started).Milliseconds()

	if procErr != nil {
		return r.reportFailure(ctx, log, job, stepType, procErr, elapsedMS)
	}
	return r.reportSuccess(ctx, log, job, stepType, result, elapsedMS)
}

func (r *Runner) execute(ctx context.Context, job *jobstore.Job, dispatch messages.Dispatch, stepType jobstore.StepType) (*Result, error) {
	req := Request{
		JobID:          job.ID,
		StepType:       stepType,
		SourceLanguage: dispatch.SourceLanguage,
		TargetLanguage: dispatch.TargetLanguage,
	}
	for _, ref := range dispatch.InputRefs {
		data, err := blobstore.GetRef(r.blobs, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch input %s: %w", ref, err)
		}
		req.Inputs = append(req.Inputs, Input{Ref: ref, Data: data})
	}
	return r.proc.Process(ctx, req)
}

func (r *Runner) reportSuccess(ctx context.Context, log *slog.Logger, job *jobstore.Job, stepType jobstore.StepType, result *Result, elapsedMS int64) error {
	if result == nil {
		result = &Result{}
	}
	key := fmt.Sprintf("%s_%s.json", job.ID, stepType)
	ref, err := r.blobs.Put(r.cfg.Storage.ResultsContainer, key, result.Document)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	done, err := r.store.CompleteStep(ctx, job.ID, stepType, jobstore.StepOutcome{
		ResultLocation:     ref,
		DetectedLanguage:   result.Language,
		LanguageConfidence: result.LanguageConfidence,
		TranscriptWords:    result.WordCount,
		ProcessingMS:       elapsedMS,
	})
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if !done {
		log.Warn("step no longer processing, skipping event")
		return nil
	}

	event := messages.JobEvent{
		JobID:         job.ID,
		CompletedStep: string(stepType),
		Outcome:       messages.OutcomeSuccess,
		WorkerID:      r.identity,
		ProcessingMS:  elapsedMS,
		Result: &messages.StepResult{
			ResultLocation:     ref,
			Language:           result.Language,
			LanguageConfidence: result.LanguageConfidence,
			WordCount:          result.WordCount,
		},
	}
	if err := r.publishEvent(ctx, event); err != nil {
		return err
	}
	log.Info("step completed",
		logging.Int64("processing_ms", elapsedMS),
		logging.String("result_location", ref))
	return nil
}

func (r *Runner) reportFailure(ctx context.Context, log *slog.Logger, job *jobstore.Job, stepType jobstore.StepType, procErr error, elapsedMS int64) error {
	detail := procErr.Error()
	if services.IsPermanent(procErr) {
		detail = "permanent: " + detail
	}
	failed, err := r.store.FailStep(ctx, job.ID, stepType, detail, elapsedMS)
	if err != nil {
		return fmt.Errorf("fail step: %w", err)
	}
	if !failed {
		log.Warn("step no longer processing, skipping failure event")
		return nil
	}

	event := messages.JobEvent{
		JobID:         job.ID,
		CompletedStep: string(stepType),
		Outcome:       messages.OutcomeFailure,
		ErrorDetail:   detail,
		WorkerID:      r.identity,
		ProcessingMS:  elapsedMS,
	}
	if err := r.publishEvent(ctx, event); err != nil {
		return err
	}
	log.Warn("step failed", logging.Error(procErr), logging.Int64("processing_ms", elapsedMS))
	return nil
}

func (r *Runner) publishEvent(ctx context.Context, event messages.JobEvent) error {
	body, err := messages.Encode(event)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(ctx, r.cfg.Queues.JobEvents, body); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

func queueWaitMS(dispatch messages.Dispatch, step *jobstore.Step) int64 {
	queuedAt := dispatch.QueuedAt
	if queuedAt.IsZero() && step.QueuedAt != nil {
		queuedAt = *step.QueuedAt
	}
	if queuedAt.IsZero() {
		return 0
	}
	wait := time.Since(queuedAt).Milliseconds()
	if wait < 0 {
		return 0
	}
	return wait
}
