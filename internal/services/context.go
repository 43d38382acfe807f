package services

import "context"

type contextKey string

const (
	jobIDKey contextKey = "job_id"
	stepKey  contextKey = "step_type"
	queueKey contextKey = "queue"
)

// WithJobID annotates the context with the job being processed.
func WithJobID(ctx context.Context, jobID string) context.Context {
	if jobID == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext extracts the job identifier when present.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(jobIDKey).(string)
	return id, ok && id != ""
}

// WithStep annotates the context with the workflow step type.
func WithStep(ctx context.Context, step string) context.Context {
	if step == "" {
		return ctx
	}
	return context.WithValue(ctx, stepKey, step)
}

// StepFromContext extracts the step type when present.
func StepFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	step, ok := ctx.Value(stepKey).(string)
	return step, ok && step != ""
}

// WithQueue annotates the context with the message queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	if queue == "" {
		return ctx
	}
	return context.WithValue(ctx, queueKey, queue)
}

// QueueFromContext extracts the queue name when present.
func QueueFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	queue, ok := ctx.Value(queueKey).(string)
	return queue, ok && queue != ""
}
