package jobstore_test

import (
	"context"
	"testing"

	"speechflow/internal/jobstore"
	"speechflow/internal/testsupport"
)

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	return testsupport.MustOpenStore(t, cfg)
}

func TestCreateJobStartsPendingUpload(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	job, err := store.CreateJob(ctx, jobstore.NewJobParams{
		WorkflowID:     "full_pipeline",
		TargetLanguage: "es",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if job.Status != jobstore.JobPendingUpload {
		t.Fatalf("expected pending_upload, got %s", job.Status)
	}
	if job.ID == "" {
		t.Fatal("expected generated id")
	}

	loaded, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if loaded == nil || loaded.TargetLanguage != "es" {
		t.Fatalf("unexpected loaded job %+v", loaded)
	}
}

func TestGetJobReturnsNilForUnknownID(t *testing.T) {
	store := newStore(t)
	job, err := store.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil, got %+v", job)
	}
}

func TestJobLifecycleTransitions(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})

	// Start before upload is rejected.
	if ok, err := store.StartJob(ctx, job.ID); err != nil || ok {
		t.Fatalf("start before upload: ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkJobUploaded(ctx, job.ID, "raw-audio/in"); err != nil || !ok {
		t.Fatalf("mark uploaded: ok=%v err=%v", ok, err)
	}
	// Second upload notification is a no-op.
	if ok, _ := store.MarkJobUploaded(ctx, job.ID, "raw-audio/in"); ok {
		t.Fatal("expected duplicate upload to be rejected")
	}
	if ok, err := store.StartJob(ctx, job.ID); err != nil || !ok {
		t.Fatalf("start job: ok=%v err=%v", ok, err)
	}
	loaded, _ := store.GetJob(ctx, job.ID)
	if loaded.Status != jobstore.JobProcessing || loaded.StartedAt == nil {
		t.Fatalf("unexpected started job %+v", loaded)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})

	if ok, err := store.CompleteJob(ctx, job.ID, jobstore.JobCompleted, ""); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	// A later terminal transition loses the race and reports it.
	if ok, err := store.CompleteJob(ctx, job.ID, jobstore.JobFailed, "late"); err != nil || ok {
		t.Fatalf("expected terminal stickiness: ok=%v err=%v", ok, err)
	}
	loaded, _ := store.GetJob(ctx, job.ID)
	if loaded.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed to stick, got %s", loaded.Status)
	}
}

func TestCancelOnlyBeforeProcessing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	early, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if ok, err := store.CancelJob(ctx, early.ID); err != nil || !ok {
		t.Fatalf("cancel pending_upload: ok=%v err=%v", ok, err)
	}

	late, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, err := store.MarkJobUploaded(ctx, late.ID, "raw-audio/in"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := store.StartJob(ctx, late.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ok, err := store.CancelJob(ctx, late.ID); err != nil || ok {
		t.Fatalf("expected cancel of processing job to fail: ok=%v err=%v", ok, err)
	}
}

func TestEnsureStepIsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})

	step, created, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if err != nil {
		t.Fatalf("ensure step: %v", err)
	}
	if !created || step == nil || step.Status != jobstore.StepPending {
		t.Fatalf("unexpected first ensure: created=%v step=%+v", created, step)
	}

	again, created, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("expected second ensure to be a no-op")
	}
	if again.ID != step.ID {
		t.Fatal("expected the same step record")
	}

	steps, err := store.StepsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("steps for job: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected exactly one step record, got %d", len(steps))
	}
}

func TestClaimStepIsExclusive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, _, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	claimed, err := store.ClaimStep(ctx, job.ID, jobstore.StepDetectLanguage, "worker-a", 50)
	if err != nil || !claimed {
		t.Fatalf("first claim: ok=%v err=%v", claimed, err)
	}
	claimed, err = store.ClaimStep(ctx, job.ID, jobstore.StepDetectLanguage, "worker-b", 60)
	if err != nil || claimed {
		t.Fatalf("expected second claim to lose: ok=%v err=%v", claimed, err)
	}

	step, _ := store.GetStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if step.WorkerIdentity != "worker-a" {
		t.Fatalf("expected worker-a to own the step, got %q", step.WorkerIdentity)
	}
	if step.QueueWaitMS != 50 {
		t.Fatalf("expected queue wait 50, got %d", step.QueueWaitMS)
	}
	if step.StartedAt == nil {
		t.Fatal("expected started_at on claim")
	}
}

func TestCompleteStepRequiresProcessing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, _, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Completing a pending step is refused.
	done, err := store.CompleteStep(ctx, job.ID, jobstore.StepDetectLanguage, jobstore.StepOutcome{})
	if err != nil || done {
		t.Fatalf("expected pending completion to fail: ok=%v err=%v", done, err)
	}

	if _, err := store.ClaimStep(ctx, job.ID, jobstore.StepDetectLanguage, "w", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err = store.CompleteStep(ctx, job.ID, jobstore.StepDetectLanguage, jobstore.StepOutcome{
		ResultLocation:     "results/r.json",
		DetectedLanguage:   "en",
		LanguageConfidence: 0.93,
		TranscriptWords:    42,
		ProcessingMS:       250,
	})
	if err != nil || !done {
		t.Fatalf("complete: ok=%v err=%v", done, err)
	}

	step, _ := store.GetStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if step.Status != jobstore.StepCompleted || step.ResultLocation != "results/r.json" {
		t.Fatalf("unexpected completed step %+v", step)
	}
	if step.DetectedLanguage != "en" || step.TranscriptWords != 42 || step.ProcessingMS != 250 {
		t.Fatalf("metrics not recorded: %+v", step)
	}

	// Duplicate completion is absorbed.
	done, err = store.CompleteStep(ctx, job.ID, jobstore.StepDetectLanguage, jobstore.StepOutcome{})
	if err != nil || done {
		t.Fatalf("expected duplicate completion to be a no-op: ok=%v err=%v", done, err)
	}
}

func TestFailAndResetStepForRetry(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, _, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.ClaimStep(ctx, job.ID, jobstore.StepDetectLanguage, "w", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed, err := store.FailStep(ctx, job.ID, jobstore.StepDetectLanguage, "model exploded", 120)
	if err != nil || !failed {
		t.Fatalf("fail step: ok=%v err=%v", failed, err)
	}
	step, _ := store.GetStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if step.Status != jobstore.StepFailed || step.ErrorDetail != "model exploded" {
		t.Fatalf("unexpected failed step %+v", step)
	}

	reset, err := store.ResetStepForRetry(ctx, job.ID, jobstore.StepDetectLanguage)
	if err != nil || !reset {
		t.Fatalf("reset: ok=%v err=%v", reset, err)
	}
	step, _ = store.GetStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if step.Status != jobstore.StepPending {
		t.Fatalf("expected pending after reset, got %s", step.Status)
	}
	if step.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", step.RetryCount)
	}
	if step.WorkerIdentity != "" || step.StartedAt != nil || step.CompletedAt != nil {
		t.Fatalf("expected execution state cleared, got %+v", step)
	}

	// Resetting a step that is not failed is a no-op.
	reset, err = store.ResetStepForRetry(ctx, job.ID, jobstore.StepDetectLanguage)
	if err != nil || reset {
		t.Fatalf("expected duplicate reset to be a no-op: ok=%v err=%v", reset, err)
	}
}

func TestResumeFailedJobClearsFailureState(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, err := store.MarkJobUploaded(ctx, job.ID, "raw-audio/in"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := store.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.ClaimStep(ctx, job.ID, jobstore.StepDetectLanguage, "w", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.FailStep(ctx, job.ID, jobstore.StepDetectLanguage, "boom", 10); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := store.CompleteJob(ctx, job.ID, jobstore.JobFailed, "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	resumed, err := store.ResumeFailedJob(ctx, job.ID)
	if err != nil || !resumed {
		t.Fatalf("resume: ok=%v err=%v", resumed, err)
	}
	loaded, _ := store.GetJob(ctx, job.ID)
	if loaded.Status != jobstore.JobProcessing || loaded.ErrorDetail != "" {
		t.Fatalf("unexpected resumed job %+v", loaded)
	}
	step, _ := store.GetStep(ctx, job.ID, jobstore.StepDetectLanguage)
	if step.Status != jobstore.StepPending || step.RetryCount != 0 {
		t.Fatalf("expected fresh pending step, got %+v", step)
	}

	// Resuming a non-failed job is refused.
	resumed, err = store.ResumeFailedJob(ctx, job.ID)
	if err != nil || resumed {
		t.Fatalf("expected resume of processing job to fail: ok=%v err=%v", resumed, err)
	}
}

func TestStatsAndHealth(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, err := store.CompleteJob(ctx, first.ID, jobstore.JobCompleted, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, err := store.CancelJob(ctx, second.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[jobstore.JobCompleted] != 1 || stats[jobstore.JobCancelled] != 1 || stats[jobstore.JobPendingUpload] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Total != 3 || health.Completed != 1 || health.Cancelled != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestRemoveJobCascadesSteps(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	job, _ := store.CreateJob(ctx, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, _, err := store.EnsureStep(ctx, job.ID, jobstore.StepDetectLanguage); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	removed, err := store.RemoveJob(ctx, job.ID)
	if err != nil || !removed {
		t.Fatalf("remove: ok=%v err=%v", removed, err)
	}
	steps, err := store.StepsForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("expected cascade delete, got %d steps", len(steps))
	}
}
