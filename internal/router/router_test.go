package router

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"speechflow/internal/blobstore"
	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/messages"
	"speechflow/internal/msgbus"
	"speechflow/internal/testsupport"
	"speechflow/internal/worker"
	"speechflow/internal/worker/processors"
)

// recordingNotifier counts terminal callbacks.
type recordingNotifier struct {
	mu     sync.Mutex
	calls  int
	status []string
}

func (n *recordingNotifier) Notify(_ context.Context, job *jobstore.Job) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.status = append(n.status, string(job.Status))
	return "sent"
}

// flakyProcessor fails a configured number of times before delegating.
type flakyProcessor struct {
	inner    worker.Processor
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyProcessor) StepType() jobstore.StepType { return p.inner.StepType() }

func (p *flakyProcessor) Process(ctx context.Context, req worker.Request) (*worker.Result, error) {
	p.mu.Lock()
	p.calls++
	fail := p.calls <= p.failures
	p.mu.Unlock()
	if fail {
		return nil, errors.New("transient inference failure")
	}
	return p.inner.Process(ctx, req)
}

type pipeline struct {
	cfg      *config.Config
	store    *jobstore.Store
	bus      *msgbus.MemoryBus
	blobs    *blobstore.FileStore
	router   *Router
	runners  map[string]*worker.Runner
	notifier *recordingNotifier
}

func newPipeline(t *testing.T, procs ...worker.Processor) *pipeline {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	bus := testsupport.MustOpenBus(t)
	blobs := testsupport.MustOpenBlobs(t, cfg)
	notifier := &recordingNotifier{}

	p := &pipeline{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		blobs:    blobs,
		notifier: notifier,
		router:   New(cfg, store, bus, notifier, nil),
		runners:  make(map[string]*worker.Runner),
	}
	for _, proc := range procs {
		runner, err := worker.NewRunner(cfg, store, bus, blobs, proc, nil)
		if err != nil {
			t.Fatalf("build runner: %v", err)
		}
		p.runners[runner.Queue()] = runner
	}
	return p
}

func (p *pipeline) tryReceive(queue string) *msgbus.Delivery {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d, err := p.bus.Receive(ctx, queue)
	if err != nil {
		return nil
	}
	return d
}

// pump drains events and dispatches synchronously until the system is idle.
func (p *pipeline) pump(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		progressed := false
		if d := p.tryReceive(p.cfg.Queues.JobEvents); d != nil {
			if err := p.router.HandleDelivery(ctx, d); err != nil {
				t.Fatalf("handle event: %v", err)
			}
			if err := p.bus.Ack(ctx, d); err != nil {
				t.Fatalf("ack event: %v", err)
			}
			progressed = true
		}
		for queue, runner := range p.runners {
			if d := p.tryReceive(queue); d != nil {
				if err := runner.HandleDelivery(ctx, d); err != nil {
					t.Fatalf("handle dispatch on %s: %v", queue, err)
				}
				if err := p.bus.Ack(ctx, d); err != nil {
					t.Fatalf("ack dispatch: %v", err)
				}
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
	t.Fatal("pipeline did not quiesce")
}

// submit creates a job, uploads its input, and publishes the initial event.
func (p *pipeline) submit(t *testing.T, params jobstore.NewJobParams, input string) *jobstore.Job {
	t.Helper()
	job := testsupport.MustCreateJob(t, p.store, params)
	testsupport.MustUploadInput(t, p.store, p.blobs, p.cfg, job, []byte(input))
	body, err := messages.Encode(messages.JobEvent{JobID: job.ID})
	if err != nil {
		t.Fatalf("encode initial event: %v", err)
	}
	if err := p.bus.Publish(context.Background(), p.cfg.Queues.JobEvents, body); err != nil {
		t.Fatalf("publish initial event: %v", err)
	}
	return job
}

func (p *pipeline) job(t *testing.T, id string) *jobstore.Job {
	t.Helper()
	job, err := p.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s missing", id)
	}
	return job
}

func (p *pipeline) steps(t *testing.T, id string) map[jobstore.StepType]*jobstore.Step {
	t.Helper()
	steps, err := p.store.StepsForJob(context.Background(), id)
	if err != nil {
		t.Fatalf("steps for job: %v", err)
	}
	return steps
}

func TestDetectOnlyRunsToCompletion(t *testing.T) {
	p := newPipeline(t, processors.DetectLanguage{})
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "detect_only"},
		"the quick brown fox jumps over the lazy dog and it is fine")
	p.pump(t)

	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorDetail)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Fatal("expected started_at and completed_at to be set")
	}

	steps := p.steps(t, job.ID)
	step := steps[jobstore.StepDetectLanguage]
	if step == nil || step.Status != jobstore.StepCompleted {
		t.Fatalf("expected completed detect step, got %+v", step)
	}
	if step.DetectedLanguage != "en" {
		t.Fatalf("expected detected language en, got %q", step.DetectedLanguage)
	}
	if step.ResultLocation == "" {
		t.Fatal("expected a result location")
	}
	data, err := p.store.GetJob(context.Background(), job.ID)
	if err != nil || data == nil {
		t.Fatalf("reload job: %v", err)
	}
	if data.SourceLanguage != "en" {
		t.Fatalf("expected job source language en, got %q", data.SourceLanguage)
	}
	if p.notifier.calls != 1 {
		t.Fatalf("expected exactly one callback, got %d", p.notifier.calls)
	}
	if data.CallbackStatus != "sent" {
		t.Fatalf("expected recorded callback status sent, got %q", data.CallbackStatus)
	}
}

func TestTranscribeRetryThenRecover(t *testing.T) {
	flaky := &flakyProcessor{inner: processors.Transcribe{}, failures: 1}
	p := newPipeline(t, flaky)
	p.cfg.Orchestration.MaxRetries = 2

	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "transcribe_only", SourceLanguage: "en"},
		"hello world this works")
	p.pump(t)

	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorDetail)
	}
	step := p.steps(t, job.ID)[jobstore.StepTranscribe]
	if step == nil || step.Status != jobstore.StepCompleted {
		t.Fatalf("expected completed transcribe step, got %+v", step)
	}
	if step.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", step.RetryCount)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected 2 processor invocations, got %d", flaky.calls)
	}
}

func TestRetryBudgetExhaustionFailsJobOnce(t *testing.T) {
	flaky := &flakyProcessor{inner: processors.Transcribe{}, failures: 100}
	p := newPipeline(t, flaky)
	p.cfg.Orchestration.MaxRetries = 2

	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "transcribe_only", SourceLanguage: "en"},
		"hello world")
	p.pump(t)

	final := p.job(t, job.ID)
	if final.Status != jobstore.JobFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorDetail == "" {
		t.Fatal("expected error detail on failed job")
	}
	step := p.steps(t, job.ID)[jobstore.StepTranscribe]
	if step == nil || step.Status != jobstore.StepFailed {
		t.Fatalf("expected failed step, got %+v", step)
	}
	if step.RetryCount != 2 {
		t.Fatalf("expected retry_count bounded at 2, got %d", step.RetryCount)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts (initial + 2 retries), got %d", flaky.calls)
	}
	if p.notifier.calls != 1 {
		t.Fatalf("expected exactly one failure callback, got %d", p.notifier.calls)
	}
}

func TestFullPipelineSkipsRedundantTranslate(t *testing.T) {
	p := newPipeline(t,
		processors.DetectLanguage{},
		processors.Transcribe{},
		processors.Translate{},
		processors.Summarize{},
	)
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "full_pipeline", TargetLanguage: "en"},
		"the story begins here. the middle part is long. the end is near. extra words follow.")
	p.pump(t)

	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorDetail)
	}
	steps := p.steps(t, job.ID)
	if steps[jobstore.StepTranslate] != nil {
		t.Fatal("expected translate step to be skipped for matching languages")
	}
	for _, stepType := range []jobstore.StepType{jobstore.StepDetectLanguage, jobstore.StepTranscribe, jobstore.StepSummarize} {
		step := steps[stepType]
		if step == nil || step.Status != jobstore.StepCompleted {
			t.Fatalf("expected completed %s step, got %+v", stepType, step)
		}
	}
}

func TestFullPipelineRunsTranslateForDifferentTarget(t *testing.T) {
	p := newPipeline(t,
		processors.DetectLanguage{},
		processors.Transcribe{},
		processors.Translate{},
		processors.Summarize{},
	)
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "full_pipeline", TargetLanguage: "es"},
		"the story begins here and the words are plainly english.")
	p.pump(t)

	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorDetail)
	}
	step := p.steps(t, job.ID)[jobstore.StepTranslate]
	if step == nil || step.Status != jobstore.StepCompleted {
		t.Fatalf("expected completed translate step, got %+v", step)
	}
}

func TestDuplicateSuccessEventCreatesNoDuplicateSteps(t *testing.T) {
	p := newPipeline(t, processors.DetectLanguage{}, processors.Transcribe{},
		processors.Translate{}, processors.Summarize{})
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "full_pipeline"},
		"the language here is english and the test is simple.")
	p.pump(t)

	// Replay a success event for an already-routed step.
	replay := messages.JobEvent{
		JobID:         job.ID,
		CompletedStep: string(jobstore.StepDetectLanguage),
		Outcome:       messages.OutcomeSuccess,
	}
	if err := p.router.HandleEvent(context.Background(), replay); err != nil {
		t.Fatalf("replay event: %v", err)
	}
	p.pump(t)

	steps := p.steps(t, job.ID)
	if len(steps) != 3 {
		t.Fatalf("expected 3 step records (translate skipped without target), got %d", len(steps))
	}
	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed after replay, got %s", final.Status)
	}
	if p.notifier.calls != 1 {
		t.Fatalf("expected exactly one callback despite replay, got %d", p.notifier.calls)
	}
}

func TestEventsForUnknownJobAreDropped(t *testing.T) {
	p := newPipeline(t)
	event := messages.JobEvent{JobID: "does-not-exist"}
	if err := p.router.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("expected unknown job to be dropped, got %v", err)
	}
}

func TestEventsWithUnknownStepTypeAreDropped(t *testing.T) {
	p := newPipeline(t)
	job := testsupport.MustCreateJob(t, p.store, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, err := p.store.MarkJobUploaded(context.Background(), job.ID, "raw-audio/x"); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	event := messages.JobEvent{JobID: job.ID, CompletedStep: "encode_video", Outcome: messages.OutcomeSuccess}
	if err := p.router.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("expected unknown step type to be dropped, got %v", err)
	}
	if len(p.steps(t, job.ID)) != 0 {
		t.Fatal("expected no step records after dropped event")
	}
}

func TestEventsForCancelledJobHaveNoEffect(t *testing.T) {
	p := newPipeline(t, processors.DetectLanguage{})
	job := testsupport.MustCreateJob(t, p.store, jobstore.NewJobParams{WorkflowID: "detect_only"})
	if _, err := p.store.MarkJobUploaded(context.Background(), job.ID, "raw-audio/x"); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if ok, err := p.store.CancelJob(context.Background(), job.ID); err != nil || !ok {
		t.Fatalf("cancel job: ok=%v err=%v", ok, err)
	}

	body, _ := messages.Encode(messages.JobEvent{JobID: job.ID})
	if err := p.bus.Publish(context.Background(), p.cfg.Queues.JobEvents, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	p.pump(t)

	if len(p.steps(t, job.ID)) != 0 {
		t.Fatal("expected no steps for cancelled job")
	}
	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCancelled {
		t.Fatalf("expected cancelled to stick, got %s", final.Status)
	}
	if p.notifier.calls != 0 {
		t.Fatalf("expected no callbacks for cancelled job, got %d", p.notifier.calls)
	}
}

func TestTerminalJobIgnoresLateEvents(t *testing.T) {
	p := newPipeline(t, processors.DetectLanguage{})
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "detect_only"},
		"the words and the test are the same as before.")
	p.pump(t)

	if p.job(t, job.ID).Status != jobstore.JobCompleted {
		t.Fatal("setup: job should be completed")
	}

	late := messages.JobEvent{
		JobID:         job.ID,
		CompletedStep: string(jobstore.StepDetectLanguage),
		Outcome:       messages.OutcomeFailure,
		ErrorDetail:   "stale failure",
	}
	if err := p.router.HandleEvent(context.Background(), late); err != nil {
		t.Fatalf("late event: %v", err)
	}
	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected terminal status to stick, got %s", final.Status)
	}
	if p.notifier.calls != 1 {
		t.Fatalf("expected no extra callback, got %d", p.notifier.calls)
	}
}

func TestTranscribeNotDispatchedBeforeDetectCompletes(t *testing.T) {
	p := newPipeline(t,
		processors.DetectLanguage{},
		processors.Transcribe{},
		processors.Translate{},
		processors.Summarize{},
	)
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "full_pipeline", TargetLanguage: "es"},
		"the words are plainly english")
	ctx := context.Background()

	// Route only the initial event; no worker runs.
	d := p.tryReceive(p.cfg.Queues.JobEvents)
	if d == nil {
		t.Fatal("expected initial event on the job-events queue")
	}
	if err := p.router.HandleDelivery(ctx, d); err != nil {
		t.Fatalf("handle initial event: %v", err)
	}
	if err := p.bus.Ack(ctx, d); err != nil {
		t.Fatalf("ack initial event: %v", err)
	}

	depths, err := p.bus.Depths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[p.cfg.Queues.DetectLanguage] != 1 {
		t.Fatalf("expected one detect-language dispatch, got %d", depths[p.cfg.Queues.DetectLanguage])
	}
	if depths[p.cfg.Queues.Transcribe] != 0 {
		t.Fatalf("expected no transcribe dispatch before detect completes, got %d", depths[p.cfg.Queues.Transcribe])
	}

	steps := p.steps(t, job.ID)
	if step := steps[jobstore.StepDetectLanguage]; step == nil || step.Status != jobstore.StepPending {
		t.Fatalf("expected pending detect step, got %+v", step)
	}
	if steps[jobstore.StepTranscribe] != nil {
		t.Fatal("expected no transcribe step record before detect completes")
	}
}

func TestFailureEventRefreshesJobTimestamp(t *testing.T) {
	flaky := &flakyProcessor{inner: processors.Transcribe{}, failures: 1}
	p := newPipeline(t, flaky)
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "transcribe_only", SourceLanguage: "en"},
		"hello world")
	ctx := context.Background()

	// Initial event dispatches the step; the first attempt fails.
	d := p.tryReceive(p.cfg.Queues.JobEvents)
	if d == nil {
		t.Fatal("expected initial event")
	}
	if err := p.router.HandleDelivery(ctx, d); err != nil {
		t.Fatalf("handle initial event: %v", err)
	}
	if err := p.bus.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	d = p.tryReceive(p.cfg.Queues.Transcribe)
	if d == nil {
		t.Fatal("expected transcribe dispatch")
	}
	runner := p.runners[p.cfg.Queues.Transcribe]
	if err := runner.HandleDelivery(ctx, d); err != nil {
		t.Fatalf("handle dispatch: %v", err)
	}
	if err := p.bus.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}

	before := p.job(t, job.ID).UpdatedAt
	time.Sleep(10 * time.Millisecond)

	d = p.tryReceive(p.cfg.Queues.JobEvents)
	if d == nil {
		t.Fatal("expected failure event")
	}
	if err := p.router.HandleDelivery(ctx, d); err != nil {
		t.Fatalf("handle failure event: %v", err)
	}
	if err := p.bus.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if after := p.job(t, job.ID).UpdatedAt; !after.After(before) {
		t.Fatalf("expected updated_at to advance on the retry path, before=%v after=%v", before, after)
	}
}

func TestEventLogsCarryJobID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	bus := testsupport.MustOpenBus(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	r := New(cfg, store, bus, nil, logger)

	if err := r.HandleEvent(context.Background(), messages.JobEvent{JobID: "ghost-job"}); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if !strings.Contains(buf.String(), "job_id=ghost-job") {
		t.Fatalf("expected job_id in log output, got %q", buf.String())
	}
}

func TestSummarizeOnlyUsesProvidedTranscript(t *testing.T) {
	p := newPipeline(t, processors.Summarize{})
	job := p.submit(t, jobstore.NewJobParams{WorkflowID: "summarize_only"},
		"First sentence. Second sentence. Third sentence. Fourth sentence.")
	p.pump(t)

	final := p.job(t, job.ID)
	if final.Status != jobstore.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorDetail)
	}
	step := p.steps(t, job.ID)[jobstore.StepSummarize]
	if step == nil || step.Status != jobstore.StepCompleted {
		t.Fatalf("expected completed summarize step, got %+v", step)
	}
}
