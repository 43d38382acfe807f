// Package testsupport provides shared helpers for package tests: temp-dir
// backed configuration plus store, bus, and blob store constructors that
// fail the test on error.
package testsupport

import (
	"context"
	"testing"
	"time"

	"speechflow/internal/blobstore"
	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/msgbus"
)

// NewConfig returns a validated configuration rooted in a temp directory.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.DataDir = base + "/data"
	cfg.Paths.LogDir = base + "/logs"
	cfg.Paths.BlobDir = base + "/blobs"
	cfg.Daemon.WorkerIdentity = "test-worker"
	cfg.Queues.PollIntervalMS = 5
	cfg.Queues.RetryDelaySeconds = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("create test directories: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a job store for the configuration and closes it with
// the test.
func MustOpenStore(t *testing.T, cfg *config.Config) *jobstore.Store {
	t.Helper()
	store, err := jobstore.Open(cfg)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// MustOpenBus returns an in-memory bus suitable for single-process tests.
func MustOpenBus(t *testing.T) *msgbus.MemoryBus {
	t.Helper()
	bus := msgbus.NewMemoryBus(time.Minute)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// MustOpenBlobs opens a filesystem blob store under the config's blob dir.
func MustOpenBlobs(t *testing.T, cfg *config.Config) *blobstore.FileStore {
	t.Helper()
	blobs, err := blobstore.NewFileStore(cfg)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	return blobs
}

// MustCreateJob creates a job and fails the test on error.
func MustCreateJob(t *testing.T, store *jobstore.Store, params jobstore.NewJobParams) *jobstore.Job {
	t.Helper()
	job, err := store.CreateJob(context.Background(), params)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

// MustUploadInput stores an input blob, marks the job uploaded, and returns
// the input reference.
func MustUploadInput(t *testing.T, store *jobstore.Store, blobs blobstore.Store, cfg *config.Config, job *jobstore.Job, data []byte) string {
	t.Helper()
	ref, err := blobs.Put(cfg.Storage.RawContainer, job.ID+"_input", data)
	if err != nil {
		t.Fatalf("store input blob: %v", err)
	}
	ok, err := store.MarkJobUploaded(context.Background(), job.ID, ref)
	if err != nil || !ok {
		t.Fatalf("mark job uploaded: ok=%v err=%v", ok, err)
	}
	return ref
}
