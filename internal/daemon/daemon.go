// Package daemon assembles the running process: an instance lock on the
// shared data directory, the job store, the message bus, and whichever roles
// the configuration enables (router, worker variants, metrics rollup).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"speechflow/internal/blobstore"
	"speechflow/internal/callback"
	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/logging"
	"speechflow/internal/metrics"
	"speechflow/internal/msgbus"
	"speechflow/internal/router"
	"speechflow/internal/worker"
	"speechflow/internal/worker/processors"
)

// ErrAlreadyRunning indicates another daemon holds the data-directory lock.
var ErrAlreadyRunning = errors.New("another speechflowd instance is running")

// Daemon is one speechflowd process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock        *flock.Flock
	store       *jobstore.Store
	bus         msgbus.Bus
	blobs       *blobstore.FileStore
	stopMetrics func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
	runErr chan error
}

// New builds an unstarted daemon.
func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		cfg:    cfg,
		logger: logger.With(logging.String(logging.FieldComponent, "daemon")),
		runErr: make(chan error, 16),
	}
}

// Start acquires the instance lock, opens the shared state, and launches the
// configured roles.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	d.lock = flock.New(filepath.Join(d.cfg.Paths.DataDir, "speechflowd.lock"))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	if err := d.openState(); err != nil {
		d.releaseLock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.cfg.Daemon.RunRouter {
		notifier := callback.NewHTTPNotifier(d.cfg, d.logger)
		rt := router.New(d.cfg, d.store, d.bus, notifier, d.logger)
		d.launch(func() error { return rt.Run(runCtx) })
	}

	for _, stepName := range d.cfg.Daemon.Workers {
		runner, err := d.buildRunner(stepName)
		if err != nil {
			d.Stop()
			return err
		}
		d.launch(func() error { return runner.Run(runCtx) })
	}

	if d.cfg.Metrics.Enabled {
		svc := metrics.NewService(d.store, d.logger)
		stop, err := svc.Schedule(runCtx, d.cfg.Metrics.Schedule)
		if err != nil {
			d.Stop()
			return err
		}
		d.stopMetrics = stop
	}

	d.logger.Info("daemon started",
		logging.Bool("router", d.cfg.Daemon.RunRouter),
		logging.Int("workers", len(d.cfg.Daemon.Workers)))
	return nil
}

// Wait blocks until ctx is cancelled or a role fails, then shuts down.
func (d *Daemon) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		d.Stop()
		return nil
	case err := <-d.runErr:
		d.Stop()
		return err
	}
}

// Stop cancels the roles, waits for in-flight work, and releases resources.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	if d.stopMetrics != nil {
		d.stopMetrics()
		d.stopMetrics = nil
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			d.logger.Warn("close bus", logging.Error(err))
		}
		d.bus = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("close store", logging.Error(err))
		}
		d.store = nil
	}
	d.releaseLock()
	d.logger.Info("daemon stopped")
}

func (d *Daemon) openState() error {
	store, err := jobstore.Open(d.cfg)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	bus, err := msgbus.OpenSQLite(d.cfg)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open message bus: %w", err)
	}
	blobs, err := blobstore.NewFileStore(d.cfg)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return fmt.Errorf("open blob store: %w", err)
	}
	d.store, d.bus, d.blobs = store, bus, blobs
	return nil
}

func (d *Daemon) buildRunner(stepName string) (*worker.Runner, error) {
	stepType, ok := jobstore.ParseStepType(stepName)
	if !ok {
		return nil, fmt.Errorf("configured worker %q is not a known step type", stepName)
	}

	var (
		proc worker.Processor
		err  error
	)
	if len(d.cfg.CommandForStep(string(stepType))) > 0 {
		proc, err = processors.NewCommand(d.cfg, stepType)
	} else {
		proc, err = processors.ForStep(stepType)
	}
	if err != nil {
		return nil, err
	}
	return worker.NewRunner(d.cfg, d.store, d.bus, d.blobs, proc, d.logger)
}

func (d *Daemon) launch(run func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := run(); err != nil {
			select {
			case d.runErr <- err:
			default:
			}
		}
	}()
}

func (d *Daemon) releaseLock() {
	if d.lock == nil {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release instance lock", logging.Error(err))
	}
	d.lock = nil
}
