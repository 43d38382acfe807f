package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueues(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateOrchestration(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.BlobDir) == "" {
		return errors.New("paths.blob_dir must be set")
	}
	return nil
}

func (c *Config) validateQueues() error {
	names := map[string]string{
		"queues.job_events":      c.Queues.JobEvents,
		"queues.detect_language": c.Queues.DetectLanguage,
		"queues.transcribe":      c.Queues.Transcribe,
		"queues.translate":       c.Queues.Translate,
		"queues.summarize":       c.Queues.Summarize,
	}
	seen := make(map[string]string, len(names))
	for key, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s must be set", key)
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("%s and %s share queue name %q", prev, key, name)
		}
		seen[name] = key
	}
	if c.Queues.LeaseSeconds <= 0 {
		return errors.New("queues.lease_seconds must be positive")
	}
	if c.Queues.PollIntervalMS <= 0 {
		return errors.New("queues.poll_interval_ms must be positive")
	}
	if c.Queues.RetryDelaySeconds < 0 {
		return errors.New("queues.retry_delay_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateStorage() error {
	if strings.TrimSpace(c.Storage.RawContainer) == "" {
		return errors.New("storage.raw_container must be set")
	}
	if strings.TrimSpace(c.Storage.ResultsContainer) == "" {
		return errors.New("storage.results_container must be set")
	}
	if c.Storage.RawContainer == c.Storage.ResultsContainer {
		return errors.New("storage containers must be distinct")
	}
	return nil
}

func (c *Config) validateOrchestration() error {
	if c.Orchestration.MaxRetries < 0 {
		return errors.New("orchestration.max_retries must not be negative")
	}
	return nil
}

func (c *Config) validateDaemon() error {
	for _, step := range c.Daemon.Workers {
		if _, ok := c.QueueForStep(step); !ok {
			return fmt.Errorf("daemon.workers contains unknown step type %q", step)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
