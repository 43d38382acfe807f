package main

import (
	"fmt"
	"time"

	"speechflow/internal/blobstore"
	"speechflow/internal/config"
	"speechflow/internal/jobstore"
	"speechflow/internal/msgbus"
)

// commandContext lazily loads configuration and shared state so that
// commands which never touch the store (config path, help) stay cheap.
type commandContext struct {
	configFlag *string

	cfg        *config.Config
	configPath string
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := ""
	if c.configFlag != nil {
		path = *c.configFlag
	}
	cfg, resolved, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", resolved, err)
	}
	c.cfg = cfg
	c.configPath = resolved
	return cfg, nil
}

func (c *commandContext) openStore() (*jobstore.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return jobstore.Open(cfg)
}

func (c *commandContext) openBus() (*msgbus.SQLiteBus, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return msgbus.OpenSQLite(cfg)
}

func (c *commandContext) openBlobs() (*blobstore.FileStore, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return blobstore.NewFileStore(cfg)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
