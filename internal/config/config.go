package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	BlobDir string `toml:"blob_dir"`
}

// Queues contains message-channel configuration. One queue per step type plus
// the shared job-events queue consumed by the router.
type Queues struct {
	JobEvents         string `toml:"job_events"`
	DetectLanguage    string `toml:"detect_language"`
	Transcribe        string `toml:"transcribe"`
	Translate         string `toml:"translate"`
	Summarize         string `toml:"summarize"`
	LeaseSeconds      int    `toml:"lease_seconds"`
	PollIntervalMS    int    `toml:"poll_interval_ms"`
	RetryDelaySeconds int    `toml:"retry_delay_seconds"`
}

// Storage contains object-storage container names.
type Storage struct {
	RawContainer     string `toml:"raw_container"`
	ResultsContainer string `toml:"results_container"`
}

// Orchestration contains router tuning.
type Orchestration struct {
	MaxRetries int `toml:"max_retries"`
}

// Callback contains completion-callback delivery settings.
type Callback struct {
	TimeoutSeconds   int `toml:"timeout_seconds"`
	BreakerThreshold int `toml:"breaker_threshold"`
}

// Metrics contains the daily rollup schedule.
type Metrics struct {
	Enabled  bool   `toml:"enabled"`
	Schedule string `toml:"schedule"`
}

// Daemon selects which roles a speechflowd process runs.
type Daemon struct {
	RunRouter      bool     `toml:"run_router"`
	Workers        []string `toml:"workers"`
	WorkerIdentity string   `toml:"worker_identity"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// StepCommands maps a step type to the external command that performs its
// domain work. Steps without a command fall back to the built-in processors.
type StepCommands struct {
	DetectLanguage []string `toml:"detect_language"`
	Transcribe     []string `toml:"transcribe"`
	Translate      []string `toml:"translate"`
	Summarize      []string `toml:"summarize"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Config is the root configuration document.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Queues        Queues        `toml:"queues"`
	Storage       Storage       `toml:"storage"`
	Orchestration Orchestration `toml:"orchestration"`
	Callback      Callback      `toml:"callback"`
	Metrics       Metrics       `toml:"metrics"`
	Daemon        Daemon        `toml:"daemon"`
	Logging       Logging       `toml:"logging"`
	StepCommands  StepCommands  `toml:"step_commands"`
}

// DefaultConfigPath returns the expected config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "speechflow", "config.toml"), nil
}

// Load reads the configuration from path, falling back to the default
// location when path is empty. A missing file yields defaults. The resolved
// path is returned alongside the config.
func Load(path string) (*Config, string, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return nil, "", err
		}
		resolved = defaultPath
	}
	resolved = expandPath(resolved)

	cfg := Default()
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			return &cfg, resolved, nil
		}
		return nil, resolved, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, resolved, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	cfg.normalize()
	return &cfg, resolved, nil
}

// WriteSample writes the embedded sample configuration to path, refusing to
// overwrite an existing file.
func WriteSample(path string) error {
	path = expandPath(path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(sampleConfig), 0o644)
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.BlobDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LogSettings satisfies logging.ConfigSource.
func (c *Config) LogSettings() (level, format, logDir string) {
	return c.Logging.Level, c.Logging.Format, c.Paths.LogDir
}

// QueueForStep maps a step type string to its configured queue name.
func (c *Config) QueueForStep(stepType string) (string, bool) {
	switch stepType {
	case "detect_language":
		return c.Queues.DetectLanguage, true
	case "transcribe":
		return c.Queues.Transcribe, true
	case "translate":
		return c.Queues.Translate, true
	case "summarize":
		return c.Queues.Summarize, true
	default:
		return "", false
	}
}

// CommandForStep returns the configured external command for a step type.
func (c *Config) CommandForStep(stepType string) []string {
	switch stepType {
	case "detect_language":
		return c.StepCommands.DetectLanguage
	case "transcribe":
		return c.StepCommands.Transcribe
	case "translate":
		return c.StepCommands.Translate
	case "summarize":
		return c.StepCommands.Summarize
	default:
		return nil
	}
}

func (c *Config) normalize() {
	c.Paths.DataDir = expandPath(c.Paths.DataDir)
	c.Paths.LogDir = expandPath(c.Paths.LogDir)
	c.Paths.BlobDir = expandPath(c.Paths.BlobDir)
	if c.Daemon.WorkerIdentity == "" {
		if host, err := os.Hostname(); err == nil {
			c.Daemon.WorkerIdentity = host
		} else {
			c.Daemon.WorkerIdentity = "speechflow-worker"
		}
	}
}

func expandPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if trimmed == "~" {
				return home
			}
			return filepath.Join(home, trimmed[2:])
		}
	}
	return trimmed
}
