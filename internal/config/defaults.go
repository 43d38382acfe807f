package config

const (
	defaultDataDir           = "~/.local/share/speechflow/data"
	defaultLogDir            = "~/.local/share/speechflow/logs"
	defaultBlobDir           = "~/.local/share/speechflow/blobs"
	defaultJobEventsQueue    = "job-events"
	defaultDetectQueue       = "detect-language"
	defaultTranscribeQueue   = "transcribe"
	defaultTranslateQueue    = "translate"
	defaultSummarizeQueue    = "summarize"
	defaultLeaseSeconds      = 60
	defaultPollIntervalMS    = 250
	defaultRetryDelaySeconds = 0
	defaultRawContainer      = "raw-audio"
	defaultResultsContainer  = "results"
	defaultMaxRetries        = 3
	defaultCallbackTimeout   = 10
	defaultBreakerThreshold  = 5
	defaultMetricsSchedule   = "15 0 * * *"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultCommandTimeout    = 600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			BlobDir: defaultBlobDir,
		},
		Queues: Queues{
			JobEvents:         defaultJobEventsQueue,
			DetectLanguage:    defaultDetectQueue,
			Transcribe:        defaultTranscribeQueue,
			Translate:         defaultTranslateQueue,
			Summarize:         defaultSummarizeQueue,
			LeaseSeconds:      defaultLeaseSeconds,
			PollIntervalMS:    defaultPollIntervalMS,
			RetryDelaySeconds: defaultRetryDelaySeconds,
		},
		Storage: Storage{
			RawContainer:     defaultRawContainer,
			ResultsContainer: defaultResultsContainer,
		},
		Orchestration: Orchestration{
			MaxRetries: defaultMaxRetries,
		},
		Callback: Callback{
			TimeoutSeconds:   defaultCallbackTimeout,
			BreakerThreshold: defaultBreakerThreshold,
		},
		Metrics: Metrics{
			Enabled:  true,
			Schedule: defaultMetricsSchedule,
		},
		Daemon: Daemon{
			RunRouter: true,
			Workers:   []string{"detect_language", "transcribe", "translate", "summarize"},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		StepCommands: StepCommands{
			TimeoutSeconds: defaultCommandTimeout,
		},
	}
}
