package config

// Queue drivers and executor kinds.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ExecutorHTTP    = "http"
	ExecutorCommand = "command"
)

const (
	defaultConfigPath           = "~/.config/conveyor/config.toml"
	defaultStateDir             = "~/.local/share/conveyor"
	defaultLogDir               = "~/.local/share/conveyor/logs"
	defaultSQLiteName           = "queue.db"
	defaultLockName             = "conveyord.lock"
	defaultAPIBind              = "127.0.0.1:7488"
	defaultMaxRetries           = 3
	defaultStageTimeout         = 600
	defaultExecutorURL          = "http://127.0.0.1:2000/api/stages"
	defaultConflictStatusURL    = "http://127.0.0.1:2000/api/scripts/status"
	defaultConflictPollInterval = 10
	defaultConflictWaitCeiling  = 900
	defaultConflictRequest      = 10
	defaultDispatcherPoll       = 5
	defaultFallbackClass        = "deep-reasoning"
	defaultLLMBaseURL           = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel             = "google/gemini-3-flash-preview"
	defaultLLMReferer           = "https://github.com/conveyor-dev/conveyor"
	defaultLLMTitle             = "Conveyor Dispatcher"
	defaultLLMTimeoutSeconds    = 30
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultQueuePollInterval    = 5
	defaultHeartbeatInterval    = 15
	defaultHeartbeatTimeout     = 300
	defaultSweepInterval        = 60
)

// DefaultStages is the content production pipeline order.
var DefaultStages = []string{"schedule", "script", "image", "video", "publish"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Queue: Queue{
			Driver:            DriverSQLite,
			DefaultMaxRetries: defaultMaxRetries,
		},
		Pipeline: Pipeline{
			Stages:       append([]string(nil), DefaultStages...),
			StageTimeout: defaultStageTimeout,
			ExecutorURL:  defaultExecutorURL,
		},
		Conflict: Conflict{
			StatusURL:      defaultConflictStatusURL,
			PollInterval:   defaultConflictPollInterval,
			WaitCeiling:    defaultConflictWaitCeiling,
			RequestTimeout: defaultConflictRequest,
		},
		Dispatcher: Dispatcher{
			PollInterval:  defaultDispatcherPoll,
			FallbackClass: defaultFallbackClass,
			Classes:       defaultClasses(),
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Workflow: Workflow{
			QueuePollInterval: defaultQueuePollInterval,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			SweepInterval:     defaultSweepInterval,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// defaultClasses returns the stock pool: planning work is matched first,
// then quick high-throughput jobs, then long-form reasoning.
func defaultClasses() []WorkerClass {
	return []WorkerClass{
		{
			Name:           "planning",
			Slots:          2,
			TimeoutSeconds: 300,
			Keywords:       []string{"plan", "architecture", "review", "design", "refactor"},
			Command:        "codex",
			Args:           []string{"exec"},
		},
		{
			Name:           "high-throughput",
			Slots:          2,
			TimeoutSeconds: 300,
			Keywords:       []string{"shortform", "product", "thumbnail", "simple", "quick", "image"},
			Command:        "gemini",
			Args:           []string{"-p"},
		},
		{
			Name:           "deep-reasoning",
			Slots:          6,
			TimeoutSeconds: 600,
			Keywords:       []string{"longform", "script", "complex", "error", "bug", "fix"},
			Command:        "claude",
			Args:           []string{"-p"},
		},
	}
}
