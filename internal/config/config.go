package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory, lock and bind address configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	LockFile string `toml:"lock_file"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Queue selects and tunes the durable queue backend.
type Queue struct {
	Driver            string `toml:"driver"`
	SQLitePath        string `toml:"sqlite_path"`
	PostgresDSN       string `toml:"postgres_dsn"`
	DefaultMaxRetries int    `toml:"default_max_retries"`
	DefaultPriority   int    `toml:"default_priority"`
}

// StageExecutor describes how a single pipeline stage reaches its worker.
// Kind "http" posts the task to URL; kind "command" runs Command with Args.
type StageExecutor struct {
	Kind    string   `toml:"kind"`
	URL     string   `toml:"url"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// Pipeline contains the ordered stage list and per-stage executor wiring.
type Pipeline struct {
	Stages       []string                 `toml:"stages"`
	StageTimeout int                      `toml:"stage_timeout"`
	ExecutorURL  string                   `toml:"executor_url"`
	Executors    map[string]StageExecutor `toml:"executors"`
}

// Conflict tunes the resource-busy wait loop.
type Conflict struct {
	StatusURL      string `toml:"status_url"`
	PollInterval   int    `toml:"poll_interval"`
	WaitCeiling    int    `toml:"wait_ceiling"`
	RequestTimeout int    `toml:"request_timeout"`
}

// WorkerClass is one capability class in the dispatcher pool. Keywords are
// matched case-insensitively against job text; classes are consulted in
// declaration order.
type WorkerClass struct {
	Name           string   `toml:"name"`
	Slots          int      `toml:"slots"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	Keywords       []string `toml:"keywords"`
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
}

// Dispatcher contains pool sizing and routing settings.
type Dispatcher struct {
	PollInterval  int           `toml:"poll_interval"`
	FallbackClass string        `toml:"fallback_class"`
	Classes       []WorkerClass `toml:"classes"`
}

// LLM contains the model classifier connection settings.
type LLM struct {
	Enabled        bool   `toml:"enabled"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PromptFile     string `toml:"prompt_file"`
}

// Workflow contains configuration for daemon timing and intervals.
type Workflow struct {
	QueuePollInterval int `toml:"queue_poll_interval"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	HeartbeatTimeout  int `toml:"heartbeat_timeout"`
	SweepInterval     int `toml:"sweep_interval"`
	ArchiveAfterHours int `toml:"archive_after_hours"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Conveyor.
//
// Configuration sections by subsystem:
//   - Paths: state directory, lock file and API bind address
//   - Queue: queue backend selection and entry defaults
//   - Pipeline: ordered stages, stage timeout and executor wiring
//   - Conflict: resource-busy polling interval and wait ceiling
//   - Dispatcher: capability classes, slots and keyword routing
//   - LLM: model classifier used when no keyword matches
//   - Workflow: daemon polling, heartbeat and sweep intervals
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Queue      Queue      `toml:"queue"`
	Pipeline   Pipeline   `toml:"pipeline"`
	Conflict   Conflict   `toml:"conflict"`
	Dispatcher Dispatcher `toml:"dispatcher"`
	LLM        LLM        `toml:"llm"`
	Workflow   Workflow   `toml:"workflow"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()
	// Lists are replaced wholesale by the file; defaults return in normalize.
	cfg.Pipeline.Stages = nil
	cfg.Dispatcher.Classes = nil

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("conveyor.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.StateDir, c.Paths.LogDir, filepath.Dir(c.Paths.LockFile)}
	if c.Queue.Driver == DriverSQLite {
		dirs = append(dirs, filepath.Dir(c.Queue.SQLitePath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// StageTimeout returns the hard ceiling for a single stage executor call.
func (c *Config) StageTimeout() time.Duration {
	return seconds(c.Pipeline.StageTimeout)
}

// ExecutorFor returns the executor wiring for stage, falling back to an HTTP
// executor rooted at pipeline.executor_url.
func (c *Config) ExecutorFor(stage string) StageExecutor {
	if exec, ok := c.Pipeline.Executors[stage]; ok && strings.TrimSpace(exec.Kind) != "" {
		return exec
	}
	return StageExecutor{
		Kind: ExecutorHTTP,
		URL:  strings.TrimRight(c.Pipeline.ExecutorURL, "/") + "/" + stage,
	}
}

// ClassNames lists configured capability classes in routing order.
func (c *Config) ClassNames() []string {
	names := make([]string, 0, len(c.Dispatcher.Classes))
	for _, class := range c.Dispatcher.Classes {
		names = append(names, class.Name)
	}
	return names
}

// PoolSize returns the total number of worker slots across all classes.
func (c *Config) PoolSize() int {
	total := 0
	for _, class := range c.Dispatcher.Classes {
		total += class.Slots
	}
	return total
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LLMConfig contains the model classifier settings after trimming.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// GetLLM returns the model classifier connection settings.
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
	}
}
