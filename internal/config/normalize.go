package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeDispatcher()
	if err := c.normalizeLLM(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LockFile) == "" {
		c.Paths.LockFile = filepath.Join(c.Paths.StateDir, defaultLockName)
	}
	if c.Paths.LockFile, err = expandPath(c.Paths.LockFile); err != nil {
		return fmt.Errorf("paths.lock_file: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if value, ok := os.LookupEnv("CONVEYOR_API_TOKEN"); ok && strings.TrimSpace(value) != "" {
		c.Paths.APIToken = strings.TrimSpace(value)
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	return nil
}

func (c *Config) normalizeQueue() error {
	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverSQLite
	}
	if strings.TrimSpace(c.Queue.SQLitePath) == "" {
		c.Queue.SQLitePath = filepath.Join(c.Paths.StateDir, defaultSQLiteName)
	}
	var err error
	if c.Queue.SQLitePath, err = expandPath(c.Queue.SQLitePath); err != nil {
		return fmt.Errorf("queue.sqlite_path: %w", err)
	}
	if value, ok := os.LookupEnv("CONVEYOR_POSTGRES_DSN"); ok && strings.TrimSpace(value) != "" {
		c.Queue.PostgresDSN = value
	}
	c.Queue.PostgresDSN = strings.TrimSpace(c.Queue.PostgresDSN)
	return nil
}

func (c *Config) normalizePipeline() {
	if len(c.Pipeline.Stages) == 0 {
		c.Pipeline.Stages = append([]string(nil), DefaultStages...)
	}
	stages := make([]string, 0, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		normalized := strings.ToLower(strings.TrimSpace(stage))
		if normalized == "" {
			continue
		}
		stages = append(stages, normalized)
	}
	c.Pipeline.Stages = stages
	c.Pipeline.ExecutorURL = strings.TrimSpace(c.Pipeline.ExecutorURL)
	if len(c.Pipeline.Executors) > 0 {
		executors := make(map[string]StageExecutor, len(c.Pipeline.Executors))
		for stage, exec := range c.Pipeline.Executors {
			exec.Kind = strings.ToLower(strings.TrimSpace(exec.Kind))
			exec.URL = strings.TrimSpace(exec.URL)
			exec.Command = strings.TrimSpace(exec.Command)
			executors[strings.ToLower(strings.TrimSpace(stage))] = exec
		}
		c.Pipeline.Executors = executors
	}
	c.Conflict.StatusURL = strings.TrimRight(strings.TrimSpace(c.Conflict.StatusURL), "/")
}

func (c *Config) normalizeDispatcher() {
	if len(c.Dispatcher.Classes) == 0 {
		c.Dispatcher.Classes = defaultClasses()
	}
	for i := range c.Dispatcher.Classes {
		class := &c.Dispatcher.Classes[i]
		class.Name = strings.ToLower(strings.TrimSpace(class.Name))
		class.Command = strings.TrimSpace(class.Command)
		keywords := make([]string, 0, len(class.Keywords))
		for _, keyword := range class.Keywords {
			if normalized := strings.ToLower(strings.TrimSpace(keyword)); normalized != "" {
				keywords = append(keywords, normalized)
			}
		}
		class.Keywords = keywords
	}
	c.Dispatcher.FallbackClass = strings.ToLower(strings.TrimSpace(c.Dispatcher.FallbackClass))
	if c.Dispatcher.FallbackClass == "" && len(c.Dispatcher.Classes) > 0 {
		c.Dispatcher.FallbackClass = c.Dispatcher.Classes[len(c.Dispatcher.Classes)-1].Name
	}
}

func (c *Config) normalizeLLM() error {
	for _, key := range []string{"CONVEYOR_LLM_API_KEY", "OPENROUTER_API_KEY"} {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			c.LLM.APIKey = strings.TrimSpace(value)
			break
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	if strings.TrimSpace(c.LLM.PromptFile) != "" {
		var err error
		if c.LLM.PromptFile, err = expandPath(strings.TrimSpace(c.LLM.PromptFile)); err != nil {
			return fmt.Errorf("llm.prompt_file: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
