package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateConflict(); err != nil {
		return err
	}
	if err := c.validateDispatcher(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateQueue() error {
	switch c.Queue.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Queue.SQLitePath) == "" {
			return errors.New("queue.sqlite_path must be set when queue.driver is sqlite")
		}
	case DriverPostgres:
		if c.Queue.PostgresDSN == "" {
			return errors.New("queue.postgres_dsn must be set when queue.driver is postgres (or set CONVEYOR_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("queue.driver: unsupported value %q", c.Queue.Driver)
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return errors.New("queue.default_max_retries must be >= 0")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if len(c.Pipeline.Stages) == 0 {
		return errors.New("pipeline.stages must list at least one stage")
	}
	seen := make(map[string]struct{}, len(c.Pipeline.Stages))
	for _, stage := range c.Pipeline.Stages {
		if _, dup := seen[stage]; dup {
			return fmt.Errorf("pipeline.stages: duplicate stage %q", stage)
		}
		seen[stage] = struct{}{}
	}
	if c.Pipeline.StageTimeout <= 0 {
		return errors.New("pipeline.stage_timeout must be positive (seconds)")
	}
	for stage, exec := range c.Pipeline.Executors {
		if _, ok := seen[stage]; !ok {
			return fmt.Errorf("pipeline.executors.%s: unknown stage", stage)
		}
		switch exec.Kind {
		case ExecutorHTTP:
			if exec.URL == "" {
				return fmt.Errorf("pipeline.executors.%s.url must be set for http executors", stage)
			}
		case ExecutorCommand:
			if exec.Command == "" {
				return fmt.Errorf("pipeline.executors.%s.command must be set for command executors", stage)
			}
		default:
			return fmt.Errorf("pipeline.executors.%s.kind: unsupported value %q", stage, exec.Kind)
		}
	}
	for _, stage := range c.Pipeline.Stages {
		if _, ok := c.Pipeline.Executors[stage]; !ok && c.Pipeline.ExecutorURL == "" {
			return fmt.Errorf("pipeline.executor_url must be set (stage %q has no executor)", stage)
		}
	}
	return nil
}

func (c *Config) validateConflict() error {
	if err := ensurePositiveMap(map[string]int{
		"conflict.poll_interval":   c.Conflict.PollInterval,
		"conflict.wait_ceiling":    c.Conflict.WaitCeiling,
		"conflict.request_timeout": c.Conflict.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Conflict.WaitCeiling < c.Conflict.PollInterval {
		return errors.New("conflict.wait_ceiling must be at least conflict.poll_interval")
	}
	return nil
}

func (c *Config) validateDispatcher() error {
	if c.Dispatcher.PollInterval <= 0 {
		return errors.New("dispatcher.poll_interval must be positive")
	}
	if len(c.Dispatcher.Classes) == 0 {
		return errors.New("dispatcher.classes must define at least one capability class")
	}
	names := make(map[string]struct{}, len(c.Dispatcher.Classes))
	for i, class := range c.Dispatcher.Classes {
		if class.Name == "" {
			return fmt.Errorf("dispatcher.classes[%d].name must be set", i)
		}
		if _, dup := names[class.Name]; dup {
			return fmt.Errorf("dispatcher.classes: duplicate class %q", class.Name)
		}
		names[class.Name] = struct{}{}
		if class.Slots <= 0 {
			return fmt.Errorf("dispatcher.classes.%s.slots must be positive", class.Name)
		}
		if class.TimeoutSeconds <= 0 {
			return fmt.Errorf("dispatcher.classes.%s.timeout_seconds must be positive", class.Name)
		}
	}
	if _, ok := names[c.Dispatcher.FallbackClass]; !ok {
		return fmt.Errorf("dispatcher.fallback_class %q is not a configured class", c.Dispatcher.FallbackClass)
	}
	return nil
}

func (c *Config) validateLLM() error {
	if !c.LLM.Enabled {
		return nil
	}
	if c.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when llm.enabled is true (or set CONVEYOR_LLM_API_KEY)")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.queue_poll_interval": c.Workflow.QueuePollInterval,
		"workflow.sweep_interval":      c.Workflow.SweepInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.ArchiveAfterHours < 0 {
		return errors.New("workflow.archive_after_hours must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
