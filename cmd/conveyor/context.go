package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"conveyor/internal/config"
	"conveyor/internal/daemon"
	"conveyor/internal/daemonctl"
	"conveyor/internal/logging"
	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
	"conveyor/internal/stageexec"
	"conveyor/internal/workflow"
)

type commandContext struct {
	configFlag *string
	outputFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag, outputFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		outputFlag: outputFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) output() string {
	if c.outputFlag == nil {
		return outputTable
	}
	return strings.ToLower(strings.TrimSpace(*c.outputFlag))
}

// withBackend opens the configured queue backend for the duration of fn.
func (c *commandContext) withBackend(cmd *cobra.Command, fn func(queueaccess.Backend) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	session, err := queueaccess.Open(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	defer session.Close()
	return fn(session.Backend)
}

// withManager opens the backend and wraps it in a workflow manager with no
// executors, used for control operations that must leave an event trail.
func (c *commandContext) withManager(cmd *cobra.Command, fn func(*workflow.Manager, queueaccess.Backend) error) error {
	return c.withBackend(cmd, func(backend queueaccess.Backend) error {
		cfg := c.configValue()
		manager := workflow.NewManager(cfg, backend, stageexec.NewRegistry(), logging.NewNop(),
			workflow.WithOwner(queue.CurrentOwner("cli")))
		return fn(manager, backend)
	})
}

func (c *commandContext) client() (*daemon.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Paths.APIBind == "" {
		return nil, fmt.Errorf("%w: paths.api_bind is empty", daemon.ErrUnreachable)
	}
	return daemonctl.NewClient(cfg), nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
