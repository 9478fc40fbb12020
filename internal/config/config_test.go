package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"conveyor/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "conveyor")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Queue.SQLitePath != filepath.Join(wantState, "queue.db") {
		t.Fatalf("unexpected sqlite path: %q", cfg.Queue.SQLitePath)
	}
	if cfg.Paths.LockFile != filepath.Join(wantState, "conveyord.lock") {
		t.Fatalf("unexpected lock file: %q", cfg.Paths.LockFile)
	}
	if strings.Join(cfg.Pipeline.Stages, ",") != "schedule,script,image,video,publish" {
		t.Fatalf("unexpected stages: %v", cfg.Pipeline.Stages)
	}
	if cfg.PoolSize() != 10 {
		t.Fatalf("expected default pool of 10 slots, got %d", cfg.PoolSize())
	}
	if cfg.Dispatcher.FallbackClass != "deep-reasoning" {
		t.Fatalf("unexpected fallback class: %q", cfg.Dispatcher.FallbackClass)
	}
	if cfg.Conflict.PollInterval != 10 || cfg.Conflict.WaitCeiling != 900 {
		t.Fatalf("unexpected conflict timings: %+v", cfg.Conflict)
	}
}

func TestLoadCustomPathReplacesLists(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "conveyor.toml")
	contents := `
[pipeline]
stages = ["Script", "publish"]
stage_timeout = 120

[pipeline.executors.publish]
kind = "command"
command = "uploader"

[dispatcher]
fallback_class = "solo"

[[dispatcher.classes]]
name = "solo"
slots = 3
timeout_seconds = 60
keywords = [" Upload "]
`
	if err := os.WriteFile(configPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected custom path to be used, got %q exists=%v", resolved, exists)
	}
	if strings.Join(cfg.Pipeline.Stages, ",") != "script,publish" {
		t.Fatalf("expected stages replaced and lowercased, got %v", cfg.Pipeline.Stages)
	}
	if len(cfg.Dispatcher.Classes) != 1 || cfg.Dispatcher.Classes[0].Keywords[0] != "upload" {
		t.Fatalf("expected single normalized class, got %+v", cfg.Dispatcher.Classes)
	}
	if cfg.PoolSize() != 3 {
		t.Fatalf("expected pool size 3, got %d", cfg.PoolSize())
	}
	if exec := cfg.ExecutorFor("publish"); exec.Kind != config.ExecutorCommand || exec.Command != "uploader" {
		t.Fatalf("unexpected publish executor: %+v", exec)
	}
	if exec := cfg.ExecutorFor("script"); exec.Kind != config.ExecutorHTTP || !strings.HasSuffix(exec.URL, "/script") {
		t.Fatalf("unexpected script executor: %+v", exec)
	}
	if cfg.StageTimeout().Seconds() != 120 {
		t.Fatalf("unexpected stage timeout: %v", cfg.StageTimeout())
	}
}

func TestEnvVarOverridesConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "conveyor.toml")

	type payload struct {
		Queue struct {
			Driver      string `toml:"driver"`
			PostgresDSN string `toml:"postgres_dsn"`
		} `toml:"queue"`
		LLM struct {
			APIKey string `toml:"api_key"`
		} `toml:"llm"`
	}
	custom := payload{}
	custom.Queue.Driver = "postgres"
	custom.Queue.PostgresDSN = "postgres://file"
	custom.LLM.APIKey = "file-key"

	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	t.Setenv("CONVEYOR_POSTGRES_DSN", "postgres://env")
	t.Setenv("CONVEYOR_LLM_API_KEY", "env-key")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Queue.PostgresDSN != "postgres://env" {
		t.Errorf("expected DSN from env, got %q", cfg.Queue.PostgresDSN)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected LLM key from env, got %q", cfg.LLM.APIKey)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "your_openrouter_api_key_here") {
		t.Fatalf("sample config missing placeholder key: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if len(cfg.Dispatcher.Classes) != 3 {
		t.Fatalf("expected three sample classes, got %d", len(cfg.Dispatcher.Classes))
	}

	t.Setenv("HOME", t.TempDir())
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config should load cleanly: %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero stage timeout", func(c *config.Config) { c.Pipeline.StageTimeout = 0 }},
		{"no stages", func(c *config.Config) { c.Pipeline.Stages = nil }},
		{"duplicate stage", func(c *config.Config) { c.Pipeline.Stages = []string{"script", "script"} }},
		{"heartbeat interval", func(c *config.Config) { c.Workflow.HeartbeatInterval = 0 }},
		{"heartbeat timeout", func(c *config.Config) { c.Workflow.HeartbeatTimeout = c.Workflow.HeartbeatInterval }},
		{"ceiling below poll", func(c *config.Config) { c.Conflict.WaitCeiling = 5 }},
		{"zero slots", func(c *config.Config) { c.Dispatcher.Classes[0].Slots = 0 }},
		{"unknown fallback", func(c *config.Config) { c.Dispatcher.FallbackClass = "nope" }},
		{"bad driver", func(c *config.Config) { c.Queue.Driver = "mysql" }},
		{"postgres without dsn", func(c *config.Config) { c.Queue.Driver = config.DriverPostgres }},
		{"llm without key", func(c *config.Config) { c.LLM.Enabled = true }},
		{"unknown executor stage", func(c *config.Config) {
			c.Pipeline.Executors = map[string]config.StageExecutor{"mix": {Kind: "http", URL: "http://x"}}
		}},
		{"bad log format", func(c *config.Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Queue.SQLitePath = "/tmp/queue.db"
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
		})
	}

	cfg := config.Default()
	cfg.Queue.SQLitePath = "/tmp/queue.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}
