package stageexec

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"conveyor/internal/config"
	"conveyor/internal/queue"
	"conveyor/internal/stage"
	"conveyor/internal/stage/cmdstage"
	"conveyor/internal/stage/httpstage"
)

// Registry maps pipeline stages to their executors.
type Registry struct {
	executors map[queue.Stage]stage.Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[queue.Stage]stage.Executor)}
}

// Register installs exec for name, replacing any previous executor.
func (r *Registry) Register(name queue.Stage, exec stage.Executor) {
	if exec == nil {
		delete(r.executors, name)
		return
	}
	r.executors[name] = exec
}

// Get returns the executor for name.
func (r *Registry) Get(name queue.Stage) (stage.Executor, bool) {
	if r == nil {
		return nil, false
	}
	exec, ok := r.executors[name]
	return exec, ok
}

// Stages lists registered stages in name order.
func (r *Registry) Stages() []queue.Stage {
	names := make([]queue.Stage, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// HealthCheck collects readiness for every registered stage.
func (r *Registry) HealthCheck(ctx context.Context) []stage.Health {
	stages := r.Stages()
	out := make([]stage.Health, 0, len(stages))
	for _, name := range stages {
		health := r.executors[name].HealthCheck(ctx)
		health.Name = string(name)
		out = append(out, health)
	}
	return out
}

// Build wires an executor for every configured stage from cfg. client is used
// by HTTP executors and may be nil.
func Build(cfg *config.Config, client *http.Client) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	reg := NewRegistry()
	for _, name := range cfg.Pipeline.Stages {
		wiring := cfg.ExecutorFor(name)
		switch strings.ToLower(strings.TrimSpace(wiring.Kind)) {
		case config.ExecutorHTTP:
			reg.Register(queue.Stage(name), httpstage.New(name, wiring.URL, httpstage.WithHTTPClient(client)))
		case config.ExecutorCommand:
			reg.Register(queue.Stage(name), cmdstage.New(name, wiring.Command, wiring.Args))
		default:
			return nil, fmt.Errorf("stage %s: unknown executor kind %q", name, wiring.Kind)
		}
	}
	return reg, nil
}
