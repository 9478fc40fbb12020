package dispatch

import (
	"log/slog"

	"conveyor/internal/config"
	"conveyor/internal/logging"
)

// Routing bundles the slot accounting and classifier chain built from
// configuration. Model is nil when model routing is disabled.
type Routing struct {
	Capacity *Capacity
	Chain    *Chain
	Model    *ModelClassifier
}

// BuildRouting assembles keyword, optional model and fallback classifiers
// for the configured classes.
func BuildRouting(cfg *config.Config, client ModelClient, logger *slog.Logger) Routing {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "classifier")
	classes := cfg.Dispatcher.Classes
	capacity := NewCapacity(classes)

	classifiers := []Classifier{NewKeywordClassifier(classes)}
	var model *ModelClassifier
	if cfg.LLM.Enabled && client != nil {
		model = NewModelClassifier(client, classes,
			WithPromptFile(cfg.LLM.PromptFile),
			WithModelLogger(logger),
		)
		classifiers = append(classifiers, model)
	}
	chain := NewChain(cfg.Dispatcher.FallbackClass, capacity.Has, logger, classifiers...)
	return Routing{Capacity: capacity, Chain: chain, Model: model}
}
