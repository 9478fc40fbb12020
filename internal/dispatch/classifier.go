package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"conveyor/internal/config"
	"conveyor/internal/logging"
)

// Decision records which class runs a job and why.
type Decision struct {
	Class      string  `json:"class"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Classifier string  `json:"classifier"`
}

// Classifier picks a class for job text. ok is false when the classifier has
// no opinion.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, text string) (Decision, bool)
}

// KeywordClassifier matches configured keywords against job text. Classes are
// consulted in declaration order and the first hit wins.
type KeywordClassifier struct {
	classes []config.WorkerClass
}

const keywordConfidence = 0.9

// NewKeywordClassifier builds a keyword matcher over classes.
func NewKeywordClassifier(classes []config.WorkerClass) *KeywordClassifier {
	return &KeywordClassifier{classes: classes}
}

// Name implements Classifier.
func (k *KeywordClassifier) Name() string { return "keyword" }

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, text string) (Decision, bool) {
	lowered := strings.ToLower(text)
	if strings.TrimSpace(lowered) == "" {
		return Decision{}, false
	}
	for _, class := range k.classes {
		for _, keyword := range class.Keywords {
			keyword = strings.ToLower(strings.TrimSpace(keyword))
			if keyword == "" {
				continue
			}
			if strings.Contains(lowered, keyword) {
				return Decision{
					Class:      class.Name,
					Reason:     "keyword match: " + keyword,
					Confidence: keywordConfidence,
					Classifier: k.Name(),
				}, true
			}
		}
	}
	return Decision{}, false
}

// DefaultClassifier always answers with its class.
type DefaultClassifier struct {
	Class string
}

const defaultConfidence = 0.5

// Name implements Classifier.
func (d DefaultClassifier) Name() string { return "default" }

// Classify implements Classifier.
func (d DefaultClassifier) Classify(context.Context, string) (Decision, bool) {
	return Decision{
		Class:      d.Class,
		Reason:     "default fallback",
		Confidence: defaultConfidence,
		Classifier: d.Name(),
	}, true
}

// Chain runs classifiers in order. An answer naming a class without slots is
// ignored and the next classifier is asked; the fallback class answers last.
type Chain struct {
	classifiers []Classifier
	fallback    DefaultClassifier
	known       func(string) bool
	logger      *slog.Logger
}

// NewChain builds a chain ending in the fallback class. known reports
// whether a class can run jobs.
func NewChain(fallback string, known func(string) bool, logger *slog.Logger, classifiers ...Classifier) *Chain {
	if logger == nil {
		logger = logging.NewNop()
	}
	if known == nil {
		known = func(string) bool { return true }
	}
	return &Chain{
		classifiers: classifiers,
		fallback:    DefaultClassifier{Class: fallback},
		known:       known,
		logger:      logger,
	}
}

// Classify returns the first usable decision.
func (c *Chain) Classify(ctx context.Context, text string) Decision {
	for _, classifier := range c.classifiers {
		decision, ok := classifier.Classify(ctx, text)
		if !ok {
			continue
		}
		if !c.known(decision.Class) {
			c.logger.Debug("classifier chose an unconfigured class",
				logging.String("classifier", classifier.Name()),
				logging.String(logging.FieldClass, decision.Class),
			)
			continue
		}
		return decision
	}
	decision, _ := c.fallback.Classify(ctx, text)
	return decision
}
