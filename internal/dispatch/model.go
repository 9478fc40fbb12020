package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/services/llm"
)

// ModelClient is the slice of the LLM client the model classifier needs.
type ModelClient interface {
	Available() bool
	ClassifyJob(ctx context.Context, systemPrompt, text string) (llm.Classification, error)
}

// ModelClassifier asks a language model to route jobs that no keyword
// matched. Identical job texts in flight share one request.
type ModelClassifier struct {
	client     ModelClient
	classes    []config.WorkerClass
	promptFile string
	logger     *slog.Logger
	group      singleflight.Group

	mu     sync.RWMutex
	prompt string
}

// ModelOption customizes a ModelClassifier.
type ModelOption func(*ModelClassifier)

// WithPromptFile loads the system prompt template from path. The template may
// reference {classes}.
func WithPromptFile(path string) ModelOption {
	return func(m *ModelClassifier) {
		m.promptFile = strings.TrimSpace(path)
	}
}

// WithModelLogger sets the classifier logger.
func WithModelLogger(logger *slog.Logger) ModelOption {
	return func(m *ModelClassifier) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewModelClassifier constructs a model classifier for classes.
func NewModelClassifier(client ModelClient, classes []config.WorkerClass, opts ...ModelOption) *ModelClassifier {
	m := &ModelClassifier{
		client:  client,
		classes: classes,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.prompt = defaultPrompt(classes)
	if m.promptFile != "" {
		if err := m.Reload(); err != nil {
			m.logger.Warn("classifier prompt unreadable; using built-in prompt",
				logging.String("path", m.promptFile),
				logging.Error(err),
				logging.String(logging.FieldEventType, "classifier_prompt_fallback"),
			)
		}
	}
	return m
}

// Name implements Classifier.
func (m *ModelClassifier) Name() string { return "model" }

// Prompt returns the current system prompt.
func (m *ModelClassifier) Prompt() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prompt
}

// Reload re-reads the prompt file.
func (m *ModelClassifier) Reload() error {
	if m.promptFile == "" {
		return nil
	}
	data, err := os.ReadFile(m.promptFile)
	if err != nil {
		return fmt.Errorf("read classifier prompt: %w", err)
	}
	template := strings.TrimSpace(string(data))
	if template == "" {
		return fmt.Errorf("classifier prompt %s is empty", m.promptFile)
	}
	prompt := strings.ReplaceAll(template, "{classes}", describeClasses(m.classes))
	m.mu.Lock()
	m.prompt = prompt
	m.mu.Unlock()
	return nil
}

// Watch reloads the prompt whenever its file is written until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (m *ModelClassifier) Watch(ctx context.Context) error {
	if m.promptFile == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(m.promptFile)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(m.promptFile), err)
	}
	target := filepath.Clean(m.promptFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("classifier prompt reload failed", logging.Error(err))
				continue
			}
			m.logger.Info("classifier prompt reloaded",
				logging.String("path", m.promptFile),
				logging.String(logging.FieldEventType, "classifier_prompt_reload"),
			)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("classifier prompt watcher error", logging.Error(err))
		}
	}
}

// Classify implements Classifier.
func (m *ModelClassifier) Classify(ctx context.Context, text string) (Decision, bool) {
	if m.client == nil || !m.client.Available() {
		return Decision{}, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Decision{}, false
	}
	prompt := m.Prompt()
	value, err, shared := m.group.Do(text, func() (any, error) {
		return m.client.ClassifyJob(ctx, prompt, text)
	})
	if err != nil {
		m.logger.Warn("model classifier unavailable; falling through",
			logging.Error(err),
			logging.String(logging.FieldEventType, "classifier_model_error"),
		)
		return Decision{}, false
	}
	answer := value.(llm.Classification)
	reason := "model: " + answer.Reason
	if answer.Reason == "" {
		reason = "model decision"
	}
	m.logger.Debug("model classified job",
		logging.String(logging.FieldClass, answer.Class),
		logging.Float64("confidence", answer.Confidence),
		logging.Bool("shared", shared),
	)
	return Decision{
		Class:      answer.Class,
		Reason:     reason,
		Confidence: answer.Confidence,
		Classifier: m.Name(),
	}, true
}

func defaultPrompt(classes []config.WorkerClass) string {
	var b strings.Builder
	b.WriteString("You route work items to worker classes.\n\nClasses:\n")
	b.WriteString(describeClasses(classes))
	b.WriteString("\nAnswer with a single JSON object: ")
	b.WriteString(`{"class": "<class name>", "confidence": <0..1>, "reason": "<short reason>"}`)
	return b.String()
}

func describeClasses(classes []config.WorkerClass) string {
	var b strings.Builder
	for _, class := range classes {
		b.WriteString("- ")
		b.WriteString(class.Name)
		if len(class.Keywords) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(class.Keywords, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
