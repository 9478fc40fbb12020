package dispatch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/services/llm"
)

func routingClasses() []config.WorkerClass {
	return []config.WorkerClass{
		{Name: "planning", Slots: 2, Keywords: []string{"plan", "architecture", "review"}},
		{Name: "high-throughput", Slots: 2, Keywords: []string{"shortform", "thumbnail"}},
		{Name: "deep-reasoning", Slots: 6, Keywords: []string{"longform", "script", "bug"}},
	}
}

func TestKeywordClassifierFirstClassWins(t *testing.T) {
	classifier := dispatch.NewKeywordClassifier(routingClasses())
	ctx := context.Background()

	decision, ok := classifier.Classify(ctx, "Review the LONGFORM script outline")
	require.True(t, ok)
	assert.Equal(t, "planning", decision.Class)
	assert.Equal(t, "keyword match: review", decision.Reason)
	assert.InDelta(t, 0.9, decision.Confidence, 1e-9)
	assert.Equal(t, "keyword", decision.Classifier)

	decision, ok = classifier.Classify(ctx, "cat facts\nthumbnail")
	require.True(t, ok)
	assert.Equal(t, "high-throughput", decision.Class)

	_, ok = classifier.Classify(ctx, "weekly newsletter")
	assert.False(t, ok)
	_, ok = classifier.Classify(ctx, "   ")
	assert.False(t, ok)
}

func TestChainFallsBackToDefault(t *testing.T) {
	chain := dispatch.NewChain("deep-reasoning", nil, nil, dispatch.NewKeywordClassifier(routingClasses()))
	decision := chain.Classify(context.Background(), "weekly newsletter")
	assert.Equal(t, dispatch.Decision{
		Class:      "deep-reasoning",
		Reason:     "default fallback",
		Confidence: 0.5,
		Classifier: "default",
	}, decision)
}

type stubClassifier struct {
	name     string
	decision dispatch.Decision
	ok       bool
	calls    int
}

func (s *stubClassifier) Name() string { return s.name }

func (s *stubClassifier) Classify(context.Context, string) (dispatch.Decision, bool) {
	s.calls++
	return s.decision, s.ok
}

func TestChainSkipsUnconfiguredClass(t *testing.T) {
	capacity := dispatch.NewCapacity(routingClasses())
	rogue := &stubClassifier{name: "rogue", decision: dispatch.Decision{Class: "gpu-farm"}, ok: true}
	silent := &stubClassifier{name: "silent"}
	good := &stubClassifier{name: "good", decision: dispatch.Decision{Class: "planning", Classifier: "good"}, ok: true}

	chain := dispatch.NewChain("deep-reasoning", capacity.Has, nil, rogue, silent, good)
	decision := chain.Classify(context.Background(), "anything")
	assert.Equal(t, "planning", decision.Class)
	assert.Equal(t, 1, rogue.calls)
	assert.Equal(t, 1, silent.calls)
	assert.Equal(t, 1, good.calls)
}

type fakeModel struct {
	available bool
	answer    llm.Classification
	err       error
	calls     atomic.Int32
	gate      chan struct{}

	mu      sync.Mutex
	prompts []string
}

func (f *fakeModel) Available() bool { return f.available }

func (f *fakeModel) ClassifyJob(_ context.Context, systemPrompt, _ string) (llm.Classification, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, systemPrompt)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	return f.answer, f.err
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func TestModelClassifierReportsModelConfidence(t *testing.T) {
	model := &fakeModel{available: true, answer: llm.Classification{Class: "high-throughput", Confidence: 0.72, Reason: "short clip"}}
	classifier := dispatch.NewModelClassifier(model, routingClasses())

	decision, ok := classifier.Classify(context.Background(), "weekly newsletter")
	require.True(t, ok)
	assert.Equal(t, "high-throughput", decision.Class)
	assert.InDelta(t, 0.72, decision.Confidence, 1e-9)
	assert.Equal(t, "model: short clip", decision.Reason)
	assert.Contains(t, model.lastPrompt(), "- planning: plan, architecture, review")
}

func TestModelClassifierSkipsWhenUnavailable(t *testing.T) {
	unavailable := &fakeModel{available: false}
	_, ok := dispatch.NewModelClassifier(unavailable, routingClasses()).Classify(context.Background(), "x")
	assert.False(t, ok)
	assert.Zero(t, unavailable.calls.Load())

	failing := &fakeModel{available: true, err: errors.New("boom")}
	chain := dispatch.NewChain("deep-reasoning", nil, nil, dispatch.NewModelClassifier(failing, routingClasses()))
	assert.Equal(t, "default", chain.Classify(context.Background(), "x").Classifier)
}

func TestModelClassifierSharesConcurrentRequests(t *testing.T) {
	model := &fakeModel{
		available: true,
		answer:    llm.Classification{Class: "planning", Confidence: 0.8},
		gate:      make(chan struct{}),
	}
	classifier := dispatch.NewModelClassifier(model, routingClasses())

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan dispatch.Decision, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, _ := classifier.Classify(context.Background(), "same job text")
			results <- decision
		}()
	}
	require.Eventually(t, func() bool { return model.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(model.gate)
	wg.Wait()
	close(results)

	for decision := range results {
		assert.Equal(t, "planning", decision.Class)
	}
	assert.LessOrEqual(t, model.calls.Load(), int32(callers))
	assert.GreaterOrEqual(t, model.calls.Load(), int32(1))
}

func TestModelClassifierReloadsPromptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatcher_prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte("first prompt\n{classes}"), 0o644))

	model := &fakeModel{available: true, answer: llm.Classification{Class: "planning"}}
	classifier := dispatch.NewModelClassifier(model, routingClasses(), dispatch.WithPromptFile(path))
	assert.True(t, strings.HasPrefix(classifier.Prompt(), "first prompt"))
	assert.Contains(t, classifier.Prompt(), "- deep-reasoning: longform, script, bug")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- classifier.Watch(ctx) }()

	require.Eventually(t, func() bool {
		if err := os.WriteFile(path, []byte("second prompt"), 0o644); err != nil {
			return false
		}
		return classifier.Prompt() == "second prompt"
	}, 3*time.Second, 50*time.Millisecond)

	_, ok := classifier.Classify(context.Background(), "route me")
	require.True(t, ok)
	assert.Equal(t, "second prompt", model.lastPrompt())

	cancel()
	require.NoError(t, <-done)
}

func TestModelClassifierFallsBackToBuiltInPrompt(t *testing.T) {
	model := &fakeModel{available: true}
	classifier := dispatch.NewModelClassifier(model, routingClasses(),
		dispatch.WithPromptFile(filepath.Join(t.TempDir(), "missing.txt")))
	assert.Contains(t, classifier.Prompt(), "You route work items to worker classes.")
}
