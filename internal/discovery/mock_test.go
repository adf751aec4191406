package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sells-group/dm-finder/internal/gateway"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
)

// mockInference answers enrichment and extraction prompts separately.
type mockInference struct {
	mu sync.Mutex

	enrich     string
	enrichErr  error
	extract    string
	extractErr error

	enrichCalls  int
	extractCalls int
	lastExtract  gateway.Prompt
}

func (m *mockInference) Complete(_ context.Context, p gateway.Prompt) (*gateway.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.System == enrichSystemPrompt {
		m.enrichCalls++
		if m.enrichErr != nil {
			return nil, m.enrichErr
		}
		return &gateway.Completion{Text: m.enrich, PromptTokens: 100, CompletionTokens: 20}, nil
	}
	m.extractCalls++
	m.lastExtract = p
	if m.extractErr != nil {
		return nil, m.extractErr
	}
	return &gateway.Completion{Text: m.extract, PromptTokens: 400, CompletionTokens: 80}, nil
}

// mockSearch returns canned results keyed by a substring of the query.
type mockSearch struct {
	mu      sync.Mutex
	results map[string][]model.Snippet
	err     error
	queries []string
}

func (m *mockSearch) Name() string { return "mock" }

func (m *mockSearch) Search(_ context.Context, q string) ([]model.Snippet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, m.err
	}
	var out []model.Snippet
	for k, v := range m.results {
		if strings.Contains(q, k) {
			out = append(out, v...)
		}
	}
	return out, nil
}

func fastConfig() Config {
	return Config{
		MaxQueries:  6,
		MaxSnippets: 8,
		CacheTTL:    time.Hour,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
		},
	}
}

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestEngine(inf gateway.Inference, s gateway.Search, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(inf, s, fastConfig(), opts...)
}
