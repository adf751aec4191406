package gateway

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
	"github.com/sells-group/dm-finder/pkg/jina"
	"github.com/sells-group/dm-finder/pkg/serper"
)

// SerperSearch runs queries through Serper's Google search API.
type SerperSearch struct {
	client  serper.Client
	breaker *resilience.CircuitBreaker
}

// NewSerperSearch wraps a Serper client.
func NewSerperSearch(client serper.Client, cb resilience.CircuitBreakerConfig) *SerperSearch {
	return &SerperSearch{client: client, breaker: resilience.NewCircuitBreaker("serper", cb)}
}

// Name implements Search.
func (s *SerperSearch) Name() string { return "serper" }

// Search implements Search.
func (s *SerperSearch) Search(ctx context.Context, query string) ([]model.Snippet, error) {
	resp, err := resilience.Execute(ctx, s.breaker, func(ctx context.Context) (*serper.SearchResponse, error) {
		resp, err := s.client.Search(ctx, serper.SearchRequest{Q: query})
		return resp, classify("serper", err)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "gateway: serper search %q", query)
	}

	out := make([]model.Snippet, 0, len(resp.Organic))
	for _, r := range resp.Organic {
		if r.Link == "" {
			continue
		}
		out = append(out, model.Snippet{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.Link,
			Excerpt: strings.TrimSpace(r.Snippet),
			Query:   query,
		})
	}
	return out, nil
}

// JinaSearch runs queries through s.jina.ai.
type JinaSearch struct {
	client  jina.Client
	count   int
	breaker *resilience.CircuitBreaker
}

// NewJinaSearch wraps a Jina client. count caps results per query; zero
// leaves the API default.
func NewJinaSearch(client jina.Client, count int, cb resilience.CircuitBreakerConfig) *JinaSearch {
	return &JinaSearch{client: client, count: count, breaker: resilience.NewCircuitBreaker("jina", cb)}
}

// Name implements Search.
func (j *JinaSearch) Name() string { return "jina" }

// Search implements Search.
func (j *JinaSearch) Search(ctx context.Context, query string) ([]model.Snippet, error) {
	var opts []jina.SearchOption
	if j.count > 0 {
		opts = append(opts, jina.WithCount(j.count))
	}
	resp, err := resilience.Execute(ctx, j.breaker, func(ctx context.Context) (*jina.SearchResponse, error) {
		resp, err := j.client.Search(ctx, query, opts...)
		return resp, classify("jina", err)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "gateway: jina search %q", query)
	}

	out := make([]model.Snippet, 0, len(resp.Data))
	for _, r := range resp.Data {
		if r.URL == "" {
			continue
		}
		excerpt := r.Description
		if excerpt == "" {
			excerpt = r.Content
		}
		out = append(out, model.Snippet{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Excerpt: strings.TrimSpace(excerpt),
			Query:   query,
		})
	}
	return out, nil
}

// Fallback tries each provider in order and returns the first success.
// Only retryable failures move on to the next provider; a permanent error
// (bad key, malformed query) is returned as is.
type Fallback struct {
	chain []Search
}

// NewFallback builds a fallback chain. A single provider is returned as is.
func NewFallback(chain ...Search) Search {
	if len(chain) == 1 {
		return chain[0]
	}
	return &Fallback{chain: chain}
}

// Name implements Search.
func (f *Fallback) Name() string {
	names := make([]string, len(f.chain))
	for i, s := range f.chain {
		names[i] = s.Name()
	}
	return strings.Join(names, ">")
}

// Search implements Search.
func (f *Fallback) Search(ctx context.Context, query string) ([]model.Snippet, error) {
	if len(f.chain) == 0 {
		return nil, eris.New("gateway: no search provider configured")
	}
	var lastErr error
	for i, s := range f.chain {
		out, err := s.Search(ctx, query)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil || !resilience.IsRetryable(err) {
			return nil, err
		}
		if i < len(f.chain)-1 {
			zap.L().Warn("gateway: search provider failed, falling back",
				zap.String("provider", s.Name()),
				zap.String("next", f.chain[i+1].Name()),
				zap.String("class", string(resilience.ClassifyError(err))),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}
