package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/sells-group/dm-finder/internal/resilience"
	"github.com/sells-group/dm-finder/pkg/anthropic"
	"github.com/sells-group/dm-finder/pkg/perplexity"
)

func chatServer(t *testing.T, check func(body map[string]any)) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","model":"sonar","choices":[{"index":0,"message":{"role":"assistant","content":"{\"people\":[]}"}}],"usage":{"prompt_tokens":120,"completion_tokens":30,"total_tokens":150}}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestOpenAIInference_Complete(t *testing.T) {
	ts := chatServer(t, func(body map[string]any) {
		assert.Equal(t, "sonar", body["model"])
		assert.InDelta(t, 0.2, body["temperature"], 1e-9)
		assert.Nil(t, body["response_format"])

		msgs := body["messages"].([]any)
		require.Len(t, msgs, 2)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		assert.Equal(t, "Return only JSON.", msgs[0].(map[string]any)["content"])
		assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
	})

	inf := NewOpenAIInference(perplexity.NewClient("k", perplexity.WithBaseURL(ts.URL)), InferenceConfig{})
	c, err := inf.Complete(context.Background(), Prompt{System: "Return only JSON.", User: "find people", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"people":[]}`, c.Text)
	assert.Equal(t, "openai", c.Provider)
	assert.Equal(t, int64(120), c.PromptTokens)
	assert.Equal(t, int64(30), c.CompletionTokens)
}

func TestOpenAIInference_JSONMode(t *testing.T) {
	ts := chatServer(t, func(body map[string]any) {
		rf, ok := body["response_format"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "json_object", rf["type"])
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.InDelta(t, 512, body["max_tokens"], 1e-9)
	})

	inf := NewOpenAIInference(perplexity.NewClient("k", perplexity.WithBaseURL(ts.URL)), InferenceConfig{
		Model:    "gpt-4o-mini",
		JSONMode: true,
	})
	_, err := inf.Complete(context.Background(), Prompt{User: "x", JSON: true, MaxTokens: 512})
	require.NoError(t, err)
}

func TestOpenAIInference_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		rateLimited bool
		retryable   bool
	}{
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"unavailable", http.StatusServiceUnavailable, false, true},
		{"bad request", http.StatusBadRequest, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			inf := NewOpenAIInference(perplexity.NewClient("k", perplexity.WithBaseURL(ts.URL)), InferenceConfig{})
			_, err := inf.Complete(context.Background(), Prompt{User: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.rateLimited, resilience.IsRateLimited(err))
			assert.Equal(t, tt.retryable, resilience.IsRetryable(err))
		})
	}
}

func TestOpenAIInference_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	inf := NewOpenAIInference(perplexity.NewClient("k", perplexity.WithBaseURL(ts.URL)), InferenceConfig{
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 0},
	})
	for range 2 {
		_, err := inf.Complete(context.Background(), Prompt{User: "x"})
		require.Error(t, err)
	}
	_, err := inf.Complete(context.Background(), Prompt{User: "x"})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestAnthropicInference_Complete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-haiku-4-5", body["model"])
		system := body["system"].([]any)
		require.Len(t, system, 1)
		assert.NotNil(t, system[0].(map[string]any)["cache_control"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5",
			"content":[{"type":"text","text":"{\"people\":[]}"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":40,"output_tokens":9,"cache_creation_input_tokens":0,"cache_read_input_tokens":60}}`))
	}))
	defer ts.Close()

	inf := NewAnthropicInference(anthropic.NewClient("k", anthropic.WithBaseURL(ts.URL)), InferenceConfig{})
	c, err := inf.Complete(context.Background(), Prompt{System: "Return only JSON.", User: "find"})
	require.NoError(t, err)
	assert.Equal(t, `{"people":[]}`, c.Text)
	assert.Equal(t, int64(100), c.PromptTokens)
	assert.Equal(t, int64(9), c.CompletionTokens)
}

func TestAnthropicInference_Overloaded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	}))
	defer ts.Close()

	inf := NewAnthropicInference(anthropic.NewClient("k", anthropic.WithBaseURL(ts.URL)), InferenceConfig{})
	_, err := inf.Complete(context.Background(), Prompt{User: "find"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

type fakeGenerator struct {
	model  string
	config *genai.GenerateContentConfig
	resp   *genai.GenerateContentResponse
	err    error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, _ []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.config = config
	return f.resp, f.err
}

func TestGeminiInference_Complete(t *testing.T) {
	gen := &fakeGenerator{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: `{"people":[]}`}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 80, CandidatesTokenCount: 12},
	}}
	inf := newGeminiInference(gen, InferenceConfig{})

	c, err := inf.Complete(context.Background(), Prompt{System: "sys", User: "find", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"people":[]}`, c.Text)
	assert.Equal(t, int64(80), c.PromptTokens)
	assert.Equal(t, int64(12), c.CompletionTokens)

	assert.Equal(t, DefaultGeminiModel, gen.model)
	require.NotNil(t, gen.config)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	require.NotNil(t, gen.config.SystemInstruction)
	require.NotNil(t, gen.config.Temperature)
	assert.InDelta(t, 0.2, *gen.config.Temperature, 1e-6)
}

func TestGeminiInference_APIError(t *testing.T) {
	gen := &fakeGenerator{err: genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}}
	inf := newGeminiInference(gen, InferenceConfig{})

	_, err := inf.Complete(context.Background(), Prompt{User: "find"})
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
}

func TestNewGeminiInference_RequiresKey(t *testing.T) {
	_, err := NewGeminiInference(context.Background(), "", "", InferenceConfig{})
	require.Error(t, err)
}
