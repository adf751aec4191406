package gateway

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/dm-finder/internal/resilience"
	"github.com/sells-group/dm-finder/pkg/anthropic"
	"github.com/sells-group/dm-finder/pkg/perplexity"
)

// Default models per provider, used when configuration leaves the model empty.
const (
	DefaultOpenAIModel    = "sonar"
	DefaultAnthropicModel = "claude-haiku-4-5"
	DefaultGeminiModel    = "gemini-2.5-flash"

	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
)

// InferenceConfig holds the settings shared by every inference adapter.
type InferenceConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	// JSONMode sends response_format json_object to OpenAI-compatible
	// endpoints. Sonar rejects it, so it is opt-in.
	JSONMode bool
	Breaker  resilience.CircuitBreakerConfig
}

func (c InferenceConfig) withDefaults(model string) InferenceConfig {
	if c.Model == "" {
		c.Model = model
	}
	if c.Temperature <= 0 {
		c.Temperature = defaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultMaxTokens
	}
	return c
}

func maxTokens(p Prompt, cfg InferenceConfig) int {
	if p.MaxTokens > 0 {
		return p.MaxTokens
	}
	return cfg.MaxTokens
}

// OpenAIInference calls an OpenAI-compatible chat completions endpoint.
// Perplexity Sonar is the default target.
type OpenAIInference struct {
	client  perplexity.Client
	cfg     InferenceConfig
	breaker *resilience.CircuitBreaker
}

// NewOpenAIInference wraps a chat completions client.
func NewOpenAIInference(client perplexity.Client, cfg InferenceConfig) *OpenAIInference {
	cfg = cfg.withDefaults(DefaultOpenAIModel)
	return &OpenAIInference{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("openai", cfg.Breaker),
	}
}

// Complete implements Inference.
func (o *OpenAIInference) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	temp := o.cfg.Temperature
	mt := maxTokens(p, o.cfg)
	req := perplexity.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: &temp,
		MaxTokens:   &mt,
	}
	if p.System != "" {
		req.Messages = append(req.Messages, perplexity.Message{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, perplexity.Message{Role: "user", Content: p.User})
	if p.JSON && o.cfg.JSONMode {
		req.ResponseFormat = &perplexity.ResponseFormat{Type: "json_object"}
	}

	resp, err := resilience.Execute(ctx, o.breaker, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		resp, err := o.client.ChatCompletion(ctx, req)
		return resp, classify("openai", err)
	})
	if err != nil {
		return nil, eris.Wrap(err, "gateway: openai completion")
	}
	return &Completion{
		Text:             resp.Content(),
		Provider:         "openai",
		Model:            o.cfg.Model,
		PromptTokens:     int64(resp.Usage.PromptTokens),
		CompletionTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// AnthropicInference calls the Anthropic Messages API. The system prompt is
// marked for prompt caching since it repeats for every company in a job.
type AnthropicInference struct {
	client  anthropic.Client
	cfg     InferenceConfig
	breaker *resilience.CircuitBreaker
}

// NewAnthropicInference wraps an Anthropic client.
func NewAnthropicInference(client anthropic.Client, cfg InferenceConfig) *AnthropicInference {
	cfg = cfg.withDefaults(DefaultAnthropicModel)
	return &AnthropicInference{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("anthropic", cfg.Breaker),
	}
}

// Complete implements Inference.
func (a *AnthropicInference) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	temp := a.cfg.Temperature
	req := anthropic.MessageRequest{
		Model:       a.cfg.Model,
		MaxTokens:   int64(maxTokens(p, a.cfg)),
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &temp,
	}
	if p.System != "" {
		req.System = anthropic.CachedSystem(p.System)
	}

	resp, err := resilience.Execute(ctx, a.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := a.client.CreateMessage(ctx, req)
		return resp, classify("anthropic", err)
	})
	if err != nil {
		return nil, eris.Wrap(err, "gateway: anthropic completion")
	}
	return &Completion{
		Text:             resp.Text(),
		Provider:         "anthropic",
		Model:            a.cfg.Model,
		PromptTokens:     resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// generator is the slice of *genai.Models the Gemini adapter uses.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiInference calls Gemini through the Google GenAI SDK.
type GeminiInference struct {
	models  generator
	cfg     InferenceConfig
	breaker *resilience.CircuitBreaker
}

// NewGeminiInference creates a Gemini API client. baseURL may be empty.
func NewGeminiInference(ctx context.Context, apiKey, baseURL string, cfg InferenceConfig) (*GeminiInference, error) {
	if apiKey == "" {
		return nil, eris.New("gateway: gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
		cc.HTTPClient = http.DefaultClient
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "gateway: create gemini client")
	}
	return newGeminiInference(client.Models, cfg), nil
}

func newGeminiInference(models generator, cfg InferenceConfig) *GeminiInference {
	cfg = cfg.withDefaults(DefaultGeminiModel)
	return &GeminiInference{
		models:  models,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("gemini", cfg.Breaker),
	}
}

// Complete implements Inference.
func (g *GeminiInference) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	temp := float32(g.cfg.Temperature)
	gc := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(maxTokens(p, g.cfg)), //nolint:gosec // bounded by configuration
	}
	if p.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	contents := []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}

	resp, err := resilience.Execute(ctx, g.breaker, func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := g.models.GenerateContent(ctx, g.cfg.Model, contents, gc)
		return resp, classify("gemini", err)
	})
	if err != nil {
		return nil, eris.Wrap(err, "gateway: gemini completion")
	}

	out := &Completion{Text: resp.Text(), Provider: "gemini", Model: g.cfg.Model}
	if resp.UsageMetadata != nil {
		out.PromptTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.CompletionTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
