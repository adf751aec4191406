// Package gateway adapts the LLM and web search clients in pkg/ to the two
// narrow interfaces the discovery engine consumes. Adapters translate client
// errors into the resilience taxonomy and guard each provider with a circuit
// breaker. They never retry; retries belong to the calling stage.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/resilience"
	"github.com/sells-group/dm-finder/pkg/jina"
	"github.com/sells-group/dm-finder/pkg/perplexity"
	"github.com/sells-group/dm-finder/pkg/serper"
)

// Prompt is one inference request.
type Prompt struct {
	System    string
	User      string
	JSON      bool // ask the provider for a JSON object when it supports it
	MaxTokens int
}

// Completion is the text a provider returned plus its token usage.
type Completion struct {
	Text             string
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Inference issues prompt/response calls to an LLM.
type Inference interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Search issues one web search query.
type Search interface {
	Name() string
	Search(ctx context.Context, query string) ([]model.Snippet, error)
}

// CompleteJSON runs p and decodes the response into v. A response that is
// not valid JSON yields an InvalidResponseError; the completion is still
// returned so callers can account for the tokens spent.
func CompleteJSON(ctx context.Context, inf Inference, p Prompt, v any) (*Completion, error) {
	p.JSON = true
	c, err := inf.Complete(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := DecodeJSON(c.Text, v); err != nil {
		return c, err
	}
	return c, nil
}

// DecodeJSON parses model output into v. It accepts a bare JSON document,
// one wrapped in markdown fences, or an object embedded in prose.
func DecodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return resilience.NewInvalidResponseError(eris.New("gateway: empty model response"), text)
	}
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	cleaned := cleanJSON(text)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return resilience.NewInvalidResponseError(eris.Wrap(err, "gateway: decode model json"), text)
	}
	return nil
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// classify maps a client error onto TransientError, RateLimitedError or a
// plain error. Errors without an HTTP status pass through unchanged, so
// network failures are still recognised by resilience.IsTransient.
func classify(service string, err error) error {
	if err == nil {
		return nil
	}

	var pe *perplexity.APIError
	if errors.As(err, &pe) {
		return resilience.FromHTTPStatus(service, pe.StatusCode, pe.Body, pe.RetryAfter)
	}
	var se *serper.APIError
	if errors.As(err, &se) {
		return resilience.FromHTTPStatus(service, se.StatusCode, se.Body, se.RetryAfter)
	}
	var je *jina.APIError
	if errors.As(err, &je) {
		return resilience.FromHTTPStatus(service, je.StatusCode, je.Body, 0)
	}
	var ae *sdk.Error
	if errors.As(err, &ae) {
		var ra time.Duration
		if ae.Response != nil {
			ra = resilience.ParseRetryAfter(ae.Response.Header)
		}
		return resilience.FromHTTPStatus(service, ae.StatusCode, ae.Error(), ra)
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return resilience.FromHTTPStatus(service, ge.Code, ge.Message, 0)
	}
	var gpe *genai.APIError
	if errors.As(err, &gpe) {
		return resilience.FromHTTPStatus(service, gpe.Code, gpe.Message, 0)
	}
	return err
}
