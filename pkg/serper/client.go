// Package serper is a client for the Serper.dev Google search API.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL    = "https://google.serper.dev/search"
	defaultNum        = 10
	defaultMaxOrganic = 8
)

// Client runs Google searches through Serper.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest is the POST body. Empty fields fall back to client defaults.
type SearchRequest struct {
	Q    string `json:"q"`
	GL   string `json:"gl,omitempty"`
	HL   string `json:"hl,omitempty"`
	Num  int    `json:"num,omitempty"`
	Page int    `json:"page,omitempty"`
}

// SearchResponse is the trimmed Serper response.
type SearchResponse struct {
	KnowledgeGraph *KnowledgeGraph `json:"knowledgeGraph,omitempty"`
	Organic        []OrganicResult `json:"organic"`
	Credits        int             `json:"credits,omitempty"`
}

// KnowledgeGraph is the entity panel Serper returns for well-known companies.
type KnowledgeGraph struct {
	Title       string `json:"title"`
	Type        string `json:"type"`
	Website     string `json:"website"`
	Description string `json:"description"`
	Address     string `json:"address"`
}

// OrganicResult is one organic search hit.
type OrganicResult struct {
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet"`
	Position int    `json:"position"`
}

// APIError is returned for responses with status >= 400.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("serper: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the search endpoint.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithLocale sets the default country (gl) and language (hl).
func WithLocale(gl, hl string) Option {
	return func(c *httpClient) {
		if gl != "" {
			c.gl = gl
		}
		if hl != "" {
			c.hl = hl
		}
	}
}

// WithNum sets the default result count, clamped to 1..100.
func WithNum(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.num = min(n, 100)
		}
	}
}

// WithQPS throttles requests to qps per second. Zero disables throttling.
func WithQPS(qps float64) Option {
	return func(c *httpClient) {
		if qps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(qps), max(int(qps), 1))
		} else {
			c.limiter = nil
		}
	}
}

// WithMaxOrganic caps how many organic results are kept per response.
func WithMaxOrganic(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxOrganic = n
		}
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	gl, hl     string
	num        int
	maxOrganic int
	limiter    *rate.Limiter
	http       *http.Client
}

// NewClient creates a Serper client. Requests are throttled to 5 per
// second unless WithQPS says otherwise.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    defaultBaseURL,
		gl:         "us",
		hl:         "en",
		num:        defaultNum,
		maxOrganic: defaultMaxOrganic,
		limiter:    rate.NewLimiter(5, 5),
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	if c.apiKey == "" {
		return nil, eris.New("serper: api key is not configured")
	}
	req.Q = strings.TrimSpace(req.Q)
	if req.Q == "" {
		return &SearchResponse{}, nil
	}
	if req.GL == "" {
		req.GL = c.gl
	}
	if req.HL == "" {
		req.HL = c.hl
	}
	if req.Num <= 0 {
		req.Num = c.num
	}
	req.Num = min(req.Num, 100)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "serper: rate limit")
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "serper: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "serper: create request")
	}
	httpReq.Header.Set("X-API-KEY", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "serper: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "serper: read response")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), 500),
			RetryAfter: retryAfter(resp.Header),
		}
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "serper: unmarshal response")
	}
	if len(result.Organic) > c.maxOrganic {
		result.Organic = result.Organic[:c.maxOrganic]
	}
	return &result, nil
}

func retryAfter(h http.Header) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
