package serper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func organicJSON(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf(`{"title":"Result %d","link":"https://example.com/%d","snippet":"s%d","position":%d}`, i, i, i, i+1)
	}
	return `{"organic":[` + strings.Join(items, ",") + `],"credits":1}`
}

func TestSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "test-key", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, `site:linkedin.com/in "Acme Plumbing" owner`, req.Q)
		assert.Equal(t, "us", req.GL)
		assert.Equal(t, "en", req.HL)
		assert.Equal(t, 10, req.Num)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(organicJSON(12)))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithQPS(0))
	resp, err := c.Search(context.Background(), SearchRequest{Q: `  site:linkedin.com/in "Acme Plumbing" owner `})
	require.NoError(t, err)
	assert.Len(t, resp.Organic, defaultMaxOrganic)
	assert.Equal(t, "https://example.com/0", resp.Organic[0].Link)
	assert.Equal(t, 1, resp.Credits)
}

func TestSearch_RequestOverridesDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gb", req.GL)
		assert.Equal(t, "fr", req.HL)
		assert.Equal(t, 100, req.Num)
		_, _ = w.Write([]byte(organicJSON(3)))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithQPS(0), WithLocale("de", "de"), WithMaxOrganic(2))
	resp, err := c.Search(context.Background(), SearchRequest{Q: "q", GL: "gb", HL: "fr", Num: 500})
	require.NoError(t, err)
	assert.Len(t, resp.Organic, 2)
}

func TestSearch_EmptyQuerySkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	resp, err := NewClient("k", WithBaseURL(srv.URL)).Search(context.Background(), SearchRequest{Q: "   "})
	require.NoError(t, err)
	assert.Empty(t, resp.Organic)
	assert.Zero(t, calls.Load())
}

func TestSearch_MissingKey(t *testing.T) {
	_, err := NewClient(" ").Search(context.Background(), SearchRequest{Q: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestSearch_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"Too many requests"}`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL), WithQPS(0)).Search(context.Background(), SearchRequest{Q: "q"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 3*time.Second, apiErr.RetryAfter)
	assert.Contains(t, apiErr.Body, "Too many requests")
}

func TestSearch_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewClient("k", WithBaseURL(srv.URL), WithQPS(0)).Search(context.Background(), SearchRequest{Q: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal response")
}

func TestSearch_RateLimiterHonorsContext(t *testing.T) {
	c := NewClient("k", WithQPS(0.001)).(*httpClient)
	c.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Search(ctx, SearchRequest{Q: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("key", WithNum(250)).(*httpClient)
	assert.Equal(t, defaultBaseURL, c.baseURL)
	assert.Equal(t, 100, c.num)
	assert.NotNil(t, c.limiter)
}
