package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromHTTPStatus(t *testing.T) {
	err := FromHTTPStatus("serper", 429, "quota", 2*time.Second)
	assert.True(t, IsRateLimited(err))
	assert.True(t, IsRetryable(err))
	var rl *RateLimitedError
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, 2*time.Second, rl.RetryAfter)

	err = FromHTTPStatus("serper", 503, "down", 0)
	assert.True(t, IsTransient(err))

	err = FromHTTPStatus("serper", 401, "bad key", 0)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "unexpected status 401")
}

func TestIsTransient_Patterns(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", NewTransientError(errors.New("x"), 500))))
	assert.True(t, IsTransient(ErrCircuitOpen))
	assert.False(t, IsTransient(errors.New("validation failed")))
}

func TestIsRetryable_InvalidWins(t *testing.T) {
	err := NewTransientError(NewInvalidResponseError(errors.New("schema"), ""), 500)
	assert.False(t, IsRetryable(err))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, FailureInvalidResponse, ClassifyError(NewInvalidResponseError(errors.New("x"), "")))
	assert.Equal(t, FailureRateLimited, ClassifyError(NewRateLimitedError(errors.New("x"), 0)))
	assert.Equal(t, FailureTransient, ClassifyError(NewTransientError(errors.New("x"), 502)))
	assert.Equal(t, FailurePermanent, ClassifyError(errors.New("x")))
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h))
	h.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, ParseRetryAfter(h))
	h.Set("Retry-After", "Wed, 21 Oct 2015 07:28:00 GMT")
	assert.Zero(t, ParseRetryAfter(h))
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}
