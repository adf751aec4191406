package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitedError signals the upstream asked us to slow down. RetryAfter is
// zero when the upstream gave no hint.
type RateLimitedError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return e.Err.Error() }
func (e *RateLimitedError) Unwrap() error { return e.Err }

// NewRateLimitedError wraps err as a rate-limit rejection.
func NewRateLimitedError(err error, retryAfter time.Duration) *RateLimitedError {
	return &RateLimitedError{Err: err, RetryAfter: retryAfter}
}

// InvalidResponseError marks a response that arrived but could not be used,
// such as model output that does not match the expected schema. Never retried.
type InvalidResponseError struct {
	Err  error
	Body string
}

func (e *InvalidResponseError) Error() string { return e.Err.Error() }
func (e *InvalidResponseError) Unwrap() error { return e.Err }

// NewInvalidResponseError wraps err together with the offending payload.
func NewInvalidResponseError(err error, body string) *InvalidResponseError {
	return &InvalidResponseError{Err: err, Body: body}
}

// FromHTTPStatus maps a non-2xx upstream status to the error taxonomy.
// 429 becomes RateLimitedError, 408 and 5xx become TransientError, and
// everything else is returned as a plain error.
func FromHTTPStatus(service string, status int, body string, retryAfter time.Duration) error {
	err := fmt.Errorf("%s: unexpected status %d: %s", service, status, truncate(body, 256))
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitedError(err, retryAfter)
	case IsTransientHTTPStatus(status):
		return NewTransientError(err, status)
	default:
		return err
	}
}

// ParseRetryAfter reads a Retry-After header given in seconds.
func ParseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// IsTransient returns true if the error chain holds a TransientError or looks
// like a network-level hiccup (timeouts, resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRateLimited reports whether err carries a RateLimitedError.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}

// IsInvalidResponse reports whether err carries an InvalidResponseError.
func IsInvalidResponse(err error) bool {
	var ir *InvalidResponseError
	return errors.As(err, &ir)
}

// IsRetryable is the default retry predicate: transient or rate limited, and
// never an invalid response.
func IsRetryable(err error) bool {
	if err == nil || IsInvalidResponse(err) {
		return false
	}
	return IsRateLimited(err) || IsTransient(err)
}

// IsTransientHTTPStatus returns true for status codes that are safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// FailureClass is the internal note recorded when a row fails.
type FailureClass string

const (
	FailureTransient       FailureClass = "transient"
	FailureRateLimited     FailureClass = "rate_limited"
	FailureInvalidResponse FailureClass = "invalid_response"
	FailurePermanent       FailureClass = "permanent"
)

// ClassifyError buckets err for logging and row failure notes.
func ClassifyError(err error) FailureClass {
	switch {
	case IsInvalidResponse(err):
		return FailureInvalidResponse
	case IsRateLimited(err):
		return FailureRateLimited
	case IsTransient(err):
		return FailureTransient
	default:
		return FailurePermanent
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
