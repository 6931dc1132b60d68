package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failed provider exchange. The router's advance and
// skip decisions key off this classification.
type ErrorKind string

const (
	// KindRateLimited is a 429. The provider enters a cooldown window.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnauthorized is a 401 or 403. The provider is skipped for the
	// remainder of the session.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindMalformed is a response that could not be decoded: bad JSON in
	// tool arguments, a tool name that was never advertised, or an empty
	// completion.
	KindMalformed ErrorKind = "malformed"
	// KindUnavailable covers network failures, timeouts, and 5xx.
	KindUnavailable ErrorKind = "unavailable"
	// KindPayloadRejected is a 400-class rejection of the request payload,
	// e.g. oversized context or a policy block.
	KindPayloadRejected ErrorKind = "payload_rejected"
)

// ClientError is the classified form of any provider failure.
type ClientError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] %s (status=%d, kind=%s)", e.Provider, e.Message, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("[%s] %s (kind=%s)", e.Provider, e.Message, e.Kind)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report KindUnavailable so the router treats them as transient.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnavailable
}

// IsKind reports whether the error chain contains a ClientError of the
// given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Kind == kind
}

// ErrAllProvidersExhausted marks a logical request that failed on every
// eligible provider in the chain.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ExhaustedError reports a failed pass over the provider chain. Last holds
// the final classified failure, when any provider was actually tried.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("all providers exhausted after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("all providers exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAllProvidersExhausted}
	}
	return []error{ErrAllProvidersExhausted, e.Last}
}

// newStatusError classifies an HTTP-level provider failure.
func newStatusError(providerID string, status int, message string, retryAfter time.Duration, cause error) *ClientError {
	return &ClientError{
		Kind:       kindForStatus(status),
		Provider:   providerID,
		StatusCode: status,
		Message:    message,
		RetryAfter: retryAfter,
		Err:        cause,
	}
}

func kindForStatus(status int) ErrorKind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusRequestTimeout:
		return KindUnavailable
	}
	switch {
	case status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindPayloadRejected
	default:
		return KindUnavailable
	}
}

// classifyTransport classifies failures that never produced an HTTP status:
// connection errors, DNS failures, request timeouts. Caller cancellation is
// passed through untouched so the session sees its own context error.
func classifyTransport(providerID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	message := "provider unreachable"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "request timed out"
	} else {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			message = "request timed out"
		}
	}

	return &ClientError{
		Kind:     KindUnavailable,
		Provider: providerID,
		Message:  message,
		Err:      err,
	}
}

// retryAfterHeader parses the Retry-After header when the provider sent one.
// Only the delta-seconds form is honored.
func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
