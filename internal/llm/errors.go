package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/sashabaranov/go-openai"
)

// FailureKind classifies a failed call
type FailureKind string

const (
	KindTimeout      FailureKind = "timeout"
	KindConnection   FailureKind = "connection"
	KindRateLimited  FailureKind = "rate_limited"
	KindUnauthorized FailureKind = "unauthorized"
	KindForbidden    FailureKind = "forbidden"
	KindHTTP         FailureKind = "http_error"
	KindUnknown      FailureKind = "unknown"

	// content kinds: the request succeeded but carried nothing usable
	KindEmpty     FailureKind = "empty"
	KindMalformed FailureKind = "malformed"
)

var (
	// ErrClientClosed is returned by calls made after Close
	ErrClientClosed = errors.New("llm: client closed")

	// ErrEmptyResponse means no content could be extracted
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrNotAnObject means the content did not contain a JSON object
	ErrNotAnObject = errors.New("llm: response content is not a JSON object")
)

// CallError is the typed failure carried by a Result
type CallError struct {
	Kind       FailureKind
	StatusCode int // set for HTTP status failures
	Attempts   int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm %s (status %d) after %d attempt(s): %v", e.Kind, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("llm %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may help. Content failures are
// final for this call.
func (e *CallError) Retryable() bool {
	switch e.Kind {
	case KindEmpty, KindMalformed:
		return false
	}
	return !errors.Is(e.Err, ErrClientClosed)
}

// Auth reports a 401/403
func (e *CallError) Auth() bool {
	return e.Kind == KindUnauthorized || e.Kind == KindForbidden
}

// classify maps an error returned by the SDK. Status failures arrive as
// *openai.APIError (JSON error body) or *openai.RequestError (anything else);
// transport failures as *url.Error; a 2xx body that does not decode as a
// completion surfaces as a raw decoding error.
func classify(err error) *CallError {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var urlErr *url.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0:
		return classifyStatus(apiErr.HTTPStatusCode, err)
	case errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0:
		return classifyStatus(reqErr.HTTPStatusCode, err)
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Kind: KindTimeout, Err: err}
	case errors.As(err, &urlErr):
		return classifyTransport(err)
	case errors.Is(err, io.EOF):
		return &CallError{Kind: KindEmpty, Err: fmt.Errorf("%w: %v", ErrEmptyResponse, err)}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return &CallError{Kind: KindMalformed, Err: err}
	default:
		return classifyTransport(err)
	}
}

// classifyTransport maps an error from the HTTP round trip
func classifyTransport(err error) *CallError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Kind: KindTimeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &CallError{Kind: KindTimeout, Err: err}
	case isConnectionError(err):
		return &CallError{Kind: KindConnection, Err: err}
	default:
		return &CallError{Kind: KindUnknown, Err: err}
	}
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	return errors.As(err, &opErr) ||
		errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// classifyStatus maps a non-2xx response
func classifyStatus(code int, cause error) *CallError {
	err := fmt.Errorf("%s: %w", http.StatusText(code), cause)

	switch code {
	case http.StatusTooManyRequests:
		return &CallError{Kind: KindRateLimited, StatusCode: code, Err: err}
	case http.StatusUnauthorized:
		return &CallError{Kind: KindUnauthorized, StatusCode: code, Err: err}
	case http.StatusForbidden:
		return &CallError{Kind: KindForbidden, StatusCode: code, Err: err}
	default:
		return &CallError{Kind: KindHTTP, StatusCode: code, Err: err}
	}
}
