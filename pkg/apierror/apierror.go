// Package apierror defines the error taxonomy used across the dispatch core.
// Executors, the pool, and the dispatch layer fold their failures into these
// types; the dispatch HTTP handler (internal/dispatch) and the SSE forwarder
// (internal/streaming) render them to the client.
package apierror

import (
	"fmt"
	"net/http"
	"time"
)

// StatusError is a failed attempt against a provider: any non-2xx response
// from an executor's execute/executeStream call.
type StatusError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
	// RetryAfterMs is the upstream retry-after hint in milliseconds, when present.
	RetryAfterMs int64
	Header       http.Header
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s (model=%s)", e.Provider, e.StatusCode, e.Message, e.Model)
}

// HTTPStatusCode implements httpError, rendering the upstream status
// verbatim (falling back to 500 when unset, e.g. a scanner error with no
// HTTP response behind it).
func (e *StatusError) HTTPStatusCode() int {
	if e.StatusCode == 0 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// Retryable reports whether the status is a transient class (408, 429,
// 500, 502, 503, 504). The pool does not consult it: its attempt loop
// rotates to the next credential after every failed attempt.
func (e *StatusError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// NewStatusError builds a StatusError, pulling a retry-after hint out of
// headers if the caller did not already parse one.
func NewStatusError(provider, model string, statusCode int, message string, header http.Header) *StatusError {
	e := &StatusError{
		Provider:   provider,
		Model:      model,
		StatusCode: statusCode,
		Message:    message,
		Header:     header,
	}
	if header != nil {
		if ra := header.Get("Retry-After"); ra != "" {
			if secs, err := time.ParseDuration(ra + "s"); err == nil {
				e.RetryAfterMs = secs.Milliseconds()
			}
		}
	}
	return e
}

// ModelCooldownError is raised by the pool when every eligible credential
// for a model is blocked and every block is a cooldown.
type ModelCooldownError struct {
	Model       string
	Provider    string // optional; rendered by Body when set (the pool leaves it empty)
	ResetIn     time.Duration
	ResetAtUnix int64
}

func (e *ModelCooldownError) Error() string {
	return fmt.Sprintf("model %q cooling down for %s", e.Model, e.ResetIn)
}

// HTTPStatusCode implements httpError.
func (e *ModelCooldownError) HTTPStatusCode() int { return http.StatusTooManyRequests }

// Body renders the OpenAI-compatible error envelope described in spec §7.
func (e *ModelCooldownError) Body() map[string]any {
	resetSeconds := int(e.ResetIn.Seconds())
	if resetSeconds < 0 {
		resetSeconds = 0
	}
	body := map[string]any{
		"code":          "model_cooldown",
		"message":       fmt.Sprintf("model %q is cooling down, retry in %ds", e.Model, resetSeconds),
		"model":         e.Model,
		"reset_time":    time.Now().Add(e.ResetIn).Format(time.RFC3339),
		"reset_seconds": resetSeconds,
	}
	if e.Provider != "" {
		body["provider"] = e.Provider
	}
	return map[string]any{"error": body}
}

// NoProviderError describes an empty dispatch list for a model. The facade
// does not return it: an empty provider list reaches the pool, which returns
// NoAuthAvailableError.
type NoProviderError struct {
	Model string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider configured for model %q", e.Model)
}

func (e *NoProviderError) HTTPStatusCode() int { return http.StatusBadRequest }

// NoAuthAvailableError is raised by the pool when the attempt loop exhausts
// its candidates without ever getting a response to surface.
type NoAuthAvailableError struct {
	Model string
}

func (e *NoAuthAvailableError) Error() string {
	return fmt.Sprintf("no credential available for model %q", e.Model)
}

func (e *NoAuthAvailableError) HTTPStatusCode() int { return http.StatusInternalServerError }

// httpError is implemented by every error type in this package that knows
// how to render itself as an HTTP status.
type httpError interface {
	error
	HTTPStatusCode() int
}

// HTTPStatusCode extracts the HTTP status to use for any error produced by
// this package, falling back to 500 for anything else (including context
// cancellation, which callers should usually check for separately).
func HTTPStatusCode(err error) int {
	if he, ok := err.(httpError); ok {
		return he.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// Retryable reports whether err is a ModelCooldownError or a StatusError of
// a transient class (see StatusError.Retryable). Neither the pool nor the
// facade consults it.
func Retryable(err error) bool {
	switch e := err.(type) {
	case *StatusError:
		return e.Retryable()
	case *ModelCooldownError:
		return true
	default:
		return false
	}
}
