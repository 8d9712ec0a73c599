package dispatch

import (
	"io"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/quotio/quotio/internal/apikey"
	"github.com/quotio/quotio/internal/executor"
	"github.com/quotio/quotio/internal/metrics"
	"github.com/quotio/quotio/internal/pool"
	"github.com/quotio/quotio/internal/streaming"
	"github.com/quotio/quotio/pkg/apierror"
)

// maxBodySize bounds the inbound request body to guard against unbounded
// memory growth from a misbehaving or malicious client.
const maxBodySize = 10 << 20 // 10MiB

// Handler exposes the Dispatch Facade over HTTP, matching the OpenAI
// chat-completions wire shape (spec §6).
type Handler struct {
	facade  *Facade
	apiKeys *apikey.Store
	logger  *slog.Logger
}

// NewHandler builds a Handler. apiKeys may be nil to disable authentication
// (e.g. local-only deployments).
func NewHandler(facade *Facade, apiKeys *apikey.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{facade: facade, apiKeys: apiKeys, logger: logger}
}

// chatRequest is the minimal OpenAI-compatible envelope the facade needs to
// read: the model to resolve and whether the client wants a streamed
// response. Everything else in the payload is opaque and forwarded as-is.
type chatRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusBadRequest, Message: "invalid JSON: " + err.Error()})
		return
	}
	if req.Model == "" {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusBadRequest, Message: "model is required"})
		return
	}

	opts := executor.Options{Stream: req.Stream, SourceFormat: "openai", OriginalRequest: body}

	if req.Stream {
		h.streamChatCompletion(w, r, req.Model, body, opts)
		return
	}

	respBody, err := h.facade.Execute(r.Context(), req.Model, body, opts)
	if err != nil {
		h.logger.Error("dispatch failed", "model", req.Model, "error", err)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, model string, body []byte, opts executor.Options) {
	forwarder, err := streaming.NewForwarder(w)
	if err != nil {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusInternalServerError, Message: err.Error()})
		return
	}

	events := make(chan pool.StreamEvent)
	go h.facade.ExecuteStream(r.Context(), model, body, opts, events)

	forwarder.WriteHeaders()
	_ = forwarder.Forward(r.Context(), events)
}

// CountTokens handles POST /v1/messages/count_tokens, a passthrough that
// sends the body through the facade's Execute path, exactly like a
// non-streaming chat completion. The executor.TokenCounter capability is
// not consulted.
func (h *Handler) CountTokens(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusBadRequest, Message: "model is required"})
		return
	}

	respBody, err := h.facade.Execute(r.Context(), req.Model, body, executor.Options{SourceFormat: "anthropic", OriginalRequest: body})
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()
	limited := io.LimitReader(r.Body, maxBodySize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusBadRequest, Message: "failed to read request body"})
		return nil, false
	}
	if int64(len(body)) > maxBodySize {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusRequestEntityTooLarge, Message: "request body too large"})
		return nil, false
	}
	return body, true
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.apiKeys == nil {
		return true
	}
	key, err := apikey.ParseAuthHeader(r.Header.Get("Authorization"))
	if err != nil || !h.apiKeys.Verify(key) {
		h.writeError(w, &apierror.StatusError{StatusCode: http.StatusUnauthorized, Message: "invalid or missing API key"})
		return false
	}
	return true
}

// errorEnvelope is the OpenAI-compatible error body (spec §7).
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if cd, ok := err.(*apierror.ModelCooldownError); ok {
		metrics.RecordModelCooldownResponse(cd.Model)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cd.HTTPStatusCode())
		_ = json.NewEncoder(w).Encode(cd.Body())
		return
	}

	status := apierror.HTTPStatusCode(err)
	message := err.Error()
	if se, ok := err.(*apierror.StatusError); ok && se.Message != "" {
		message = se.Message
	}
	body := errorEnvelope{Error: errorDetail{Message: message, Type: errorType(status)}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusBadRequest:
		return "invalid_request_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "error"
	}
}
