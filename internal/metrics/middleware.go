package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxModelLabelLen = 64

// RecordRequest records the outcome of one dispatch attempt.
func RecordRequest(provider, model string, statusCode int, latency time.Duration) {
	status := strconv.Itoa(statusCode)
	model = sanitizeModelLabel(model)
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestLatencySeconds.WithLabelValues(provider, model).Observe(latency.Seconds())
}

// RecordCooldown records a credential entering cooldown.
func RecordCooldown(provider, reason string) {
	CooldownEntriesTotal.WithLabelValues(provider, reason).Inc()
}

// RecordSelectorPick records a successful selector pick.
func RecordSelectorPick(strategy, provider string) {
	SelectorPicksTotal.WithLabelValues(strategy, provider).Inc()
}

// RecordModelCooldownResponse records a 429 model_cooldown surfaced to a client.
func RecordModelCooldownResponse(model string) {
	ModelCooldownResponsesTotal.WithLabelValues(sanitizeModelLabel(model)).Inc()
}

// statusRecorder wraps http.ResponseWriter to capture the status code
// written by the handler, without interfering with streaming responses.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers downstream of this middleware keep flushing.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Middleware records coarse HTTP-level latency for every request. Per-provider,
// per-model detail is recorded by the credential pool itself via RecordRequest,
// since only it knows which credential actually served the attempt.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)
		HTTPRequestDurationSeconds.WithLabelValues(r.URL.Path, strconv.Itoa(recorder.statusCode)).Observe(time.Since(start).Seconds())
	})
}

func sanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(model))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
