// Package streaming forwards Server-Sent Events from the credential pool's
// per-attempt chunk stream to an HTTP client, flushing after every frame so
// the connection behaves like a live SSE stream rather than a buffered one.
package streaming

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/quotio/quotio/internal/pool"
	"github.com/quotio/quotio/pkg/apierror"
)

// Forwarder writes pool.StreamEvent values onto an http.ResponseWriter as
// SSE frames.
type Forwarder struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewForwarder wraps w. It fails if w does not support flushing, since a
// streaming response with no way to flush would buffer until it ends.
func NewForwarder(w http.ResponseWriter) (*Forwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &Forwarder{w: w, flusher: flusher}, nil
}

// WriteHeaders sets the SSE response headers and writes the 200 status.
// Once called, any later attempt failure can only be reported as an SSE
// frame — the HTTP status line is already committed (spec §7).
func (f *Forwarder) WriteHeaders() {
	f.w.Header().Set("Content-Type", "text/event-stream")
	f.w.Header().Set("Cache-Control", "no-cache")
	f.w.Header().Set("Connection", "keep-alive")
	f.w.Header().Set("X-Accel-Buffering", "no")
	f.w.WriteHeader(http.StatusOK)
	f.flusher.Flush()
}

// Forward drains events until the channel closes or ctx is cancelled. A
// terminal Err is rendered as one final SSE error frame; the caller has
// already committed a 200 status, so this is the only way to surface it.
func (f *Forwarder) Forward(ctx context.Context, events <-chan pool.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				f.writeErrorFrame(ev.Err)
				return ev.Err
			}
			f.writeDataFrame(ev.Data)
		}
	}
}

func (f *Forwarder) writeDataFrame(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	if bytes.HasPrefix(line, []byte("event:")) || bytes.HasPrefix(line, []byte("data:")) {
		f.w.Write(line)
		f.w.Write([]byte("\n\n"))
	} else {
		f.w.Write([]byte("data: "))
		f.w.Write(line)
		f.w.Write([]byte("\n\n"))
	}
	f.flusher.Flush()
}

func (f *Forwarder) writeErrorFrame(err error) {
	var envelope map[string]any
	if cd, ok := err.(*apierror.ModelCooldownError); ok {
		envelope = cd.Body()
	} else {
		envelope = map[string]any{"error": map[string]any{"message": err.Error()}}
	}
	body, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		body = []byte(fmt.Sprintf(`{"error":{"message":%q}}`, err.Error()))
	}
	f.w.Write([]byte("data: "))
	f.w.Write(body)
	f.w.Write([]byte("\n\ndata: [DONE]\n\n"))
	f.flusher.Flush()
}
