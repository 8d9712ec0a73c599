package streaming

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/quotio/quotio/internal/pool"
	"github.com/quotio/quotio/pkg/apierror"
)

func TestForwarder_Forward_WritesDataFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	f.WriteHeaders()

	events := make(chan pool.StreamEvent, 2)
	events <- pool.StreamEvent{Data: []byte(`{"choices":[{"delta":{"content":"hi"}}]}`)}
	close(events)

	if err := f.Forward(context.Background(), events); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "data: {") {
		t.Fatalf("expected a data frame, got %q", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestForwarder_Forward_RendersCooldownErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	f, err := NewForwarder(rec)
	if err != nil {
		t.Fatalf("NewForwarder() error = %v", err)
	}
	f.WriteHeaders()

	events := make(chan pool.StreamEvent, 1)
	events <- pool.StreamEvent{Err: &apierror.ModelCooldownError{Model: "claude-3.5-sonnet"}}
	close(events)

	if err := f.Forward(context.Background(), events); err == nil {
		t.Fatal("expected Forward() to return the terminal error")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "model_cooldown") {
		t.Fatalf("expected a model_cooldown frame, got %q", body)
	}
	if !strings.Contains(body, "[DONE]") {
		t.Fatalf("expected a [DONE] sentinel, got %q", body)
	}
}
