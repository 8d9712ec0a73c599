package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/pkg/apierror"
)

func runtimeCred(id, apiKey, baseURL string) *credential.RuntimeCredential {
	return credential.NewRuntimeCredential(credential.StoredCredential{
		ID:        id,
		Provider:  "claude",
		TokenData: map[string]any{"api_key": apiKey, "base_url": baseURL},
	}, time.Now())
}

func TestAnthropic_Execute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ex := NewAnthropic(srv.URL, 0, 0, true, "", "")
	auth := runtimeCred("a", "secret", srv.URL)

	body, err := ex.Execute(context.Background(), auth, Request{Model: "claude-opus(thinking)", Payload: []byte(`{}`)}, Options{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestAnthropic_Execute_429MapsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	ex := NewAnthropic(srv.URL, 0, 0, true, "", "")
	auth := runtimeCred("a", "secret", srv.URL)

	_, err := ex.Execute(context.Background(), auth, Request{Model: "claude-opus"}, Options{})
	require.Error(t, err)

	statusErr, ok := err.(*apierror.StatusError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Equal(t, int64(2000), statusErr.RetryAfterMs)
	assert.True(t, statusErr.Retryable())
}

func TestAnthropic_ExecuteStream_ForwardsLinesThenCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("event: message\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"chunk\":1}\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	ex := NewAnthropic(srv.URL, 0, 0, true, "", "")
	auth := runtimeCred("a", "secret", srv.URL)

	out := make(chan Chunk, 8)
	ex.ExecuteStream(context.Background(), auth, Request{Model: "claude-opus"}, Options{Stream: true}, out)

	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.NoError(t, c.Err)
	}
}

func TestAnthropic_BaseURL_RejectsPrivateByDefault(t *testing.T) {
	ex := NewAnthropic("http://127.0.0.1:9", 0, 0, false, "", "")
	auth := runtimeCred("a", "secret", "")

	_, err := ex.Execute(context.Background(), auth, Request{Model: "claude-opus"}, Options{})
	require.Error(t, err)
}
