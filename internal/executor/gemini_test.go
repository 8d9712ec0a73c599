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
)

func geminiRuntimeCred(id, apiKey, baseURL string) *credential.RuntimeCredential {
	return credential.NewRuntimeCredential(credential.StoredCredential{
		ID:        id,
		Provider:  "gemini",
		TokenData: map[string]any{"api_key": apiKey, "base_url": baseURL},
	}, time.Now())
}

func TestGemini_Execute_UsesAPIKeyHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-pro:generateContent", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("x-goog-api-key"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	ex := NewGemini(srv.URL, 0, 0, true, "", "")
	auth := geminiRuntimeCred("g", "secret", srv.URL)

	body, err := ex.Execute(context.Background(), auth, Request{Model: "gemini-2.0-pro(budget=1024)", Payload: []byte(`{}`)}, Options{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestGemini_ExecuteStream_ParsesSSEDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "alt=sse")
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: {\"chunk\":1}\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	ex := NewGemini(srv.URL, 0, 0, true, "", "")
	auth := geminiRuntimeCred("g", "secret", srv.URL)

	out := make(chan Chunk, 8)
	ex.ExecuteStream(context.Background(), auth, Request{Model: "gemini-2.0-pro"}, Options{Stream: true}, out)

	var chunks []Chunk
	for c := range out {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	assert.NoError(t, chunks[0].Err)
	assert.JSONEq(t, `{"chunk":1}`, string(chunks[0].Data))
}

func TestGemini_Refresh_APIKeyCredentialIsNoop(t *testing.T) {
	ex := NewGemini("https://generativelanguage.googleapis.com", 0, 0, false, "", "")
	auth := credential.StoredCredential{
		ID:       "g",
		Provider: "gemini",
		Status:   credential.StatusReady,
		TokenData: map[string]any{
			"api_key": "secret",
		},
	}

	got := ex.Refresh(context.Background(), auth)
	assert.Equal(t, credential.StatusReady, got.Status)
}

func TestGemini_Refresh_NoOAuthConfiguredFailsCleanly(t *testing.T) {
	ex := NewGemini("https://generativelanguage.googleapis.com", 0, 0, false, "", "")
	auth := credential.StoredCredential{
		ID:           "g",
		Provider:     "gemini",
		RefreshToken: "rt",
	}

	got := ex.Refresh(context.Background(), auth)
	assert.Equal(t, credential.StatusError, got.Status)
}
