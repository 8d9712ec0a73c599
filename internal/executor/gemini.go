package executor

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/pkg/apierror"
)

// Gemini implements Executor for Google-generative-style backends: POST
// {base}/v1beta/models/{model}:{action}, auth via x-goog-api-key or
// bearer, streaming action streamGenerateContent with ?alt=sse.
type Gemini struct {
	http         *HTTPClient
	defaultBase  string
	allowPrivate bool
	oauth        OAuthRefresher
}

// NewGemini builds a Gemini executor. oauthTokenURL/oauthClientID configure
// refresh-token exchange; leave oauthTokenURL empty for API-key-only
// deployments with no refresh flow.
func NewGemini(defaultBase string, requestsPerSecond float64, burst int, allowPrivate bool, oauthTokenURL, oauthClientID string) *Gemini {
	return &Gemini{
		http:         NewHTTPClient("gemini", requestsPerSecond, burst),
		defaultBase:  defaultBase,
		allowPrivate: allowPrivate,
		oauth:        OAuthRefresher{TokenURL: oauthTokenURL, ClientID: oauthClientID},
	}
}

func (g *Gemini) Identifier() string { return "gemini" }

func (g *Gemini) baseURL(auth *credential.RuntimeCredential) (string, error) {
	base := auth.Auth.BaseURL()
	if base == "" {
		base = g.defaultBase
	}
	if err := ValidateBaseURL(base, g.allowPrivate); err != nil {
		return "", fmt.Errorf("gemini base_url: %w", err)
	}
	return strings.TrimRight(base, "/"), nil
}

func (g *Gemini) authHeaders(auth *credential.RuntimeCredential) map[string]string {
	if key := auth.Auth.APIKey(); key != "" {
		return map[string]string{"x-goog-api-key": key}
	}
	return map[string]string{"Authorization": "Bearer " + auth.Auth.AccessToken}
}

func (g *Gemini) endpoint(base, model, action string, sse bool) string {
	url := fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, action)
	if sse {
		url += "?alt=sse"
	}
	return url
}

func (g *Gemini) Execute(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options) ([]byte, error) {
	base, err := g.baseURL(auth)
	if err != nil {
		return nil, err
	}
	model := StripThinkingSuffix(req.Model)
	url := g.endpoint(base, model, "generateContent", false)

	httpReq, err := NewJSONRequest(ctx, "POST", url, req.Payload, g.authHeaders(auth))
	if err != nil {
		return nil, err
	}

	_, body, err := g.http.Do(ctx, httpReq, model)
	return body, err
}

func (g *Gemini) ExecuteStream(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options, out chan<- Chunk) {
	defer close(out)

	base, err := g.baseURL(auth)
	if err != nil {
		out <- Chunk{Err: err}
		return
	}
	model := StripThinkingSuffix(req.Model)
	url := g.endpoint(base, model, "streamGenerateContent", true)

	httpReq, err := NewJSONRequest(ctx, "POST", url, req.Payload, g.authHeaders(auth))
	if err != nil {
		out <- Chunk{Err: err}
		return
	}

	resp, err := g.http.DoStream(ctx, httpReq, model)
	if err != nil {
		out <- Chunk{Err: err}
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !strings.HasPrefix(string(line), "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(string(line), "data:"))
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		select {
		case out <- Chunk{Data: chunk}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: apierror.NewStatusError(g.Identifier(), model, 0, err.Error(), nil)}
	}
}

func (g *Gemini) Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential {
	if auth.APIKey() != "" {
		// API-key credentials never expire; nothing to refresh.
		return auth
	}
	return g.oauth.Refresh(ctx, auth)
}
