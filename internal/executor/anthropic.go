package executor

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/pkg/apierror"
)

const anthropicVersion = "2023-06-01"

// Anthropic implements Executor for Claude-style backends: POST
// {base}/v1/messages with anthropic-version, auth via x-api-key when
// tokenData.api_key is present, else a bearer access token.
type Anthropic struct {
	http         *HTTPClient
	defaultBase  string
	allowPrivate bool
	oauth        OAuthRefresher
}

// NewAnthropic builds an Anthropic executor. defaultBase is used when a
// credential does not override tokenData.base_url. oauthTokenURL/
// oauthClientID configure refresh-token exchange; leave oauthTokenURL
// empty for API-key-only deployments with no refresh flow.
func NewAnthropic(defaultBase string, requestsPerSecond float64, burst int, allowPrivate bool, oauthTokenURL, oauthClientID string) *Anthropic {
	return &Anthropic{
		http:         NewHTTPClient("claude", requestsPerSecond, burst),
		defaultBase:  defaultBase,
		allowPrivate: allowPrivate,
		oauth:        OAuthRefresher{TokenURL: oauthTokenURL, ClientID: oauthClientID},
	}
}

func (a *Anthropic) Identifier() string { return "claude" }

func (a *Anthropic) baseURL(auth *credential.RuntimeCredential) (string, error) {
	base := auth.Auth.BaseURL()
	if base == "" {
		base = a.defaultBase
	}
	if err := ValidateBaseURL(base, a.allowPrivate); err != nil {
		return "", fmt.Errorf("claude base_url: %w", err)
	}
	return strings.TrimRight(base, "/"), nil
}

func (a *Anthropic) authHeaders(auth *credential.RuntimeCredential) map[string]string {
	headers := map[string]string{"anthropic-version": anthropicVersion}
	if key := auth.Auth.APIKey(); key != "" {
		headers["x-api-key"] = key
	} else {
		headers["Authorization"] = "Bearer " + auth.Auth.AccessToken
	}
	return headers
}

func (a *Anthropic) Execute(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options) ([]byte, error) {
	base, err := a.baseURL(auth)
	if err != nil {
		return nil, err
	}
	model := StripThinkingSuffix(req.Model)
	url := base + "/v1/messages"

	httpReq, err := NewJSONRequest(ctx, "POST", url, req.Payload, a.authHeaders(auth))
	if err != nil {
		return nil, err
	}

	_, body, err := a.http.Do(ctx, httpReq, model)
	return body, err
}

func (a *Anthropic) ExecuteStream(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options, out chan<- Chunk) {
	defer close(out)

	base, err := a.baseURL(auth)
	if err != nil {
		out <- Chunk{Err: err}
		return
	}
	model := StripThinkingSuffix(req.Model)
	url := base + "/v1/messages"

	httpReq, err := NewJSONRequest(ctx, "POST", url, req.Payload, a.authHeaders(auth))
	if err != nil {
		out <- Chunk{Err: err}
		return
	}

	resp, err := a.http.DoStream(ctx, httpReq, model)
	if err != nil {
		out <- Chunk{Err: err}
		return
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		chunk := make([]byte, len(line))
		copy(chunk, line)
		select {
		case out <- Chunk{Data: chunk}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: apierror.NewStatusError(a.Identifier(), model, 0, err.Error(), nil)}
	}
}

func (a *Anthropic) Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential {
	if auth.APIKey() != "" {
		// API-key credentials never expire; nothing to refresh.
		return auth
	}
	return a.oauth.Refresh(ctx, auth)
}
