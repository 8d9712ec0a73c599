package executor

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/pkg/apierror"
)

// OpenAI implements Executor for OpenAI-compatible backends (OpenAI itself,
// and the growing set of drop-in-compatible coding-assistant backends):
// POST {base}/v1/chat/completions or {base}/chat/completions, bearer auth.
type OpenAI struct {
	http         *HTTPClient
	defaultBase  string
	chatPath     string
	allowPrivate bool
}

// NewOpenAI builds an OpenAI-compatible executor. identifier names the
// provider tag (so the same adapter serves multiple "openailike" backends
// with different base URLs); chatPath defaults to "/v1/chat/completions".
func NewOpenAI(identifier, defaultBase, chatPath string, requestsPerSecond float64, burst int, allowPrivate bool) *OpenAI {
	if chatPath == "" {
		chatPath = "/v1/chat/completions"
	}
	return &OpenAI{
		http:         NewHTTPClient(identifier, requestsPerSecond, burst),
		defaultBase:  defaultBase,
		chatPath:     chatPath,
		allowPrivate: allowPrivate,
	}
}

func (o *OpenAI) Identifier() string { return o.http.provider }

func (o *OpenAI) baseURL(auth *credential.RuntimeCredential) (string, error) {
	base := auth.Auth.BaseURL()
	if base == "" {
		base = o.defaultBase
	}
	if err := ValidateBaseURL(base, o.allowPrivate); err != nil {
		return "", fmt.Errorf("%s base_url: %w", o.Identifier(), err)
	}
	return strings.TrimRight(base, "/"), nil
}

func (o *OpenAI) authHeaders(auth *credential.RuntimeCredential) map[string]string {
	if key := auth.Auth.APIKey(); key != "" {
		return map[string]string{"Authorization": "Bearer " + key}
	}
	return map[string]string{"Authorization": "Bearer " + auth.Auth.AccessToken}
}

func (o *OpenAI) Execute(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options) ([]byte, error) {
	base, err := o.baseURL(auth)
	if err != nil {
		return nil, err
	}
	model := StripThinkingSuffix(req.Model)
	url := base + o.chatPath

	httpReq, err := NewJSONRequest(ctx, "POST", url, req.Payload, o.authHeaders(auth))
	if err != nil {
		return nil, err
	}

	_, body, err := o.http.Do(ctx, httpReq, model)
	return body, err
}

func (o *OpenAI) ExecuteStream(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options, out chan<- Chunk) {
	defer close(out)

	base, err := o.baseURL(auth)
	if err != nil {
		out <- Chunk{Err: err}
		return
	}
	model := StripThinkingSuffix(req.Model)
	url := base + o.chatPath

	httpReq, err := NewJSONRequest(ctx, "POST", url, req.Payload, o.authHeaders(auth))
	if err != nil {
		out <- Chunk{Err: err}
		return
	}

	resp, err := o.http.DoStream(ctx, httpReq, model)
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
		if payload == "[DONE]" {
			break
		}
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		select {
		case out <- Chunk{Data: chunk}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: apierror.NewStatusError(o.Identifier(), model, 0, err.Error(), nil)}
	}
}

func (o *OpenAI) Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential {
	// Most OpenAI-compatible backends are bearer-API-key only, with no
	// refresh flow; nothing to do beyond reporting error when neither an
	// api_key nor an access token is present.
	if auth.APIKey() == "" && auth.AccessToken == "" {
		auth.Status = credential.StatusError
		auth.StatusMessage = "no api key or access token available"
	}
	return auth
}
