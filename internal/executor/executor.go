// Package executor implements the per-provider adapters that perform one
// request against one credential, per the executor contract: identifier,
// execute, executeStream, refresh, and the optional countTokens and
// prepareRequest capabilities.
package executor

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/quotio/quotio/internal/credential"
)

// Request is the opaque, format-agnostic request an executor forwards.
// Translation between OpenAI-compatible input and a provider's native wire
// format happens upstream of this package; the executor only needs Model
// and the raw payload bytes.
type Request struct {
	Model      string
	Payload    []byte
	Metadata   map[string]string
	SourceForm string // e.g. "openai", "anthropic"; informational only

	// ModelByProvider overrides Model per provider when a fallback chain
	// maps the canonical model name to different physical model ids per
	// provider (spec §4.6). Empty unless the dispatch facade resolved a
	// virtual model.
	ModelByProvider map[string]string
}

// ModelFor returns the physical model id to send to provider, preferring
// the per-provider override over Model.
func (r Request) ModelFor(provider string) string {
	if m, ok := r.ModelByProvider[provider]; ok && m != "" {
		return m
	}
	return r.Model
}

// Options controls a single execute/executeStream call.
type Options struct {
	Stream          bool
	Alt             string // e.g. "sse" for Google's streaming action
	SourceFormat    string
	OriginalRequest []byte
}

// Chunk is one unit of a streamed response. A non-nil Err marks the stream
// attempt failed; executors must emit at most one chunk with Err set, and
// it must be the last chunk they emit.
type Chunk struct {
	Data []byte
	Err  error
}

// Executor is the per-provider adapter contract (spec §4.1). Executors are
// stateless: all per-credential state lives in credential.RuntimeCredential.
type Executor interface {
	// Identifier returns the stable, lower-case provider tag.
	Identifier() string

	// Execute performs one non-streaming request.
	Execute(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options) ([]byte, error)

	// ExecuteStream performs one streaming request, sending chunks to out
	// until the upstream stream completes or errors. out is always closed
	// by ExecuteStream before returning.
	ExecuteStream(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options, out chan<- Chunk)

	// Refresh attempts a best-effort token refresh. On failure it returns
	// the credential with Status=error and never returns an error itself.
	Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential
}

// TokenCounter is an optional capability: provider-specific token counting.
type TokenCounter interface {
	CountTokens(ctx context.Context, auth *credential.RuntimeCredential, req Request, opts Options) ([]byte, error)
}

// RequestPreparer is an optional capability: attaching auth headers to a
// generic HTTP request for pass-through routes.
type RequestPreparer interface {
	PrepareRequest(auth *credential.RuntimeCredential, r *http.Request) error
}

var thinkingSuffix = regexp.MustCompile(`^(.+?)\(.*\)$`)

// StripThinkingSuffix parses a "model with thinking suffix" form
// "name(…)" back to "name". Models without a suffix are returned unchanged.
func StripThinkingSuffix(model string) string {
	if m := thinkingSuffix.FindStringSubmatch(model); m != nil {
		return strings.TrimSpace(m[1])
	}
	return model
}

// drainAndClose reads r to completion (bounding memory is the caller's
// concern via httputil.ReadLimitedBody) and closes it, swallowing errors:
// this is always best-effort cleanup on an exit path.
func drainAndClose(r io.ReadCloser) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
	_ = r.Close()
}
