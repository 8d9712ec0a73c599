// Package dispatch implements the Dispatch Facade (spec §4.6): the entry
// point invoked once per inbound request. It resolves the request's model
// field against the fallback-chain configuration, builds the provider list
// the pool should rotate across, and delegates the attempt/retry loop to
// internal/pool.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/quotio/quotio/internal/executor"
	"github.com/quotio/quotio/internal/fallback"
	"github.com/quotio/quotio/internal/pool"
)

// Facade ties the credential pool to the fallback-chain resolver.
type Facade struct {
	pool     *pool.Pool
	fallback *fallback.Manager
	registry *executor.Registry
	logger   *slog.Logger
}

// New builds a Facade. fallbackMgr may be nil, in which case every model is
// forwarded as-is against every registered provider.
func New(p *pool.Pool, fallbackMgr *fallback.Manager, registry *executor.Registry, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{pool: p, fallback: fallbackMgr, registry: registry, logger: logger}
}

// resolve implements spec §4.6's two-branch model resolution: a matching
// virtual model expands to its ordered provider chain with a per-provider
// modelId override; anything else forwards as-is to every registered
// provider, letting the pool's eligibility filter select only the
// credentials that actually belong to a provider that can serve it.
func (f *Facade) resolve(model string) ([]string, map[string]string) {
	if f.fallback != nil {
		if chain, ok := f.fallback.Get().Resolve(model); ok {
			return chain.Providers, chain.ModelByID
		}
	}
	return f.registry.Providers(), nil
}

// Execute resolves model and runs the full attempt/retry loop once,
// returning the final response body or the last failure (spec §4.6).
func (f *Facade) Execute(ctx context.Context, model string, payload []byte, opts executor.Options) ([]byte, error) {
	providers, modelByProvider := f.resolve(model)
	req := executor.Request{Model: model, Payload: payload, ModelByProvider: modelByProvider, SourceForm: opts.SourceFormat}
	return f.pool.Execute(ctx, model, providers, req, opts)
}

// ExecuteStream resolves model and streams the attempt/retry loop's output
// onto out, exactly as Execute but incrementally.
func (f *Facade) ExecuteStream(ctx context.Context, model string, payload []byte, opts executor.Options, out chan<- pool.StreamEvent) {
	providers, modelByProvider := f.resolve(model)
	req := executor.Request{Model: model, Payload: payload, ModelByProvider: modelByProvider, SourceForm: opts.SourceFormat}
	f.pool.ExecuteStream(ctx, model, providers, req, opts, out)
}
