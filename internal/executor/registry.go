package executor

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps a normalised provider tag to the Executor that serves it.
// A dozen coding-assistant backends differ mostly in base URL and auth
// header shape, which the three concrete adapters (Anthropic, Gemini,
// OpenAI) already parameterise; the registry is what makes that a
// configuration concern instead of a code one.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Executor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Executor)}
}

// Register associates provider (normalised lower-case/trimmed) with ex.
// Registering the same provider twice replaces the previous executor.
func (r *Registry) Register(provider string, ex Executor) {
	key := normalizeProvider(provider)
	r.mu.Lock()
	r.byID[key] = ex
	r.mu.Unlock()
}

// Lookup returns the executor for provider, or (nil, false).
func (r *Registry) Lookup(provider string) (Executor, bool) {
	key := normalizeProvider(provider)
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.byID[key]
	return ex, ok
}

// MustLookup is a convenience for call sites that have already validated
// the provider exists (e.g. resolved from a fallback chain).
func (r *Registry) MustLookup(provider string) (Executor, error) {
	ex, ok := r.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("no executor registered for provider %q", provider)
	}
	return ex, nil
}

// Providers returns every registered provider tag.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for p := range r.byID {
		out = append(out, p)
	}
	return out
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
