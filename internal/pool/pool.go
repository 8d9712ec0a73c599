// Package pool implements the Credential Pool: it owns runtime state for
// every registered credential, applies the cooldown state machine on each
// attempt's outcome, orchestrates mixed-provider rotation across a
// fallback chain, and drives the retry/backoff loop.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/internal/executor"
	"github.com/quotio/quotio/internal/metrics"
	"github.com/quotio/quotio/internal/selector"
	"github.com/quotio/quotio/pkg/apierror"
)

// Config controls the outer retry loop (spec §4.4).
type Config struct {
	RetryCount     int
	MaxRetryWaitMs int64
}

// DefaultConfig mirrors the source's documented defaults.
func DefaultConfig() Config {
	return Config{RetryCount: 1, MaxRetryWaitMs: 2000}
}

// Pool is the single-writer structure described in spec §5: selecting a
// candidate, applying markResult, and advancing rotation offsets/cursors
// are all short critical sections under one mutex.
type Pool struct {
	cfg      Config
	registry *executor.Registry
	sel      selector.Selector
	store    *credential.Store
	logger   *slog.Logger

	mu              sync.Mutex
	auths           map[string]*credential.RuntimeCredential
	providerOffsets map[string]uint64
}

// New builds a Pool. sel is the selector strategy shared by all picks
// (the facade/config layer decides whether that's round-robin or
// fill-first; both satisfy selector.Selector).
func New(cfg Config, registry *executor.Registry, sel selector.Selector, store *credential.Store, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:             cfg,
		registry:        registry,
		sel:             sel,
		store:           store,
		logger:          logger,
		auths:           make(map[string]*credential.RuntimeCredential),
		providerOffsets: make(map[string]uint64),
	}
}

// LoadFromStore populates the pool from every credential currently
// persisted in the store. Call once at startup after store.Load().
func (p *Pool) LoadFromStore() {
	now := time.Now()
	for _, sc := range p.store.All() {
		p.Register(sc, now)
	}
}

// Register inserts a new RuntimeCredential for a StoredCredential. It does
// not write to the credential store. Registering an id that already exists
// behaves like Update (idempotent registration, spec §8).
func (p *Pool) Register(sc credential.StoredCredential, now time.Time) *credential.RuntimeCredential {
	p.mu.Lock()
	defer p.mu.Unlock()

	sc.Provider = strings.ToLower(strings.TrimSpace(sc.Provider))
	if existing, ok := p.auths[sc.ID]; ok {
		return p.updateLocked(existing, sc, now)
	}
	rc := credential.NewRuntimeCredential(sc, now)
	p.auths[sc.ID] = rc
	return rc
}

// Update replaces the stored record for an existing credential while
// preserving live modelStates, quota, and runtimeStatus (spec §4.4).
func (p *Pool) Update(sc credential.StoredCredential, now time.Time) (*credential.RuntimeCredential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sc.Provider = strings.ToLower(strings.TrimSpace(sc.Provider))
	existing, ok := p.auths[sc.ID]
	if !ok {
		return nil, fmt.Errorf("credential %q not registered", sc.ID)
	}
	return p.updateLocked(existing, sc, now), nil
}

func (p *Pool) updateLocked(existing *credential.RuntimeCredential, sc credential.StoredCredential, now time.Time) *credential.RuntimeCredential {
	existing.Auth = sc
	existing.RuntimeUpdatedAt = now
	if sc.Disabled {
		existing.RuntimeStatus = credential.StatusDisabled
	} else if existing.RuntimeStatus == credential.StatusDisabled {
		existing.RuntimeStatus = credential.StatusActive
	}
	return existing
}

// snapshotLocked returns every registered RuntimeCredential for provider
// (normalised), sorted by id.
func (p *Pool) snapshotLocked(provider string) []*credential.RuntimeCredential {
	provider = strings.ToLower(strings.TrimSpace(provider))
	out := make([]*credential.RuntimeCredential, 0)
	for _, rc := range p.auths {
		if rc.Auth.NormalizedProvider() == provider {
			out = append(out, rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Auth.ID < out[j].Auth.ID })
	return out
}

// nextProviderOffset returns the current rotation offset for model and
// advances it, so the first-choice provider cycles over time.
func (p *Pool) nextProviderOffset(model string, count int) int {
	if count <= 0 {
		return 0
	}
	cur := p.providerOffsets[model]
	p.providerOffsets[model] = cur + 1
	return int(cur % uint64(count))
}

// dedupeProviders lower-cases, trims, and de-duplicates providers while
// preserving first-seen order.
func dedupeProviders(providers []string) []string {
	seen := make(map[string]struct{}, len(providers))
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		norm := strings.ToLower(strings.TrimSpace(p))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

// pickResult is the outcome of one selection across a mixed-provider list.
type pickResult struct {
	provider   string
	credential *credential.RuntimeCredential
	// allCooldown is true iff no provider yielded a candidate and every
	// blocked candidate observed was blocked by cooldown.
	allCooldown bool
}

// pick rotates providers by the per-model offset and asks the selector for
// a candidate from the first provider whose non-tried, eligible set is
// non-empty.
func (p *Pool) pick(model string, providers []string, tried map[string]struct{}) pickResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	providers = dedupeProviders(providers)
	if len(providers) == 0 {
		return pickResult{}
	}

	offset := p.nextProviderOffset(model, len(providers))
	now := time.Now()

	sawAnyBlocked := false
	sawNonCooldownBlocked := false

	for i := 0; i < len(providers); i++ {
		prov := providers[(offset+i)%len(providers)]
		all := p.snapshotLocked(prov)

		candidates := make([]selector.Candidate, 0, len(all))
		for _, rc := range all {
			if _, isTried := tried[rc.Auth.ID]; isTried {
				continue
			}
			elig := rc.CheckEligibility(model, now)
			if !elig.Eligible {
				sawAnyBlocked = true
				if elig.Reason != credential.ReasonCooldown {
					sawNonCooldownBlocked = true
				}
				continue
			}
			candidates = append(candidates, selector.Candidate{Provider: prov, Credential: rc})
		}

		if picked := p.sel.Pick(prov, model, candidates); picked != nil {
			metrics.RecordSelectorPick(p.sel.Name(), prov)
			return pickResult{provider: prov, credential: picked}
		}
	}

	return pickResult{allCooldown: sawAnyBlocked && !sawNonCooldownBlocked}
}

// markResult applies the outcome to the credential under the pool lock,
// then records request and cooldown metrics. The stored record is not
// re-written here — only token fields touched by refresh round-trip to the
// store.
func (p *Pool) markResult(rc *credential.RuntimeCredential, result credential.ExecutionResult, now time.Time, latency time.Duration) {
	p.mu.Lock()
	rc.MarkResult(result, now)
	p.mu.Unlock()

	status := result.StatusCode
	if result.Success {
		status = 200
	}
	metrics.RecordRequest(result.Provider, result.Model, status, latency)
	if !result.Success {
		metrics.RecordCooldown(result.Provider, cooldownReason(result.StatusCode))
	}
}

func cooldownReason(statusCode int) string {
	switch statusCode {
	case 429:
		return "quota"
	case 401, 402, 403:
		return "auth"
	case 404:
		return "not_found"
	default:
		return "transient"
	}
}

// attempt runs the per-request attempt loop (spec §4.4): pick, execute,
// mark, and continue until success or the candidate set is exhausted.
func (p *Pool) attempt(ctx context.Context, model string, providers []string, req executor.Request, opts executor.Options) ([]byte, error) {
	tried := make(map[string]struct{})
	var lastErr error
	sawCooldownOnly := true

	for {
		pr := p.pick(model, providers, tried)
		if pr.credential == nil {
			if lastErr != nil {
				return nil, lastErr
			}
			if pr.allCooldown && sawCooldownOnly {
				return nil, &apierror.ModelCooldownError{Model: model, ResetIn: p.closestRetry(model, providers)}
			}
			return nil, &apierror.NoAuthAvailableError{Model: model}
		}

		tried[pr.credential.Auth.ID] = struct{}{}

		ex, ok := p.registry.Lookup(pr.provider)
		if !ok {
			lastErr = fmt.Errorf("no executor registered for provider %q", pr.provider)
			sawCooldownOnly = false
			continue
		}

		providerReq := req
		providerReq.Model = req.ModelFor(pr.provider)
		attemptStart := time.Now()
		body, err := ex.Execute(ctx, pr.credential, providerReq, opts)
		now := time.Now()
		latency := now.Sub(attemptStart)

		if ctx.Err() != nil {
			// Cancellation races with a completed call: if the call
			// actually finished (err/body set), still record it; if ctx
			// was cancelled before the call returned anything, skip
			// markResult entirely per spec §5.
			if err == nil {
				p.markResult(pr.credential, credential.ExecutionResult{AuthID: pr.credential.Auth.ID, Provider: pr.provider, Model: model, Success: true}, now, latency)
				return body, nil
			}
			return nil, ctx.Err()
		}

		if err == nil {
			p.markResult(pr.credential, credential.ExecutionResult{AuthID: pr.credential.Auth.ID, Provider: pr.provider, Model: model, Success: true}, now, latency)
			return body, nil
		}

		statusCode, retryAfter := statusAndRetryAfter(err)
		p.markResult(pr.credential, credential.ExecutionResult{
			AuthID:     pr.credential.Auth.ID,
			Provider:   pr.provider,
			Model:      model,
			Success:    false,
			StatusCode: statusCode,
			RetryAfter: retryAfter,
			ErrMessage: err.Error(),
		}, now, latency)

		lastErr = err
		sawCooldownOnly = false
	}
}

func statusAndRetryAfter(err error) (int, time.Duration) {
	if se, ok := err.(*apierror.StatusError); ok {
		return se.StatusCode, time.Duration(se.RetryAfterMs) * time.Millisecond
	}
	return 0, 0
}

// closestRetry returns the minimum remaining cooldown across providers'
// candidates for model, used to populate ModelCooldownError.ResetIn.
func (p *Pool) closestRetry(model string, providers []string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var min time.Duration = -1
	for _, prov := range dedupeProviders(providers) {
		for _, rc := range p.snapshotLocked(prov) {
			elig := rc.CheckEligibility(model, now)
			if elig.Eligible || elig.RetryAt.IsZero() {
				continue
			}
			d := elig.RetryAt.Sub(now)
			if d < 0 {
				d = 0
			}
			if min < 0 || d < min {
				min = d
			}
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// Execute runs the full retry/attempt loop (spec §4.4): on a full attempt
// loop failure, sleep until the closest cooldown and retry, up to
// RetryCount+1 total attempts.
func (p *Pool) Execute(ctx context.Context, model string, providers []string, req executor.Request, opts executor.Options) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RetryCount; attempt++ {
		body, err := p.attempt(ctx, model, providers, req, opts)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if attempt == p.cfg.RetryCount {
			break
		}

		wait := p.closestRetry(model, providers)
		if wait <= 0 || wait.Milliseconds() > p.cfg.MaxRetryWaitMs {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// StreamEvent is one unit delivered to the caller of ExecuteStream: either
// a forwarded chunk or the attempt's terminal error.
type StreamEvent struct {
	Data []byte
	Err  error
}

// ExecuteStream mirrors Execute but streams chunks as they arrive. Exactly
// one ExecutionResult is recorded per attempt (spec §4.4, §8): success if
// the generator completes cleanly, failure the moment an error chunk
// arrives. On failure within the attempt loop it rotates to the next
// credential, re-streaming from there; bytes already forwarded for a
// failed attempt are not retracted (spec §8 scenario 5).
func (p *Pool) ExecuteStream(ctx context.Context, model string, providers []string, req executor.Request, opts executor.Options, out chan<- StreamEvent) {
	defer close(out)

	tried := make(map[string]struct{})
	var lastErr error
	sawCooldownOnly := true

	for {
		pr := p.pick(model, providers, tried)
		if pr.credential == nil {
			if lastErr != nil {
				out <- StreamEvent{Err: lastErr}
				return
			}
			if pr.allCooldown && sawCooldownOnly {
				out <- StreamEvent{Err: &apierror.ModelCooldownError{Model: model, ResetIn: p.closestRetry(model, providers)}}
				return
			}
			out <- StreamEvent{Err: &apierror.NoAuthAvailableError{Model: model}}
			return
		}

		tried[pr.credential.Auth.ID] = struct{}{}

		ex, ok := p.registry.Lookup(pr.provider)
		if !ok {
			lastErr = fmt.Errorf("no executor registered for provider %q", pr.provider)
			sawCooldownOnly = false
			continue
		}

		providerReq := req
		providerReq.Model = req.ModelFor(pr.provider)

		attemptStart := time.Now()
		chunks := make(chan executor.Chunk)
		go ex.ExecuteStream(ctx, pr.credential, providerReq, opts, chunks)

		// A single "failed" flag, as spec §9 prescribes, guarantees at
		// most one ExecutionResult reaches markResult for this attempt.
		failed := false
		var attemptErr error
		for chunk := range chunks {
			if chunk.Err != nil {
				failed = true
				attemptErr = chunk.Err
				break
			}
			select {
			case out <- StreamEvent{Data: chunk.Data}:
			case <-ctx.Done():
				return
			}
		}

		now := time.Now()
		latency := now.Sub(attemptStart)
		if ctx.Err() != nil && !failed {
			return
		}

		if !failed {
			p.markResult(pr.credential, credential.ExecutionResult{AuthID: pr.credential.Auth.ID, Provider: pr.provider, Model: model, Success: true}, now, latency)
			return
		}

		statusCode, retryAfter := statusAndRetryAfter(attemptErr)
		p.markResult(pr.credential, credential.ExecutionResult{
			AuthID:     pr.credential.Auth.ID,
			Provider:   pr.provider,
			Model:      model,
			Success:    false,
			StatusCode: statusCode,
			RetryAfter: retryAfter,
			ErrMessage: attemptErr.Error(),
		}, now, latency)

		lastErr = attemptErr
		sawCooldownOnly = false
	}
}
