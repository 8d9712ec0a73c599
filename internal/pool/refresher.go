package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/internal/resilience"
)

const (
	defaultRefreshInterval = 30 * time.Second
	defaultRefreshWindow   = 5 * time.Minute
	defaultRefreshTimeout  = 10 * time.Second
)

// RefresherConfig controls the background credential-refresh loop.
type RefresherConfig struct {
	Interval time.Duration // how often to scan for credentials nearing expiry
	Window   time.Duration // refresh credentials expiring within this window
	Timeout  time.Duration // per-refresh context timeout
}

// DefaultRefresherConfig mirrors the interval/timeout shape the teacher's
// health-check prober uses for its own periodic scan.
func DefaultRefresherConfig() RefresherConfig {
	return RefresherConfig{
		Interval: defaultRefreshInterval,
		Window:   defaultRefreshWindow,
		Timeout:  defaultRefreshTimeout,
	}
}

// Refresher periodically scans the pool for credentials nearing token
// expiry and calls the owning executor's Refresh. Refresh is serialised
// per credential id (spec §5): a capacity-1 semaphore per id means that
// while a refresh is in flight, a concurrent refresh for the same id is
// skipped, without blocking refreshes of other credentials.
type Refresher struct {
	pool   *Pool
	cfg    RefresherConfig
	logger *slog.Logger

	mu    sync.Mutex
	gates map[string]*resilience.Semaphore
}

// NewRefresher builds a Refresher bound to pool.
func NewRefresher(pool *Pool, cfg RefresherConfig, logger *slog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRefreshInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultRefreshWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRefreshTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
		gates:  make(map[string]*resilience.Semaphore),
	}
}

func (r *Refresher) gateFor(id string) *resilience.Semaphore {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[id]
	if !ok {
		g = resilience.NewSemaphore(1)
		r.gates[id] = g
	}
	return g
}

// Run blocks, scanning on cfg.Interval, until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Refresher) scanOnce(ctx context.Context) {
	now := time.Now()
	deadline := now.Add(r.cfg.Window)

	r.pool.mu.Lock()
	due := make([]*credential.RuntimeCredential, 0)
	for _, rc := range r.pool.auths {
		if rc.IsDisabled() {
			continue
		}
		if rc.Auth.ExpiresAt == nil {
			continue
		}
		if rc.Auth.ExpiresAt.Before(deadline) {
			due = append(due, rc)
		}
	}
	r.pool.mu.Unlock()

	for _, rc := range due {
		r.refreshOne(ctx, rc)
	}
}

func (r *Refresher) refreshOne(ctx context.Context, rc *credential.RuntimeCredential) {
	id := rc.Auth.ID
	gate := r.gateFor(id)
	if !gate.TryAcquire() {
		// A refresh for this id is already in flight; the next scan
		// picks the credential up again if it is still due.
		return
	}
	defer gate.Release()

	ex, ok := r.pool.registry.Lookup(rc.Auth.Provider)
	if !ok {
		r.logger.Warn("refresh skipped: no executor registered", "provider", rc.Auth.Provider, "credential_id", id)
		return
	}

	refreshCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	updated := ex.Refresh(refreshCtx, rc.Auth)

	r.pool.mu.Lock()
	rc.Auth = updated
	rc.LastRefreshedAt = time.Now()
	if updated.Status == credential.StatusError {
		rc.RuntimeStatus = credential.StatusError
		rc.StatusMessage = updated.StatusMessage
	}
	r.pool.mu.Unlock()

	if r.pool.store != nil {
		if err := r.pool.store.Update(updated); err != nil {
			r.logger.Error("persist refreshed credential failed", "credential_id", id, "error", err)
		}
	}
}
