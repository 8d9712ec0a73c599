package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/internal/executor"
	"github.com/quotio/quotio/internal/selector"
	"github.com/quotio/quotio/pkg/apierror"
)

// scriptedExecutor returns a fixed, possibly per-credential-id, scripted
// response sequence; each call to Execute/ExecuteStream pops the next
// entry for that credential id.
type scriptedExecutor struct {
	mu       sync.Mutex
	id       string
	steps    map[string][]step
	executed []string // credential ids executed, in order
}

type step struct {
	body       []byte
	statusCode int
	retryAfter time.Duration
}

func newScriptedExecutor(id string, steps map[string][]step) *scriptedExecutor {
	return &scriptedExecutor{id: id, steps: steps}
}

func (s *scriptedExecutor) Identifier() string { return s.id }

func (s *scriptedExecutor) Execute(ctx context.Context, auth *credential.RuntimeCredential, req executor.Request, opts executor.Options) ([]byte, error) {
	s.mu.Lock()
	s.executed = append(s.executed, auth.Auth.ID)
	steps := s.steps[auth.Auth.ID]
	var next step
	if len(steps) > 0 {
		next = steps[0]
		s.steps[auth.Auth.ID] = steps[1:]
	}
	s.mu.Unlock()

	if next.statusCode != 0 && next.statusCode >= 400 {
		return nil, &apierror.StatusError{
			Provider:     s.id,
			Model:        req.Model,
			StatusCode:   next.statusCode,
			Message:      "scripted failure",
			RetryAfterMs: next.retryAfter.Milliseconds(),
		}
	}
	return next.body, nil
}

func (s *scriptedExecutor) ExecuteStream(ctx context.Context, auth *credential.RuntimeCredential, req executor.Request, opts executor.Options, out chan<- executor.Chunk) {
	defer close(out)
	body, err := s.Execute(ctx, auth, req, opts)
	if err != nil {
		out <- executor.Chunk{Err: err}
		return
	}
	out <- executor.Chunk{Data: body}
}

func (s *scriptedExecutor) Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential {
	return auth
}

func newTestPool(t *testing.T, ex executor.Executor, provider string) *Pool {
	t.Helper()
	reg := executor.NewRegistry()
	reg.Register(provider, ex)
	storePath := t.TempDir() + "/credentials.json"
	store := credential.NewStore(storePath)
	require.NoError(t, store.Load())
	return New(DefaultConfig(), reg, selector.NewRoundRobin(), store, nil)
}

func TestPool_HappyPath_RoundRobinAcrossTwoCredentials(t *testing.T) {
	ex := newScriptedExecutor("claude", map[string][]step{
		"a": {{body: []byte(`"a-response"`)}},
		"b": {{body: []byte(`"b-response"`)}},
	})
	p := newTestPool(t, ex, "claude")
	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)
	p.Register(credential.StoredCredential{ID: "b", Provider: "claude"}, now)

	body1, err := p.Execute(context.Background(), "claude-opus", []string{"claude"}, executor.Request{Model: "claude-opus"}, executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, `"a-response"`, string(body1))

	body2, err := p.Execute(context.Background(), "claude-opus", []string{"claude"}, executor.Request{Model: "claude-opus"}, executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, `"b-response"`, string(body2))

	a := p.auths["a"]
	b := p.auths["b"]
	assert.Equal(t, 0, a.Quota.BackoffLevel)
	assert.Equal(t, 0, b.Quota.BackoffLevel)
}

func TestPool_429Failover_WithinProvider(t *testing.T) {
	ex := newScriptedExecutor("claude", map[string][]step{
		"a": {{statusCode: 429, retryAfter: 2 * time.Second}},
		"b": {{body: []byte(`"ok"`)}},
	})
	p := newTestPool(t, ex, "claude")
	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)
	p.Register(credential.StoredCredential{ID: "b", Provider: "claude"}, now)

	body, err := p.Execute(context.Background(), "claude-opus", []string{"claude"}, executor.Request{Model: "claude-opus"}, executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(body))

	a := p.auths["a"]
	require.NotNil(t, a.Quota.NextRecoverAt)
	assert.True(t, a.Quota.Exceeded)
}

func TestPool_AllCoolingDown_RaisesModelCooldownError(t *testing.T) {
	ex := newScriptedExecutor("claude", map[string][]step{})
	p := newTestPool(t, ex, "claude")
	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)
	p.Register(credential.StoredCredential{ID: "b", Provider: "claude"}, now)

	// Force both into cooldown without ever executing a live attempt.
	p.auths["a"].MarkResult(credential.ExecutionResult{Model: "claude-opus", StatusCode: 429, RetryAfter: 1500 * time.Millisecond}, now)
	p.auths["b"].MarkResult(credential.ExecutionResult{Model: "claude-opus", StatusCode: 429, RetryAfter: 1500 * time.Millisecond}, now)

	cfg := Config{RetryCount: 0, MaxRetryWaitMs: 2000}
	p.cfg = cfg

	_, err := p.Execute(context.Background(), "claude-opus", []string{"claude"}, executor.Request{Model: "claude-opus"}, executor.Options{})
	require.Error(t, err)

	var cooldownErr *apierror.ModelCooldownError
	require.ErrorAs(t, err, &cooldownErr)
	assert.Equal(t, "claude-opus", cooldownErr.Model)
}

func TestPool_TriedSetMonotonicity_NoCredentialExecutedTwice(t *testing.T) {
	ex := newScriptedExecutor("claude", map[string][]step{
		"a": {{statusCode: 500}},
		"b": {{statusCode: 500}},
	})
	p := newTestPool(t, ex, "claude")
	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)
	p.Register(credential.StoredCredential{ID: "b", Provider: "claude"}, now)
	p.cfg = Config{RetryCount: 0, MaxRetryWaitMs: 0}

	_, err := p.Execute(context.Background(), "claude-opus", []string{"claude"}, executor.Request{Model: "claude-opus"}, executor.Options{})
	require.Error(t, err)

	counts := map[string]int{}
	for _, id := range ex.executed {
		counts[id]++
	}
	for id, n := range counts {
		assert.Equal(t, 1, n, "credential %s executed %d times", id, n)
	}
}

func TestPool_ExecuteStream_SingleResultPerAttempt(t *testing.T) {
	ex := newScriptedExecutor("claude", map[string][]step{
		"a": {{body: []byte("chunk-a")}},
	})
	p := newTestPool(t, ex, "claude")
	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)

	out := make(chan StreamEvent, 4)
	p.ExecuteStream(context.Background(), "claude-opus", []string{"claude"}, executor.Request{Model: "claude-opus"}, executor.Options{Stream: true}, out)

	var events []StreamEvent
	for e := range out {
		events = append(events, e)
	}
	require.Len(t, events, 1)
	assert.NoError(t, events[0].Err)
	assert.Equal(t, "chunk-a", string(events[0].Data))

	a := p.auths["a"]
	assert.Equal(t, credential.StatusActive, a.RuntimeStatus)
}

func TestPool_MixedProviderFailover_FallsBackToSecondProvider(t *testing.T) {
	claude := newScriptedExecutor("claude", map[string][]step{
		"a": {{statusCode: 429, retryAfter: 30 * time.Second}},
	})
	gemini := newScriptedExecutor("gemini", map[string][]step{
		"b": {{body: []byte(`"gemini-response"`)}},
	})

	reg := executor.NewRegistry()
	reg.Register("claude", claude)
	reg.Register("gemini", gemini)
	storePath := t.TempDir() + "/credentials.json"
	store := credential.NewStore(storePath)
	require.NoError(t, store.Load())
	p := New(DefaultConfig(), reg, selector.NewRoundRobin(), store, nil)

	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)
	p.Register(credential.StoredCredential{ID: "b", Provider: "gemini"}, now)

	body, err := p.Execute(context.Background(), "claude-opus", []string{"claude", "gemini"}, executor.Request{Model: "claude-opus"}, executor.Options{})
	require.NoError(t, err)
	assert.Equal(t, `"gemini-response"`, string(body))

	a := p.auths["a"]
	require.NotNil(t, a.Quota.NextRecoverAt)
	assert.True(t, a.Quota.Exceeded)
	assert.Contains(t, claude.executed, "a")
	assert.Contains(t, gemini.executed, "b")
}

func TestPool_IdempotentRegistration_PreservesLiveModelState(t *testing.T) {
	ex := newScriptedExecutor("claude", map[string][]step{})
	p := newTestPool(t, ex, "claude")
	now := time.Now()
	p.Register(credential.StoredCredential{ID: "a", Provider: "claude"}, now)
	p.auths["a"].MarkResult(credential.ExecutionResult{Model: "claude-opus", StatusCode: 500}, now)

	p.Register(credential.StoredCredential{ID: "a", Provider: "claude", StatusMessage: "re-registered"}, now.Add(time.Minute))

	ms, ok := p.auths["a"].ModelStates["claude-opus"]
	require.True(t, ok)
	assert.True(t, ms.Unavailable)
}
