package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quotio/quotio/internal/credential"
	"github.com/quotio/quotio/internal/executor"
	"github.com/quotio/quotio/internal/fallback"
	"github.com/quotio/quotio/internal/pool"
	"github.com/quotio/quotio/internal/selector"
	"github.com/quotio/quotio/pkg/apierror"
)

// echoExecutor answers every call with a fixed body, recording which
// physical model it was asked to serve.
type echoExecutor struct {
	id         string
	seenModels []string
	failFirstN int
	calls      int
}

func (e *echoExecutor) Identifier() string { return e.id }

func (e *echoExecutor) Execute(ctx context.Context, auth *credential.RuntimeCredential, req executor.Request, opts executor.Options) ([]byte, error) {
	e.seenModels = append(e.seenModels, req.Model)
	e.calls++
	if e.calls <= e.failFirstN {
		return nil, &apierror.StatusError{Provider: e.id, Model: req.Model, StatusCode: 503, Message: "temporarily unavailable"}
	}
	return []byte(`{"ok":true}`), nil
}

func (e *echoExecutor) ExecuteStream(ctx context.Context, auth *credential.RuntimeCredential, req executor.Request, opts executor.Options, out chan<- executor.Chunk) {
	defer close(out)
	body, err := e.Execute(ctx, auth, req, opts)
	if err != nil {
		out <- executor.Chunk{Err: err}
		return
	}
	out <- executor.Chunk{Data: body}
}

func (e *echoExecutor) Refresh(ctx context.Context, auth credential.StoredCredential) credential.StoredCredential {
	return auth
}

func newTestFacade(t *testing.T, ex *echoExecutor, provider string, fallbackDoc *fallback.Document) *Facade {
	t.Helper()
	reg := executor.NewRegistry()
	reg.Register(provider, ex)

	storePath := filepath.Join(t.TempDir(), "creds.json")
	store := credential.NewStore(storePath)
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	sc := credential.StoredCredential{Provider: provider, TokenData: map[string]any{"api_key": "sk-1"}}
	if _, err := store.Register(sc); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	p := pool.New(pool.DefaultConfig(), reg, selector.NewRoundRobin(), store, slog.Default())
	p.LoadFromStore()

	var mgr *fallback.Manager
	if fallbackDoc != nil {
		mgr = newDocManager(t, fallbackDoc)
	}
	return New(p, mgr, reg, slog.Default())
}

func newDocManager(t *testing.T, doc *fallback.Document) *fallback.Manager {
	t.Helper()
	// fallback.NewManager reads from disk, so round-trip the document
	// through a temp file rather than constructing Manager fields directly.
	path := filepath.Join(t.TempDir(), "fallback.json")
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal fallback doc: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fallback doc: %v", err)
	}
	mgr, err := fallback.NewManager(path, slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

func TestFacade_Execute_ForwardsAsIsWithoutFallbackMatch(t *testing.T) {
	ex := &echoExecutor{id: "claude"}
	f := newTestFacade(t, ex, "claude", nil)

	body, err := f.Execute(context.Background(), "claude-3.5-sonnet", []byte(`{}`), executor.Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
	if len(ex.seenModels) != 1 || ex.seenModels[0] != "claude-3.5-sonnet" {
		t.Errorf("seenModels = %v", ex.seenModels)
	}
}

func TestFacade_Execute_ResolvesVirtualModelToProviderModelID(t *testing.T) {
	ex := &echoExecutor{id: "claude"}
	doc := &fallback.Document{
		Enabled: true,
		VirtualModels: []fallback.VirtualModel{
			{
				ID:   "smart",
				Name: "smart",
				Entries: []fallback.Entry{
					{Provider: "claude", ModelID: "claude-3-7-sonnet-latest", Priority: 0},
				},
			},
		},
	}
	f := newTestFacade(t, ex, "claude", doc)

	_, err := f.Execute(context.Background(), "smart", []byte(`{}`), executor.Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(ex.seenModels) != 1 || ex.seenModels[0] != "claude-3-7-sonnet-latest" {
		t.Errorf("seenModels = %v, want physical model id from the fallback entry", ex.seenModels)
	}
}

func TestFacade_ExecuteStream_ForwardsChunks(t *testing.T) {
	ex := &echoExecutor{id: "claude"}
	f := newTestFacade(t, ex, "claude", nil)

	out := make(chan pool.StreamEvent, 4)
	f.ExecuteStream(context.Background(), "claude-3.5-sonnet", []byte(`{}`), executor.Options{Stream: true}, out)

	var gotData bool
	for ev := range out {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		if len(ev.Data) > 0 {
			gotData = true
		}
	}
	if !gotData {
		t.Error("expected at least one data chunk")
	}
}

func TestFacade_Execute_RetriesAcrossAttemptsOnRetryableFailure(t *testing.T) {
	// Two credentials on the same provider: the first 503s and enters
	// cooldown, the pool's attempt loop rotates to the second within the
	// same Execute call, and that one succeeds.
	ex := &echoExecutor{id: "claude", failFirstN: 1}
	reg := executor.NewRegistry()
	reg.Register("claude", ex)

	storePath := filepath.Join(t.TempDir(), "creds.json")
	store := credential.NewStore(storePath)
	if err := store.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		sc := credential.StoredCredential{Provider: "claude", TokenData: map[string]any{"api_key": "sk-1"}}
		if _, err := store.Register(sc); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	p := pool.New(pool.DefaultConfig(), reg, selector.NewRoundRobin(), store, slog.Default())
	p.LoadFromStore()
	f := New(p, nil, reg, slog.Default())

	start := time.Now()
	_, err := f.Execute(context.Background(), "claude-3.5-sonnet", []byte(`{}`), executor.Options{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if ex.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one failed attempt then one successful retry)", ex.calls)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Execute() took too long")
	}
}
