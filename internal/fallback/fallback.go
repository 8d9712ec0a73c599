// Package fallback loads and hot-reloads the fallback-chain configuration
// document: the user-defined virtual models a model name may resolve to.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	json "github.com/goccy/go-json"
)

// Entry is one (provider, modelId) pair within a virtual model's chain.
type Entry struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
	Priority int    `json:"priority"`
}

// VirtualModel is a user-defined name resolving to an ordered fallback
// chain of provider entries.
type VirtualModel struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Entries []Entry `json:"entries"`
}

// Document is the on-disk shape of the fallback configuration file.
type Document struct {
	Enabled       bool           `json:"enabled"`
	VirtualModels []VirtualModel `json:"virtualModels"`
}

// ResolvedChain is Document flattened for one model lookup: the ordered
// provider list plus, per provider, which modelId to forward.
type ResolvedChain struct {
	Providers []string          // in ascending-priority order, deduplicated
	ModelByID map[string]string // provider -> modelId to request
}

// Resolve looks up model against the document's virtual models. When
// fallback is disabled, or model matches no virtual model, ok is false and
// the caller should forward model as-is.
func (d *Document) Resolve(model string) (ResolvedChain, bool) {
	if !d.Enabled {
		return ResolvedChain{}, false
	}
	for _, vm := range d.VirtualModels {
		if vm.Name != model && vm.ID != model {
			continue
		}
		entries := append([]Entry(nil), vm.Entries...)
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })

		chain := ResolvedChain{ModelByID: make(map[string]string, len(entries))}
		seen := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			if _, ok := seen[e.Provider]; ok {
				continue
			}
			seen[e.Provider] = struct{}{}
			chain.Providers = append(chain.Providers, e.Provider)
			chain.ModelByID[e.Provider] = e.ModelID
		}
		return chain, true
	}
	return ResolvedChain{}, false
}

// LoadFromFile reads and parses the fallback document at path. A missing
// file yields a disabled, empty document rather than an error: fallback
// configuration is optional.
func LoadFromFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fallback config: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse fallback config: %w", err)
	}
	return &doc, nil
}

// Manager holds the live Document behind an atomic pointer and, when
// Watch is called, reloads it on external edits. Reloads swap the whole
// document; there is no partial merge.
type Manager struct {
	doc      atomic.Pointer[Document]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*Document)
	logger   *slog.Logger
}

// NewManager loads path once and returns a Manager. Call Watch separately
// to start hot-reloading.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	doc, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	m.doc.Store(doc)
	return m, nil
}

// Get returns the current Document. Safe for concurrent use.
func (m *Manager) Get() *Document {
	return m.doc.Load()
}

// OnChange registers a callback invoked, with the new document, after
// each successful reload.
func (m *Manager) OnChange(fn func(*Document)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the fallback file for changes, debouncing rapid
// edits (spec §9: debounce ≥200ms) before reloading.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fallback watcher: %w", err)
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch fallback config: %w", err)
	}

	go m.watchLoop(ctx)
	return nil
}

const debounceDelay = 250 * time.Millisecond

func (m *Manager) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, m.reload)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("fallback config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	doc, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload fallback config, keeping current", "error", err)
		return
	}
	m.doc.Store(doc)
	m.logger.Info("fallback configuration reloaded")

	for _, fn := range m.onChange {
		fn(doc)
	}
}

// Close stops the watcher, if running.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
