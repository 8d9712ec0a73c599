package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Store persists StoredCredential records as a single JSON document under
// an OS-appropriate configuration directory. Writes are atomic: the new
// document is written to a sibling temp file and renamed over the target,
// so a crash mid-write never corrupts the existing file.
type Store struct {
	path string

	mu   sync.Mutex
	byID map[string]StoredCredential
}

// NewStore opens (without yet reading) a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path, byID: make(map[string]StoredCredential)}
}

// DefaultStorePath returns "<UserConfigDir>/quotio/credentials.json".
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "quotio", "credentials.json"), nil
}

// Load reads the backing file into memory. A missing file is not an error;
// the store simply starts empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.byID = make(map[string]StoredCredential)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read credential store: %w", err)
	}
	if len(data) == 0 {
		s.byID = make(map[string]StoredCredential)
		return nil
	}

	var records []StoredCredential
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode credential store: %w", err)
	}
	byID := make(map[string]StoredCredential, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	s.byID = byID
	return nil
}

// All returns a snapshot of every stored credential, sorted by id for
// deterministic iteration.
func (s *Store) All() []StoredCredential {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StoredCredential, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register assigns a new id when cred.ID is empty, inserts it, and
// persists the store.
func (s *Store) Register(cred StoredCredential) (StoredCredential, error) {
	s.mu.Lock()
	if strings.TrimSpace(cred.ID) == "" {
		cred.ID = uuid.NewString()
	}
	cred.Provider = strings.ToLower(strings.TrimSpace(cred.Provider))
	s.byID[cred.ID] = cred
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return StoredCredential{}, err
	}
	return cred, nil
}

// Update replaces the stored record for cred.ID, which must already exist.
func (s *Store) Update(cred StoredCredential) error {
	s.mu.Lock()
	if _, ok := s.byID[cred.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("credential %q not found", cred.ID)
	}
	cred.Provider = strings.ToLower(strings.TrimSpace(cred.Provider))
	s.byID[cred.ID] = cred
	s.mu.Unlock()

	return s.persist()
}

// Delete removes a credential by id and persists the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()

	return s.persist()
}

// persist writes the full set of records to a temp file in the same
// directory and renames it over the target path, so readers never observe
// a partially written document.
func (s *Store) persist() error {
	s.mu.Lock()
	records := make([]StoredCredential, 0, len(s.byID))
	for _, r := range s.byID {
		records = append(records, r)
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential store dir: %w", err)
	}

	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp credential file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp credential file: %w", err)
	}
	return nil
}
