// Package apikey implements the local API-key store that validates the
// inbound Authorization: Bearer <apiKey> header (spec §6). It is a flat
// JSON file of hashed keys — none of the multi-tenant fields (teams,
// orgs, budgets, TPM/RPM limits) the concept would carry in a
// multi-tenant system, which spec.md's Non-goals explicitly exclude.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

const (
	// KeyPrefixLength is the number of characters shown as the key prefix.
	KeyPrefixLength = 8
	// KeyLength is the number of random bytes in a generated key.
	KeyLength = 32
	// DefaultKeyPrefix is prepended to generated keys.
	DefaultKeyPrefix = "quotio_"
)

// Record is one stored API key: only its hash and a display prefix are
// persisted, never the plaintext key.
type Record struct {
	ID        string `json:"id"`
	KeyHash   string `json:"keyHash"`
	KeyPrefix string `json:"keyPrefix"`
	Name      string `json:"name,omitempty"`
	Disabled  bool   `json:"disabled"`
}

// Store holds the set of valid API keys, loaded from a single JSON file.
type Store struct {
	path string

	mu      sync.RWMutex
	records []Record
}

// NewStore opens a Store backed by path, without yet reading it.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the backing file. A missing file yields an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.records = nil
		return nil
	}
	if err != nil {
		return fmt.Errorf("read api key store: %w", err)
	}
	if len(data) == 0 {
		s.records = nil
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode api key store: %w", err)
	}
	s.records = records
	return nil
}

// Verify reports whether key matches an enabled stored record.
func (s *Store) Verify(key string) bool {
	if key == "" {
		return false
	}
	hash := HashKey(key)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Disabled {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hash), []byte(r.KeyHash)) == 1 {
			return true
		}
	}
	return false
}

// GenerateKey creates a new random API key with the format
// "quotio_<random>". It returns the full key (to show the caller once)
// and the Record to persist (holding only the hash).
func GenerateKey(id, name string) (fullKey string, record Record, err error) {
	randomBytes := make([]byte, KeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", Record{}, fmt.Errorf("generate random bytes: %w", err)
	}

	fullKey = DefaultKeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes)
	record = Record{
		ID:        id,
		KeyHash:   HashKey(fullKey),
		KeyPrefix: ExtractKeyPrefix(fullKey),
		Name:      name,
	}
	return fullKey, record, nil
}

// HashKey returns the SHA-256 hex digest of key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ExtractKeyPrefix returns the first KeyPrefixLength characters of key.
func ExtractKeyPrefix(key string) string {
	if len(key) <= KeyPrefixLength {
		return key
	}
	return key[:KeyPrefixLength]
}

// ParseAuthHeader extracts the key from an Authorization header, which may
// be "Bearer <key>" or a bare key.
func ParseAuthHeader(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header is empty")
	}
	if strings.HasPrefix(header, "Bearer ") {
		key := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if key == "" {
			return "", fmt.Errorf("bearer token is empty")
		}
		return key, nil
	}
	return strings.TrimSpace(header), nil
}
