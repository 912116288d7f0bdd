// Package secrets manages the gateway API key: generation on first run,
// validation of stored keys, and rotation.
package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// KeyFile is the key file name under the secrets directory.
const KeyFile = "api_key"

// minDistinctDigits is the entropy floor: a real 256-bit key uses all 16
// hex digits, so requiring 10 distinct digits rejects degenerate keys with
// huge margin.
const minDistinctDigits = 10

// Store loads and persists the API key under a secrets directory.
type Store struct {
	dir string
}

// NewStore creates a key store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, KeyFile)
}

// Ensure loads the stored key, regenerating it when missing or failing
// validation. Returns the key in use.
func (s *Store) Ensure() (string, error) {
	key, err := s.Load()
	if err != nil {
		return "", err
	}
	if key != "" && !Valid(key) {
		slog.Warn("Stored API key failed validation, regenerating")
		key = ""
	}
	if key == "" {
		key, err = s.Generate()
		if err != nil {
			return "", err
		}
		slog.Info("Generated new API key", "path", s.path())
	}
	return key, nil
}

// Load reads the stored key. Returns "" when no key exists.
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading API key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Generate creates a 256-bit hex key and persists it with 0600 permissions.
func (s *Store) Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}
	key := hex.EncodeToString(buf)

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating secrets directory: %w", err)
	}
	if err := os.WriteFile(s.path(), []byte(key), 0o600); err != nil {
		return "", fmt.Errorf("writing API key: %w", err)
	}
	return key, nil
}

// Rotate replaces the stored key and returns the new one. The old key is
// invalid immediately.
func (s *Store) Rotate() (string, error) {
	key, err := s.Generate()
	if err != nil {
		return "", err
	}
	slog.Info("API key rotated")
	return key, nil
}

// Valid checks key quality: at least 64 hex characters with sufficient
// digit diversity.
func Valid(key string) bool {
	if len(key) < 64 {
		return false
	}
	distinct := make(map[rune]struct{}, 16)
	for _, r := range strings.ToLower(key) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
		distinct[r] = struct{}{}
	}
	return len(distinct) >= minDistinctDigits
}

// Equal compares a presented token against the key in constant time.
func Equal(token, key string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1
}
