// Package auth manages the API key that guards the host-facing API.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyLength is the length of generated API keys in bytes (will be hex encoded)
	APIKeyLength = 32
	// BcryptCost is the bcrypt cost factor
	BcryptCost = 12
	// APIKeyHashSetting holds the bcrypt hash of the active API key
	APIKeyHashSetting = "auth.api_key_hash"
)

// ErrNoAPIKey is returned when no API key has been generated yet
var ErrNoAPIKey = errors.New("no api key configured")

// SettingsStore persists the key hash
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// GenerateAPIKey creates a new cryptographically secure API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate api key: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// HashKey hashes a key using bcrypt
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	return string(hash), nil
}

// CheckKey verifies a key against a hash
func CheckKey(key, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}

// APIKeyService verifies API keys against the stored hash. The last key that
// passed bcrypt is kept in memory so repeated requests skip the bcrypt cost.
type APIKeyService struct {
	store SettingsStore
	cost  int

	mu       sync.RWMutex
	hash     string
	verified []byte
}

// NewAPIKeyService creates a new API key service
func NewAPIKeyService(store SettingsStore) *APIKeyService {
	return &APIKeyService{store: store, cost: BcryptCost}
}

// Regenerate creates a new key, stores its hash and returns the plain key.
// Any previously issued key stops working.
func (s *APIKeyService) Regenerate() (string, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash api key: %w", err)
	}
	if err := s.store.SetSetting(APIKeyHashSetting, string(hash)); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.hash = string(hash)
	s.verified = []byte(key)
	s.mu.Unlock()
	return key, nil
}

// Configured reports whether a key hash is stored
func (s *APIKeyService) Configured() (bool, error) {
	hash, err := s.currentHash()
	if err != nil {
		return false, err
	}
	return hash != "", nil
}

// Validate reports whether key matches the stored hash
func (s *APIKeyService) Validate(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	hash, err := s.currentHash()
	if err != nil {
		return false, err
	}
	if hash == "" {
		return false, ErrNoAPIKey
	}

	s.mu.RLock()
	cached := s.verified
	cachedHash := s.hash
	s.mu.RUnlock()
	if cachedHash == hash && cached != nil && subtle.ConstantTimeCompare(cached, []byte(key)) == 1 {
		return true, nil
	}

	if !CheckKey(key, hash) {
		return false, nil
	}
	s.mu.Lock()
	s.hash = hash
	s.verified = []byte(key)
	s.mu.Unlock()
	return true, nil
}

// currentHash reads the stored hash, dropping the cached key when it changed
func (s *APIKeyService) currentHash() (string, error) {
	hash, err := s.store.GetSetting(APIKeyHashSetting)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.hash != hash {
		s.hash = hash
		s.verified = nil
	}
	s.mu.Unlock()
	return hash, nil
}
