package auth

import (
	"errors"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
	reads  int
}

func (m *memSettings) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	return m.values[key], nil
}

func (m *memSettings) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

func newTestService() (*APIKeyService, *memSettings) {
	store := &memSettings{}
	s := NewAPIKeyService(store)
	s.cost = bcrypt.MinCost
	return s, store
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := GenerateAPIKey()
	if len(a) != APIKeyLength*2 {
		t.Fatalf("expected %d hex chars, got %d", APIKeyLength*2, len(a))
	}
	if a == b {
		t.Fatal("expected distinct keys")
	}
}

func TestValidateWithoutKey(t *testing.T) {
	s, _ := newTestService()
	if ok, err := s.Validate("anything"); ok || !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("expected ErrNoAPIKey, got %v, %v", ok, err)
	}
	if ok, _ := s.Configured(); ok {
		t.Fatal("expected no key to be configured")
	}
}

func TestRegenerateAndValidate(t *testing.T) {
	s, store := newTestService()
	key, err := s.Regenerate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.values[APIKeyHashSetting] == key {
		t.Fatal("expected the hash, not the key, to be stored")
	}

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid", key, true},
		{"wrong", key[:len(key)-1] + "x", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Validate(tt.key)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestValidateFromFreshService(t *testing.T) {
	s, store := newTestService()
	key, _ := s.Regenerate()

	// A second process sharing the settings table verifies through bcrypt
	other := NewAPIKeyService(store)
	if ok, err := other.Validate(key); err != nil || !ok {
		t.Fatalf("expected key to validate, got %v, %v", ok, err)
	}
	if other.verified == nil {
		t.Fatal("expected verified key to be cached")
	}
}

func TestRegenerateRevokesOldKey(t *testing.T) {
	s, _ := newTestService()
	old, _ := s.Regenerate()
	fresh, _ := s.Regenerate()

	if ok, _ := s.Validate(old); ok {
		t.Fatal("expected old key to be rejected")
	}
	if ok, _ := s.Validate(fresh); !ok {
		t.Fatal("expected new key to validate")
	}
}
