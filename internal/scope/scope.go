// Package scope decides which libraries, users and clients the detection pipeline watches.
package scope

import (
	"path"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/markerplow/internal/config"
	"github.com/saltyorg/markerplow/internal/markers"
)

// Config holds the raw scope settings
type Config struct {
	LibraryPaths []string `json:"library_paths"`
	Users        []string `json:"users"`
	Clients      []string `json:"clients"`
}

// LoadConfigFromDB reads scope settings through the loader
func LoadConfigFromDB(loader *config.Loader) Config {
	return Config{
		LibraryPaths: loader.Strings("scope.library_paths"),
		Users:        loader.Strings("scope.users"),
		Clients:      loader.Strings("scope.clients"),
	}
}

// snapshot is an immutable view of the scope; it is never modified after publish
type snapshot struct {
	roots   []string
	users   map[string]struct{}
	clients []string
}

func newSnapshot(cfg Config) *snapshot {
	s := &snapshot{users: make(map[string]struct{}, len(cfg.Users))}
	for _, p := range cfg.LibraryPaths {
		if root := normalizeRoot(p); root != "" {
			s.roots = append(s.roots, root)
		}
	}
	for _, u := range cfg.Users {
		if u = strings.TrimSpace(u); u != "" {
			s.users[u] = struct{}{}
		}
	}
	for _, c := range cfg.Clients {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			s.clients = append(s.clients, c)
		}
	}
	return s
}

// Filter answers scope checks against an atomically swapped snapshot.
type Filter struct {
	current atomic.Pointer[snapshot]
}

// NewFilter creates a filter for cfg
func NewFilter(cfg Config) *Filter {
	f := &Filter{}
	f.Update(cfg)
	return f
}

// Update rebuilds the snapshot from cfg and publishes it in one step
func (f *Filter) Update(cfg Config) {
	s := newSnapshot(cfg)
	f.current.Store(s)
	log.Debug().
		Int("library_roots", len(s.roots)).
		Int("users", len(s.users)).
		Int("clients", len(s.clients)).
		Msg("Scope updated")
}

// InScope reports whether playback of item by userID on clientName is monitored.
func (f *Filter) InScope(item *markers.Item, userID, clientName string) bool {
	s := f.current.Load()
	return s.pathInScope(item) && s.userInScope(userID) && s.clientInScope(clientName)
}

// PathInScope applies only the library path check; used for background work
// that has no user or client attached.
func (f *Filter) PathInScope(item *markers.Item) bool {
	return f.current.Load().pathInScope(item)
}

// Snapshot returns the effective scope as plain config
func (f *Filter) Snapshot() Config {
	s := f.current.Load()
	cfg := Config{
		LibraryPaths: append([]string(nil), s.roots...),
		Clients:      append([]string(nil), s.clients...),
	}
	for u := range s.users {
		cfg.Users = append(cfg.Users, u)
	}
	return cfg
}

func (s *snapshot) pathInScope(item *markers.Item) bool {
	if item == nil || item.Path == "" {
		return false
	}
	// No configured roots means every library is watched
	if len(s.roots) == 0 {
		return true
	}
	folder := normalizeRoot(path.Dir(strings.ReplaceAll(item.Path, `\`, "/")))
	for _, root := range s.roots {
		if strings.HasPrefix(folder, root) {
			return true
		}
	}
	return false
}

func (s *snapshot) userInScope(userID string) bool {
	if len(s.users) == 0 {
		return true
	}
	_, ok := s.users[strings.TrimSpace(userID)]
	return ok
}

func (s *snapshot) clientInScope(clientName string) bool {
	if len(s.clients) == 0 {
		return true
	}
	name := strings.ToLower(clientName)
	for _, token := range s.clients {
		if strings.Contains(name, token) {
			return true
		}
	}
	return false
}

// normalizeRoot converts separators to forward slashes and guarantees a single
// trailing slash so /tv does not match /tvshows.
func normalizeRoot(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}
