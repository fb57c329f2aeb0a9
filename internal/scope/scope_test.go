package scope

import (
	"sync"
	"testing"

	"github.com/saltyorg/markerplow/internal/markers"
)

func TestFilter_InScope(t *testing.T) {
	f := NewFilter(Config{
		LibraryPaths: []string{"/media/tv", `D:\Shows\Anime`},
		Users:        []string{"user-1"},
		Clients:      []string{"Kodi", "web"},
	})

	tests := []struct {
		name   string
		path   string
		user   string
		client string
		want   bool
	}{
		{name: "matching root", path: "/media/tv/Show/S01/e1.mkv", user: "user-1", client: "Kodi", want: true},
		{name: "sibling prefix", path: "/media/tvshows/Show/e1.mkv", user: "user-1", client: "Kodi", want: false},
		{name: "windows root", path: "D:/Shows/Anime/Show/e1.mkv", user: "user-1", client: "kodi", want: true},
		{name: "unknown user", path: "/media/tv/Show/e1.mkv", user: "user-2", client: "Kodi", want: false},
		{name: "client substring", path: "/media/tv/Show/e1.mkv", user: "user-1", client: "Jellyfin Web", want: true},
		{name: "unknown client", path: "/media/tv/Show/e1.mkv", user: "user-1", client: "Android TV", want: false},
		{name: "empty path", path: "", user: "user-1", client: "Kodi", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &markers.Item{ID: "x", Path: tt.path}
			if got := f.InScope(item, tt.user, tt.client); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFilter_EmptyScopeIsPermissive(t *testing.T) {
	f := NewFilter(Config{})
	if !f.InScope(&markers.Item{Path: "/anything/e1.mkv"}, "", "") {
		t.Fatal("expected empty scope to include everything")
	}
}

func TestFilter_UpdateSwapsSnapshot(t *testing.T) {
	f := NewFilter(Config{LibraryPaths: []string{"/media/tv"}})
	item := &markers.Item{Path: "/media/anime/Show/e1.mkv"}

	if f.PathInScope(item) {
		t.Fatal("expected item outside initial roots")
	}
	f.Update(Config{LibraryPaths: []string{"/media/anime"}})
	if !f.PathInScope(item) {
		t.Fatal("expected item inside updated roots")
	}
}

func TestFilter_ConcurrentChecksAreStable(t *testing.T) {
	f := NewFilter(Config{LibraryPaths: []string{"/media/tv"}, Clients: []string{"kodi"}})
	item := &markers.Item{Path: "/media/tv/Show/e1.mkv"}

	var wg sync.WaitGroup
	results := make([]bool, 64)
	for i := range results {
		wg.Go(func() {
			results[i] = f.InScope(item, "anyone", "Kodi 21")
		})
	}
	wg.Wait()

	for i, got := range results {
		if !got {
			t.Fatalf("expected check %d to be in scope", i)
		}
	}
}
