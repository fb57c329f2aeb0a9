package config

import (
	"reflect"
	"testing"
	"time"
)

type mapSettings map[string]string

func (m mapSettings) GetSetting(key string) (string, error) {
	return m[key], nil
}

func TestLoader_TypedAccess(t *testing.T) {
	loader := NewLoader(mapSettings{
		"a.int":      "42",
		"a.bad":      "forty",
		"a.bool":     "true",
		"a.quoted":   `"hello"`,
		"a.seconds":  "30",
		"a.millis":   "1500",
		"a.duration": "1m30s",
	})

	if got := loader.Int("a.int", 1); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	if got := loader.Int("a.bad", 7); got != 7 {
		t.Fatalf("expected default 7 for invalid int, got %d", got)
	}
	if !loader.Bool("a.bool", false) {
		t.Fatal("expected bool setting to be true")
	}
	if got := loader.String("a.quoted", ""); got != "hello" {
		t.Fatalf("expected JSON quotes to be stripped, got %q", got)
	}
	if got := loader.DurationSeconds("a.seconds", 1); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := loader.DurationMillis("a.millis", 1); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}
	if got := loader.Duration("a.duration", 0); got != 90*time.Second {
		t.Fatalf("expected 90s, got %s", got)
	}
	if got := loader.Int("missing", 3); got != 3 {
		t.Fatalf("expected default for missing key, got %d", got)
	}
}

func TestLoader_Strings(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected []string
	}{
		{name: "empty", value: "", expected: nil},
		{name: "comma separated", value: "/mnt/tv, /mnt/anime", expected: []string{"/mnt/tv", "/mnt/anime"}},
		{name: "newline separated", value: "alice\nbob\n\n", expected: []string{"alice", "bob"}},
		{name: "json array", value: `["Emby Web","Kodi"]`, expected: []string{"Emby Web", "Kodi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(mapSettings{"k": tt.value})
			got := loader.Strings("k")
			if len(got) == 0 && len(tt.expected) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Strings(%q) = %#v, want %#v", tt.value, got, tt.expected)
			}
		})
	}
}
