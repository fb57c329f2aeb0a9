package config

import (
	"strconv"
	"strings"
	"time"
)

// SettingsGetter is an interface for retrieving settings from storage
type SettingsGetter interface {
	GetSetting(key string) (string, error)
}

// Loader provides typed access to settings with default values
type Loader struct {
	db SettingsGetter
}

// NewLoader creates a new settings loader
func NewLoader(db SettingsGetter) *Loader {
	return &Loader{db: db}
}

// raw returns the stored value with surrounding JSON string quotes removed.
// Defaults are seeded as JSON, so "abc" and abc are treated alike.
func (l *Loader) raw(key string) string {
	if l == nil || l.db == nil {
		return ""
	}
	val, _ := l.db.GetSetting(key)
	val = strings.TrimSpace(val)
	if len(val) >= 2 && strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
		if unquoted, err := strconv.Unquote(val); err == nil {
			return unquoted
		}
	}
	return val
}

// Int retrieves an integer setting, returning defaultVal if not found or invalid
func (l *Loader) Int(key string, defaultVal int) int {
	if val := l.raw(key); val != "" {
		if v, err := strconv.Atoi(val); err == nil {
			return v
		}
	}
	return defaultVal
}

// Int64 retrieves an int64 setting, returning defaultVal if not found or invalid
func (l *Loader) Int64(key string, defaultVal int64) int64 {
	if val := l.raw(key); val != "" {
		if v, err := strconv.ParseInt(val, 10, 64); err == nil {
			return v
		}
	}
	return defaultVal
}

// Bool retrieves a boolean setting, returning defaultVal if not found
// Recognizes "true" as true, anything else (including "false") as false
func (l *Loader) Bool(key string, defaultVal bool) bool {
	if val := l.raw(key); val != "" {
		return val == "true"
	}
	return defaultVal
}

// String retrieves a string setting, returning defaultVal if not found or empty
func (l *Loader) String(key, defaultVal string) string {
	if val := l.raw(key); val != "" {
		return val
	}
	return defaultVal
}

// Strings retrieves a list setting. Values may be separated by commas or newlines,
// or stored as a JSON array of strings. Empty entries are dropped.
func (l *Loader) Strings(key string) []string {
	val := l.raw(key)
	if val == "" {
		return nil
	}
	if strings.HasPrefix(val, "[") && strings.HasSuffix(val, "]") {
		val = strings.TrimSuffix(strings.TrimPrefix(val, "["), "]")
	}
	fields := strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(strings.TrimSpace(f), `"`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Duration retrieves a duration setting, returning defaultVal if not found or invalid
// Expects the value to be in Go duration format (e.g., "1h30m", "5s")
func (l *Loader) Duration(key string, defaultVal time.Duration) time.Duration {
	if val := l.raw(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// DurationSeconds retrieves a duration setting stored as seconds
func (l *Loader) DurationSeconds(key string, defaultSeconds int) time.Duration {
	seconds := l.Int(key, defaultSeconds)
	return time.Duration(seconds) * time.Second
}

// DurationMillis retrieves a duration setting stored as milliseconds
func (l *Loader) DurationMillis(key string, defaultMillis int) time.Duration {
	millis := l.Int(key, defaultMillis)
	return time.Duration(millis) * time.Millisecond
}
