// Package logging configures the global zerolog logger: a console writer on
// stdout plus a size-rotated log file next to the database.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/saltyorg/markerplow/internal/config"
)

const (
	DefaultLogFilePath = "markerplow.log"
	DefaultMaxSizeMB   = 50
	DefaultMaxBackups  = 5
	DefaultMaxAgeDays  = 30
	DefaultCompress    = true

	// FormatText writes the file like the console, without colour
	FormatText = "text"
	// FormatJSON writes one zerolog JSON object per line
	FormatJSON = "json"

	timeFormat = "2006-01-02 15:04:05"
)

// Rotation controls the log file and its rotation
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Format     string
}

// DefaultRotation returns the rotation used before settings are readable
func DefaultRotation() Rotation {
	return Rotation{
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAgeDays: DefaultMaxAgeDays,
		Compress:   DefaultCompress,
		Format:     FormatText,
	}
}

// LoadRotation reads the log.* settings. Invalid values fall back to defaults.
func LoadRotation(loader *config.Loader) Rotation {
	r := DefaultRotation()
	if loader == nil {
		return r
	}
	if v := loader.Int("log.max_size_mb", DefaultMaxSizeMB); v > 0 {
		r.MaxSizeMB = v
	}
	if v := loader.Int("log.max_backups", DefaultMaxBackups); v >= 0 {
		r.MaxBackups = v
	}
	if v := loader.Int("log.max_age_days", DefaultMaxAgeDays); v >= 0 {
		r.MaxAgeDays = v
	}
	r.Compress = loader.Bool("log.compress", DefaultCompress)
	if strings.EqualFold(loader.String("log.file_format", FormatText), FormatJSON) {
		r.Format = FormatJSON
	}
	return r
}

var (
	fileMu      sync.Mutex
	currentFile *lumberjack.Logger
)

// Apply sets the global level and rebuilds the console and file writers.
// An empty logFilePath writes DefaultLogFilePath in the working directory.
// The file writer replaced by this call is closed.
func Apply(level string, loader *config.Loader, logFilePath string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	if logFilePath == "" {
		logFilePath = DefaultLogFilePath
	}
	rotation := LoadRotation(loader)

	console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}

	var file *lumberjack.Logger
	if err := ensureLogDir(logFilePath); err != nil {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		log.Error().Err(err).Str("path", logFilePath).Msg("Failed to prepare log directory; logging to console only")
	} else {
		file = &lumberjack.Logger{
			Filename:   logFilePath,
			MaxSize:    rotation.MaxSizeMB,
			MaxBackups: rotation.MaxBackups,
			MaxAge:     rotation.MaxAgeDays,
			Compress:   rotation.Compress,
		}
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, fileWriter(file, rotation.Format))).
			With().Timestamp().Logger()
	}

	fileMu.Lock()
	previous := currentFile
	currentFile = file
	fileMu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
}

func fileWriter(out io.Writer, format string) io.Writer {
	if format == FormatJSON {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat, NoColor: true}
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// LevelForVerbosity maps the CLI -v count to a level name understood by Apply.
func LevelForVerbosity(verbosity int) string {
	switch {
	case verbosity <= 0:
		return "info"
	case verbosity == 1:
		return "debug"
	default:
		return "trace"
	}
}

// FilePathForDB returns a log file path that lives alongside the database file.
func FilePathForDB(dbPath string) string {
	if dbPath == "" {
		return DefaultLogFilePath
	}
	absDBPath, err := filepath.Abs(dbPath)
	if err != nil {
		return filepath.Join(filepath.Dir(dbPath), DefaultLogFilePath)
	}
	return filepath.Join(filepath.Dir(absDBPath), DefaultLogFilePath)
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
