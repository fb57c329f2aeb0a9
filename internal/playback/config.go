package playback

import (
	"time"

	"github.com/saltyorg/markerplow/internal/config"
)

// Detection thresholds. These are tuned against real viewing behaviour and are all
// overridable through the detection.* settings.
const (
	DefaultMaxIntro           = 150 * time.Second
	DefaultMaxCredits         = 360 * time.Second
	DefaultMinOpeningPlot     = 60 * time.Second
	DefaultEarlyStart         = 5 * time.Second
	DefaultJumpSlack          = 5 * time.Second
	DefaultPauseMin           = 500 * time.Millisecond
	DefaultPauseMinRateChange = 1500 * time.Millisecond
	DefaultPauseMax           = 5000 * time.Millisecond
	DefaultIntroEndTolerance  = 1500 * time.Millisecond
	DefaultDebounce           = 10 * time.Second
	DefaultSessionIdle        = 6 * time.Hour
)

// Config holds the playback detection settings
type Config struct {
	MaxIntro       time.Duration `json:"max_intro"`
	MaxCredits     time.Duration `json:"max_credits"`
	MinOpeningPlot time.Duration `json:"min_opening_plot"`
	// EarlyStart is the latest playback start that still counts as watching from the beginning
	EarlyStart time.Duration `json:"early_start"`
	JumpSlack  time.Duration `json:"jump_slack"`

	PauseMin           time.Duration `json:"pause_min"`
	PauseMinRateChange time.Duration `json:"pause_min_rate_change"`
	PauseMax           time.Duration `json:"pause_max"`
	IntroEndTolerance  time.Duration `json:"intro_end_tolerance"`

	// NoDetectionButReset lets pause marking create markers on items that have none
	NoDetectionButReset bool `json:"no_detection_but_reset"`
	// ResetAndOverwrite lets observed boundaries replace externally sourced markers
	ResetAndOverwrite bool `json:"reset_and_overwrite"`

	Debounce    time.Duration `json:"debounce"`
	SessionIdle time.Duration `json:"session_idle"`
}

// DefaultConfig returns the default detection settings
func DefaultConfig() Config {
	return Config{
		MaxIntro:           DefaultMaxIntro,
		MaxCredits:         DefaultMaxCredits,
		MinOpeningPlot:     DefaultMinOpeningPlot,
		EarlyStart:         DefaultEarlyStart,
		JumpSlack:          DefaultJumpSlack,
		PauseMin:           DefaultPauseMin,
		PauseMinRateChange: DefaultPauseMinRateChange,
		PauseMax:           DefaultPauseMax,
		IntroEndTolerance:  DefaultIntroEndTolerance,
		Debounce:           DefaultDebounce,
		SessionIdle:        DefaultSessionIdle,
	}
}

// LoadConfigFromDB reads detection settings through the loader
func LoadConfigFromDB(loader *config.Loader) Config {
	return Config{
		MaxIntro:            loader.DurationSeconds("detection.max_intro_seconds", 150),
		MaxCredits:          loader.DurationSeconds("detection.max_credits_seconds", 360),
		MinOpeningPlot:      loader.DurationSeconds("detection.min_opening_plot_seconds", 60),
		EarlyStart:          loader.DurationSeconds("detection.early_start_seconds", 5),
		JumpSlack:           loader.DurationSeconds("detection.jump_slack_seconds", 5),
		PauseMin:            loader.DurationMillis("detection.pause_min_ms", 500),
		PauseMinRateChange:  loader.DurationMillis("detection.pause_min_rate_change_ms", 1500),
		PauseMax:            loader.DurationMillis("detection.pause_max_ms", 5000),
		IntroEndTolerance:   loader.DurationMillis("detection.intro_end_tolerance_ms", 1500),
		NoDetectionButReset: loader.Bool("detection.no_detection_but_reset", false),
		ResetAndOverwrite:   loader.Bool("propagation.reset_and_overwrite", false),
		Debounce:            loader.DurationSeconds("detection.debounce_seconds", 10),
		SessionIdle:         time.Duration(loader.Int("detection.session_idle_minutes", 360)) * time.Minute,
	}
}
