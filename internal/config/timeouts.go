package config

import "time"

// TimeoutConfig holds timeout settings for various operations.
// These can be configured via CLI flags to tune performance for different environments.
type TimeoutConfig struct {
	// HTTPRequest bounds regular API requests (streams are exempt). Default: 60s
	HTTPRequest time.Duration

	// ProbeOperation bounds a single ffprobe invocation. Default: 2m
	ProbeOperation time.Duration

	// MarkerUpdate bounds one coalesced marker write plus its season propagation.
	// Default: 30s
	MarkerUpdate time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		HTTPRequest:    60 * time.Second,
		ProbeOperation: 2 * time.Minute,
		MarkerUpdate:   30 * time.Second,
	}
}
