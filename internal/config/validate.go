package config

import (
	"fmt"
	"log/slog"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that must stop startup from values
// that were clamped into range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	return append(append([]error(nil), r.Fatals...), r.Warnings...)
}

type intRange struct {
	key      string
	min, max int
}

// ValidateTiered checks the config. Out-of-range numbers are clamped and
// reported as warnings; values that cannot be corrected are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Fatals = append(r.Fatals, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	clamp(&r, &c.MaxNativeHandles, intRange{"max_native_handles", 1, 1000})
	clamp(&r, &c.RefreshIntervalSeconds, intRange{"refresh_interval_seconds", 1, 3600})
	clamp(&r, &c.RefreshWorkers, intRange{"refresh_workers", 1, 64})
	clamp(&r, &c.RefreshQueueSize, intRange{"refresh_queue_size", 1, 10000})
	if c.LogFile != "" {
		clamp(&r, &c.LogMaxSizeMB, intRange{"log_max_size_mb", 1, 1024})
		clamp(&r, &c.LogMaxBackups, intRange{"log_max_backups", 0, 100})
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

// Validate is ValidateTiered flattened into one list.
func (c *Config) Validate() []error {
	return c.ValidateTiered().All()
}

func clamp(r *ValidationResult, v *int, lim intRange) {
	switch {
	case *v < lim.min:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", lim.key, *v, lim.min))
		*v = lim.min
	case *v > lim.max:
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", lim.key, *v, lim.max))
		*v = lim.max
	}
}
