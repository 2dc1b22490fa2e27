package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationOrDefault parses a duration config value, falling back to
// defaultValue when the configured string is empty. Timing knobs (boot
// timeout, stop grace period, retention) are kept as strings in the
// config file and converted here at component init, so a typo surfaces
// as a startup error instead of a zero duration.
func DurationOrDefault(value, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}
