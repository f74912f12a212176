// Package timeparse parses the small time-string grammar accepted by the
// pulse scheduling API: "now", "in N minute(s)|hour(s)|day(s)", or an
// ISO-8601 timestamp.
package timeparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parse converts a time string into an absolute UTC time.
func Parse(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("timeparse: empty time string")
	}

	// ISO-8601 detection happens before lowercasing, since timezone
	// offsets and the "T" separator are case-sensitive.
	if looksISO8601(trimmed) {
		return parseISO8601(trimmed)
	}

	lower := strings.ToLower(trimmed)
	if lower == "now" {
		return time.Now().UTC(), nil
	}
	if strings.HasPrefix(lower, "in ") {
		return parseRelative(lower)
	}

	return time.Time{}, fmt.Errorf("timeparse: unrecognized time string %q", raw)
}

func looksISO8601(s string) bool {
	return strings.Contains(s, "T") || strings.HasSuffix(s, "Z") || strings.Contains(s, "+")
}

func parseISO8601(s string) (time.Time, error) {
	normalized := strings.ReplaceAll(s, "Z", "+00:00")
	t, err := time.Parse("2006-01-02T15:04:05-07:00", normalized)
	if err == nil {
		return t.UTC(), nil
	}
	// Fall back to RFC3339Nano-shaped inputs (fractional seconds).
	t, err2 := time.Parse(time.RFC3339Nano, s)
	if err2 == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("timeparse: invalid ISO-8601 time %q: %w", s, err)
}

// parseRelative handles "in N minute[s]", "in N hour[s]", "in N day[s]".
func parseRelative(lower string) (time.Time, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(lower, "in "))
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("timeparse: malformed relative time %q", lower)
	}

	amount, err := strconv.Atoi(parts[0])
	if err != nil || amount < 0 {
		return time.Time{}, fmt.Errorf("timeparse: invalid amount in %q: must be a nonnegative integer", lower)
	}

	unit := strings.TrimSuffix(parts[1], "s")
	now := time.Now().UTC()
	switch unit {
	case "minute":
		return now.Add(time.Duration(amount) * time.Minute), nil
	case "hour":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "day":
		return now.Add(time.Duration(amount) * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("timeparse: unrecognized unit %q", parts[1])
	}
}
