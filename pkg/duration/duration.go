package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

var expiryPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

var unitSeconds = map[string]int64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
}

// Parse converts a compact expiry string such as "30m" or "7d" into a duration.
func Parse(raw string) (time.Duration, error) {
	match := expiryPattern.FindStringSubmatch(raw)
	if match == nil {
		return 0, fmt.Errorf("invalid expiry %q: expected <number><s|m|h|d>", raw)
	}

	value, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expiry %q: %w", raw, err)
	}

	unit := unitSeconds[match[2]]
	if value > math.MaxInt64/int64(time.Second)/unit {
		return 0, fmt.Errorf("invalid expiry %q: out of range", raw)
	}

	return time.Duration(value*unit) * time.Second, nil
}

// ParseOr returns the parsed duration, or fallback when raw is empty or malformed.
func ParseOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := Parse(raw)
	if err != nil {
		return fallback
	}
	return d
}

// Seconds parses raw and returns whole seconds, falling back to fallbackSeconds.
func Seconds(raw string, fallbackSeconds int64) int64 {
	return int64(ParseOr(raw, time.Duration(fallbackSeconds)*time.Second) / time.Second)
}
