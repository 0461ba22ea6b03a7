package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// ParseDurationMap resolves a per-key duration table with a shared fallback.
// Invalid entries fail the whole table so a typo can't silently fall back.
func ParseDurationMap(path string, raw map[string]string, def time.Duration) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(raw))
	for k, v := range raw {
		d, err := ParseDurationOrDefault(path+"."+k, v, def)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}
