package report

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var lookbackRe = regexp.MustCompile(`^(\d+)([hdwm])$`)

// ParseLookback parses windows such as 24h, 7d, 2w or 3m. A month is 30 days.
func ParseLookback(s string) (time.Duration, error) {
	m := lookbackRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("invalid duration format: %s (use a form like 24h, 7d, 1w)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}
	day := 24 * time.Hour
	switch m[2] {
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * day, nil
	case "w":
		return time.Duration(n) * 7 * day, nil
	default:
		return time.Duration(n) * 30 * day, nil
	}
}

// Since returns now minus the parsed lookback, or nil for an empty string.
func Since(s string, now time.Time) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := ParseLookback(s)
	if err != nil {
		return nil, err
	}
	t := now.Add(-d)
	return &t, nil
}
