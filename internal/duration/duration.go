// Package duration converts between start instants and the compact elapsed
// strings shown on dashboards ("1h 2m 3s", "4m 0s", "12s").
package duration

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// Zero is the elapsed string of a test that was already gone when first seen.
const Zero = "0s"

var pattern = regexp.MustCompile(`^\s*(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)s)?\s*$`)

// Seconds returns whole seconds between start and now, never negative.
func Seconds(start, now time.Time) int64 {
	d := now.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Elapsed formats the time between start and now.
func Elapsed(start, now time.Time) string {
	return Format(Seconds(start, now))
}

// Format renders seconds, omitting leading zero units.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// Parse is the lenient inverse of Format. It accepts one or more
// {number}{unit} tokens with unit in h, m, s and returns 0 for anything else.
func Parse(s string) int64 {
	match := pattern.FindStringSubmatch(s)
	if match == nil || (match[1] == "" && match[2] == "" && match[3] == "") {
		return 0
	}
	var total int64
	for i, mult := range []int64{3600, 60, 1} {
		if match[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(match[i+1], 10, 64)
		if err != nil || n > (math.MaxInt64-total)/mult {
			return 0
		}
		total += n * mult
	}
	return total
}
