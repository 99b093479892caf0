// Package stats computes means and exact order-statistic percentiles over raw
// samples. Inputs are nanoseconds; conversion to milliseconds and rounding
// happen only in the presentation helpers.
package stats

import (
	"cmp"
	"math"
	"slices"
	"strconv"
)

// NoData is returned for an empty sample set. Samples are never negative so
// the value cannot collide with a real result.
const NoData = -1.0

const (
	P90 = 0.90
	P95 = 0.95
	P99 = 0.99
)

// Average returns the arithmetic mean of samples.
func Average(samples []float64) float64 {
	if len(samples) == 0 {
		return NoData
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

// Percentile sorts a copy of samples and returns the value at floor(p*(n-1)).
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return NoData
	}
	sorted := slices.Clone(samples)
	slices.SortStableFunc(sorted, cmp.Compare[float64])
	idx := int(math.Floor(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Summary holds mean and tail latencies of a sample set, in milliseconds.
type Summary struct {
	Avg float64 `json:"avg_ms"`
	P90 float64 `json:"p90_ms"`
	P95 float64 `json:"p95_ms"`
	P99 float64 `json:"p99_ms"`
}

// Summarize computes a Summary of nanosecond samples. Fields are NoData when
// samples is empty.
func Summarize(samples []float64) Summary {
	return Summary{
		Avg: Millis(Average(samples)),
		P90: Millis(Percentile(samples, P90)),
		P95: Millis(Percentile(samples, P95)),
		P99: Millis(Percentile(samples, P99)),
	}
}

// Millis converts nanoseconds to milliseconds, passing NoData through.
func Millis(ns float64) float64 {
	if ns == NoData {
		return NoData
	}
	return ns / 1_000_000
}

// Round2 rounds to two decimals.
func Round2(v float64) float64 {
	if v == NoData {
		return NoData
	}
	return math.Round(v*100) / 100
}

// Display renders v with two decimals, or "-" for NoData.
func Display(v float64) string {
	if v == NoData {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
