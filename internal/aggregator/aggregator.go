// Package aggregator folds polled VU report batches into chart history and
// the per-step and per-VU totals shown in the dashboard tables.
package aggregator

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"time"

	"fortio.org/sets"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/stats"
)

// Aggregator owns the chart history and latest batch of one dashboard. It is
// not safe for concurrent use; the lifecycle engine serializes access.
type Aggregator struct {
	history *ChartHistory
	limit   int

	latest      []app.VUReport
	fingerprint uint64
	seen        bool
}

// New wraps history, which may be nil. limit > 0 bounds every series to the
// newest limit points.
func New(history *ChartHistory, limit int) *Aggregator {
	if history == nil {
		history = NewChartHistory()
	}
	history.normalize()
	return &Aggregator{history: history, limit: limit}
}

// Restore seeds the latest batch, for instance from persisted state, without
// appending any point. A following identical batch is treated as a duplicate.
func (a *Aggregator) Restore(latest []app.VUReport) {
	a.latest = latest
	if len(latest) > 0 {
		a.fingerprint = Fingerprint(latest)
		a.seen = true
	}
}

func (a *Aggregator) History() *ChartHistory { return a.history }

func (a *Aggregator) Latest() []app.VUReport { return a.latest }

// Totals recomputes the table totals from the latest batch.
func (a *Aggregator) Totals() Totals { return ComputeTotals(a.latest) }

// Fold records batch as the latest batch and appends one point per series
// unless the batch has the same fingerprint as the previous one. It reports
// whether points were appended.
func (a *Aggregator) Fold(batch []app.VUReport, at time.Time) bool {
	if len(batch) == 0 {
		return false
	}
	fp := Fingerprint(batch)
	a.latest = batch
	if a.seen && fp == a.fingerprint {
		return false
	}
	a.fingerprint = fp
	a.seen = true

	ts := at.UnixMilli()
	if last := a.history.lastTimestamp(); ts < last {
		ts = last
	}

	var all []float64
	byStep := map[string][]float64{}
	byVU := map[int64][]float64{}
	stepNames := sets.New[string]()
	vuIDs := sets.New[int64]()
	for _, vu := range batch {
		vuIDs.Add(vu.VUID)
		for _, s := range vu.Steps {
			stepNames.Add(s.Name)
			byStep[s.Name] = append(byStep[s.Name], s.ResponseTimes...)
			byVU[vu.VUID] = append(byVU[vu.VUID], s.ResponseTimes...)
			all = append(all, s.ResponseTimes...)
		}
	}

	h := a.history
	h.Overall = keepNewest(append(h.Overall, OverallPoint{Timestamp: ts, AvgLatency: seriesValue(all)}), a.limit)
	for _, name := range sets.Sort(stepNames) {
		h.PerStep[name] = keepNewest(append(h.PerStep[name], Point{Timestamp: ts, Value: seriesValue(byStep[name])}), a.limit)
	}
	for _, id := range sets.Sort(vuIDs) {
		h.PerVU[id] = keepNewest(append(h.PerVU[id], Point{Timestamp: ts, Value: seriesValue(byVU[id])}), a.limit)
	}
	return true
}

// seriesValue is the chart value of samples in milliseconds. Charts plot an
// empty sample set as zero.
func seriesValue(samples []float64) float64 {
	avg := stats.Average(samples)
	if avg == stats.NoData {
		return 0
	}
	return stats.Millis(avg)
}

// Fingerprint hashes the set of (vu_id, step count) pairs of a batch.
func Fingerprint(batch []app.VUReport) uint64 {
	type pair struct{ id, steps int64 }
	pairs := make([]pair, 0, len(batch))
	for _, vu := range batch {
		pairs = append(pairs, pair{vu.VUID, vu.StepCount()})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].id != pairs[j].id {
			return pairs[i].id < pairs[j].id
		}
		return pairs[i].steps < pairs[j].steps
	})

	h := fnv.New64a()
	var buf [16]byte
	for _, p := range pairs {
		binary.LittleEndian.PutUint64(buf[:8], uint64(p.id))
		binary.LittleEndian.PutUint64(buf[8:], uint64(p.steps))
		h.Write(buf[:])
	}
	return h.Sum64()
}
