package aggregator

import (
	"github.com/dustin/go-humanize"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/stats"
)

// StepTotals groups one step name across every VU of a batch.
type StepTotals struct {
	Name     string
	Count    int64
	Failures int64
	BytesIn  int64
	BytesOut int64
	// Samples concatenates every VU's response times for percentiles.
	Samples []float64
	// Averages holds each VU's mean response time for the step.
	Averages []float64
}

// Totals is the tabular view of the latest batch.
type Totals struct {
	Steps []StepTotals
	VUs   []app.VUReport
}

// ComputeTotals groups batch by step name. Steps keep the order in which they
// first appear.
func ComputeTotals(batch []app.VUReport) Totals {
	t := Totals{VUs: batch}
	index := map[string]int{}
	for _, vu := range batch {
		for _, s := range vu.Steps {
			i, ok := index[s.Name]
			if !ok {
				i = len(t.Steps)
				index[s.Name] = i
				t.Steps = append(t.Steps, StepTotals{Name: s.Name})
			}
			st := &t.Steps[i]
			st.Count += s.Count
			st.Failures += s.Failures
			st.BytesIn += s.BytesIn
			st.BytesOut += s.BytesOut
			if len(s.ResponseTimes) > 0 {
				st.Samples = append(st.Samples, s.ResponseTimes...)
				st.Averages = append(st.Averages, stats.Average(s.ResponseTimes))
			}
		}
	}
	return t
}

// StepRow is a display-ready step line. Latencies are milliseconds with two
// decimals, "-" without data.
type StepRow struct {
	Name          string `json:"step_name"`
	Count         int64  `json:"count"`
	Failures      int64  `json:"failures"`
	BytesInMB     string `json:"bytes_in_mb"`
	BytesOutMB    string `json:"bytes_out_mb"`
	BytesIn       string `json:"bytes_in"`
	BytesOut      string `json:"bytes_out"`
	AvgResponseMs string `json:"avg_ms"`
	P90Ms         string `json:"p90_ms"`
	P95Ms         string `json:"p95_ms"`
	P99Ms         string `json:"p99_ms"`
}

// VURow is a display-ready VU line.
type VURow struct {
	VUID         int64  `json:"vu_id"`
	ExecCount    int64  `json:"exec_count"`
	ExecFailures int64  `json:"exec_failures"`
	StepCount    int64  `json:"step_count"`
	AvgExecMs    string `json:"avg_ms"`
	P90ExecMs    string `json:"p90_ms"`
	P95ExecMs    string `json:"p95_ms"`
	P99ExecMs    string `json:"p99_ms"`
}

// Table is what the dashboard tables render.
type Table struct {
	ActiveVUs int       `json:"active_vus"`
	Steps     []StepRow `json:"steps"`
	VUs       []VURow   `json:"vus"`
}

func (t Totals) Table() Table {
	out := Table{
		ActiveVUs: len(t.VUs),
		Steps:     make([]StepRow, 0, len(t.Steps)),
		VUs:       make([]VURow, 0, len(t.VUs)),
	}
	for _, s := range t.Steps {
		sum := stats.Summarize(s.Samples)
		out.Steps = append(out.Steps, StepRow{
			Name:          s.Name,
			Count:         s.Count,
			Failures:      s.Failures,
			BytesInMB:     megabytes(s.BytesIn),
			BytesOutMB:    megabytes(s.BytesOut),
			BytesIn:       humanize.IBytes(uint64(s.BytesIn)),
			BytesOut:      humanize.IBytes(uint64(s.BytesOut)),
			AvgResponseMs: stats.Display(stats.Millis(stats.Average(s.Averages))),
			P90Ms:         stats.Display(sum.P90),
			P95Ms:         stats.Display(sum.P95),
			P99Ms:         stats.Display(sum.P99),
		})
	}
	for _, vu := range t.VUs {
		sum := stats.Summarize(vu.ExecTimes)
		out.VUs = append(out.VUs, VURow{
			VUID:         vu.VUID,
			ExecCount:    vu.ExecCount,
			ExecFailures: vu.ExecFailures,
			StepCount:    vu.StepCount(),
			AvgExecMs:    stats.Display(sum.Avg),
			P90ExecMs:    stats.Display(sum.P90),
			P95ExecMs:    stats.Display(sum.P95),
			P99ExecMs:    stats.Display(sum.P99),
		})
	}
	return out
}

func megabytes(b int64) string {
	return stats.Display(float64(b) / (1024 * 1024))
}
