package aggregator

// Point is one sample of a per-step or per-VU series. Timestamp is unix milliseconds.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// OverallPoint is one sample of the all-steps average latency series.
type OverallPoint struct {
	Timestamp  int64   `json:"timestamp"`
	AvgLatency float64 `json:"avg_latency"`
}

// ChartHistory accumulates latency series for one dashboard. Values are milliseconds.
type ChartHistory struct {
	Overall []OverallPoint     `json:"overall"`
	PerStep map[string][]Point `json:"per_step"`
	PerVU   map[int64][]Point  `json:"per_vu"`
}

func NewChartHistory() *ChartHistory {
	return &ChartHistory{
		Overall: []OverallPoint{},
		PerStep: map[string][]Point{},
		PerVU:   map[int64][]Point{},
	}
}

// Empty reports whether no batch has been folded in yet.
func (h *ChartHistory) Empty() bool {
	return h == nil || len(h.Overall) == 0
}

// Clone returns a deep copy safe to hand to readers.
func (h *ChartHistory) Clone() *ChartHistory {
	out := NewChartHistory()
	if h == nil {
		return out
	}
	out.Overall = append(out.Overall, h.Overall...)
	for k, v := range h.PerStep {
		out.PerStep[k] = append([]Point(nil), v...)
	}
	for k, v := range h.PerVU {
		out.PerVU[k] = append([]Point(nil), v...)
	}
	return out
}

// normalize fills nil maps left by decoding a partial record.
func (h *ChartHistory) normalize() {
	if h.Overall == nil {
		h.Overall = []OverallPoint{}
	}
	if h.PerStep == nil {
		h.PerStep = map[string][]Point{}
	}
	if h.PerVU == nil {
		h.PerVU = map[int64][]Point{}
	}
}

func (h *ChartHistory) lastTimestamp() int64 {
	if len(h.Overall) == 0 {
		return 0
	}
	return h.Overall[len(h.Overall)-1].Timestamp
}

// keepNewest drops the oldest entries so at most limit remain. limit <= 0 keeps everything.
func keepNewest[T any](s []T, limit int) []T {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return append(s[:0:0], s[len(s)-limit:]...)
}
