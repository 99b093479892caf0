package charts

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"fortio.org/sets"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/klt/dashboard/internal/aggregator"
	"github.com/pkg/errors"
)

// View selects which series of a chart history is drawn.
type View string

const (
	ViewOverall View = "overall"
	ViewPerStep View = "per_step"
	ViewPerVU   View = "per_vu"
)

func ParseView(s string) (View, error) {
	switch View(s) {
	case "", ViewOverall:
		return ViewOverall, nil
	case ViewPerStep, ViewPerVU:
		return View(s), nil
	}
	return "", errors.Errorf("unknown chart view %q", s)
}

type Generator struct {
	// Location is used to label the time axis.
	Location *time.Location
}

func NewGenerator() *Generator {
	return &Generator{Location: time.Local}
}

// Chart renders the given view of h as an HTML fragment.
func (g *Generator) Chart(h *aggregator.ChartHistory, view View) string {
	switch view {
	case ViewPerStep:
		return g.PerStepChart(h)
	case ViewPerVU:
		return g.PerVUChart(h)
	default:
		return g.OverallChart(h)
	}
}

func (g *Generator) newLine(title string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
		charts.WithInitializationOpts(opts.Initialization{
			Height: "300px",
			Width:  "100%",
		}),
	)
	return line
}

func (g *Generator) label(ts int64) string {
	return time.UnixMilli(ts).In(g.Location).Format("15:04:05")
}

func (g *Generator) OverallChart(h *aggregator.ChartHistory) string {
	line := g.newLine("Average response time")
	line.SetGlobalOptions(charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}))

	var points []aggregator.OverallPoint
	if h != nil {
		points = h.Overall
	}
	xAxis := make([]string, len(points))
	yAxis := make([]opts.LineData, len(points))
	for i, p := range points {
		xAxis[i] = g.label(p.Timestamp)
		yAxis[i] = opts.LineData{Value: p.AvgLatency}
	}

	line.SetXAxis(xAxis).
		AddSeries("Avg latency", yAxis).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	return g.renderToString(line)
}

func (g *Generator) PerStepChart(h *aggregator.ChartHistory) string {
	series := map[string][]aggregator.Point{}
	if h != nil {
		series = h.PerStep
	}
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	return g.multiSeries("Response time per step", names, series)
}

func (g *Generator) PerVUChart(h *aggregator.ChartHistory) string {
	series := map[string][]aggregator.Point{}
	var ids []int64
	if h != nil {
		for id, points := range h.PerVU {
			ids = append(ids, id)
			series["VU "+strconv.FormatInt(id, 10)] = points
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = "VU " + strconv.FormatInt(id, 10)
	}
	return g.multiSeries("Response time per VU", names, series)
}

// multiSeries aligns every series on the union of their timestamps. A series
// without a point at some timestamp leaves a gap there.
func (g *Generator) multiSeries(title string, names []string, series map[string][]aggregator.Point) string {
	line := g.newLine(title)
	line.SetGlobalOptions(charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}))

	axis := Timestamps(series)
	xAxis := make([]string, len(axis))
	index := make(map[int64]int, len(axis))
	for i, ts := range axis {
		xAxis[i] = g.label(ts)
		index[ts] = i
	}
	line.SetXAxis(xAxis)

	for _, name := range names {
		data := make([]opts.LineData, len(axis))
		for i := range data {
			data[i] = opts.LineData{Value: "-"}
		}
		for _, p := range series[name] {
			data[index[p.Timestamp]] = opts.LineData{Value: p.Value}
		}
		line.AddSeries(name, data)
	}
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))

	return g.renderToString(line)
}

// Timestamps returns the sorted union of the timestamps of all series.
func Timestamps(series map[string][]aggregator.Point) []int64 {
	union := sets.New[int64]()
	for _, points := range series {
		for _, p := range points {
			union.Add(p.Timestamp)
		}
	}
	return sets.Sort(union)
}

// Sparkline draws the overall latency series as a small inline SVG.
func (g *Generator) Sparkline(h *aggregator.ChartHistory) string {
	if h.Empty() {
		return ""
	}
	values := make([]float64, len(h.Overall))
	for i, p := range h.Overall {
		values[i] = p.AvgLatency
	}
	return sparkline(values)
}

func sparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}
	width := 100
	height := 30

	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min == max {
		max = min + 1
	}

	step := float64(width)
	if len(values) > 1 {
		step = float64(width) / float64(len(values)-1)
	}
	points := make([]string, len(values))
	for i, v := range values {
		x := float64(i) * step
		y := float64(height) - ((v - min) / (max - min) * float64(height))
		points[i] = fmt.Sprintf("%.1f,%.1f", x, y)
	}

	return fmt.Sprintf(`<svg width="%d" height="%d" class="sparkline"><polyline points="%s" fill="none" stroke="currentColor" stroke-width="2"/></svg>`,
		width, height, strings.Join(points, " "))
}

type Renderer interface {
	Render(w io.Writer) error
}

func (g *Generator) renderToString(c Renderer) string {
	var buf bytes.Buffer
	c.Render(&buf)
	return buf.String()
}
