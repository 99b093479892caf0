package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAverage(t *testing.T) {
	assert.Equal(t, 30.0, Average([]float64{10, 20, 30, 40, 50}))
	assert.Equal(t, 5.0, Average([]float64{5}))
	assert.Equal(t, NoData, Average(nil))
	assert.Equal(t, NoData, Average([]float64{}))
}

func TestPercentile(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}
	assert.Equal(t, 40.0, Percentile(samples, P90))
	assert.Equal(t, 40.0, Percentile(samples, P95))
	assert.Equal(t, 40.0, Percentile(samples, P99))
	assert.Equal(t, 40.0, Percentile([]float64{10, 20, 30, 40, 100}, P90))
	assert.Equal(t, NoData, Percentile(nil, P90))

	unsorted := []float64{50, 10, 40, 30, 20}
	assert.Equal(t, 40.0, Percentile(unsorted, P90))
	assert.Equal(t, []float64{50, 10, 40, 30, 20}, unsorted, "input must not be reordered")

	hundred := make([]float64, 100)
	for i := range hundred {
		hundred[i] = float64(100 - i)
	}
	assert.Equal(t, 90.0, Percentile(hundred, P90))
	assert.Equal(t, 99.0, Percentile(hundred, P99))
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{1_000_000, 2_000_000, 3_000_000})
	assert.Equal(t, 2.0, s.Avg)
	assert.Equal(t, 2.0, s.P90)

	empty := Summarize(nil)
	assert.Equal(t, Summary{NoData, NoData, NoData, NoData}, empty)
}

func TestPresentation(t *testing.T) {
	assert.Equal(t, 1.23, Round2(1.2345))
	assert.Equal(t, NoData, Round2(NoData))
	assert.Equal(t, "1.50", Display(1.5))
	assert.Equal(t, "-", Display(NoData))
	assert.Equal(t, 1.5, Millis(1_500_000))
	assert.Equal(t, NoData, Millis(NoData))
}
