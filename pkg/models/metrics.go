package models

import (
	"math"
	"sort"
	"time"
)

// MetricKind distinguishes how a metric's latest value is maintained.
type MetricKind string

const (
	MetricCounter MetricKind = "counter"
	MetricGauge   MetricKind = "gauge"
	MetricTimer   MetricKind = "timer"
)

// MetricPoint is a single sample stored in a metric's ring buffer.
type MetricPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Trend classifies the direction of a metric over a window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// trendEpsilon is the slope magnitude below which a series is stable.
const trendEpsilon = 1e-9

// MetricSummary aggregates the points of one metric over a window.
type MetricSummary struct {
	Name        string     `json:"name"`
	Kind        MetricKind `json:"kind"`
	Count       int        `json:"count"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	Avg         float64    `json:"avg"`
	Median      float64    `json:"median"`
	Sum         float64    `json:"sum"`
	StdDev      float64    `json:"std_dev"`
	RecentValue float64    `json:"recent_value"`
	Trend       Trend      `json:"trend"`
	Slope       float64    `json:"slope"`
}

// CalculateSummary computes a summary from points ordered oldest first.
// Complexity: O(n log n) due to sorting for the median.
func CalculateSummary(points []MetricPoint) MetricSummary {
	if len(points) == 0 {
		return MetricSummary{Trend: TrendStable}
	}

	values := make([]float64, len(points))
	var sum float64
	for i, p := range points {
		values[i] = p.Value
		sum += p.Value
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := float64(len(values))
	avg := sum / n

	var sq float64
	for _, v := range values {
		sq += (v - avg) * (v - avg)
	}
	stddev := 0.0
	if len(values) > 1 {
		stddev = math.Sqrt(sq / (n - 1))
	}

	slope := LeastSquaresSlope(values)

	return MetricSummary{
		Count:       len(values),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Avg:         avg,
		Median:      Percentile(sorted, 0.5),
		Sum:         sum,
		StdDev:      stddev,
		RecentValue: values[len(values)-1],
		Trend:       ClassifyTrend(slope),
		Slope:       slope,
	}
}

// LeastSquaresSlope fits y = a + b·i over the sample index and returns b.
func LeastSquaresSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// ClassifyTrend maps the sign of slope to a Trend.
func ClassifyTrend(slope float64) Trend {
	switch {
	case slope > trendEpsilon:
		return TrendIncreasing
	case slope < -trendEpsilon:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// Percentile calculates the p-th percentile from sorted values with linear
// interpolation. Assumes values is already sorted.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	index := p * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
