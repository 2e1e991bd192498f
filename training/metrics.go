package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-tae/dist"
)

// DefaultWindowSize is the number of recent observations a SmoothedValue
// keeps for window statistics (median, average, max).
const DefaultWindowSize = 20

// SmoothedValue tracks a series of weighted observations. It keeps a bounded
// window of recent values for smoothed statistics and a running weighted sum
// over the whole interval for the global average.
type SmoothedValue struct {
	window []float64
	maxLen int
	total  float64 // sum of value*weight since the last reset
	count  float64 // sum of weights since the last reset
	last   float64
}

// NewSmoothedValue creates a SmoothedValue with the given window size.
// A non-positive size falls back to DefaultWindowSize.
func NewSmoothedValue(windowSize int) *SmoothedValue {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &SmoothedValue{
		window: make([]float64, 0, windowSize),
		maxLen: windowSize,
	}
}

// Update records one observation with the given weight.
func (s *SmoothedValue) Update(value, weight float64) {
	if len(s.window) == s.maxLen {
		copy(s.window, s.window[1:])
		s.window = s.window[:s.maxLen-1]
	}
	s.window = append(s.window, value)
	s.total += value * weight
	s.count += weight
	s.last = value
}

// Median returns the median of the values currently in the window.
func (s *SmoothedValue) Median() float64 {
	if len(s.window) == 0 {
		return 0
	}
	sorted := append([]float64(nil), s.window...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil)
}

// Avg returns the unweighted mean of the values currently in the window.
func (s *SmoothedValue) Avg() float64 {
	if len(s.window) == 0 {
		return 0
	}
	return stat.Mean(s.window, nil)
}

// GlobalAvg returns the weight-normalized mean over the whole interval since
// the last reset. It returns zero when nothing has been recorded.
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.total / s.count
}

// Max returns the largest value currently in the window.
func (s *SmoothedValue) Max() float64 {
	if len(s.window) == 0 {
		return 0
	}
	return floats.Max(s.window)
}

// Value returns the most recently recorded value.
func (s *SmoothedValue) Value() float64 {
	return s.last
}

// Reset clears the window and the running totals.
func (s *SmoothedValue) Reset() {
	s.window = s.window[:0]
	s.total = 0
	s.count = 0
	s.last = 0
}

// String formats the meter as "median (global_avg)".
func (s *SmoothedValue) String() string {
	return fmt.Sprintf("%.4f (%.4f)", s.Median(), s.GlobalAvg())
}

// MetricLogger aggregates named metrics over a training or evaluation
// window. Meters are created on first update and reset together.
type MetricLogger struct {
	meters     map[string]*SmoothedValue
	order      []string // meter names in first-update order, for display
	delimiter  string
	windowSize int
}

// NewMetricLogger creates an empty logger with the default window size.
func NewMetricLogger() *MetricLogger {
	return &MetricLogger{
		meters:     make(map[string]*SmoothedValue),
		delimiter:  "  ",
		windowSize: DefaultWindowSize,
	}
}

// Update records one weighted observation for the named metric, creating the
// meter if this is its first observation.
func (ml *MetricLogger) Update(name string, value, weight float64) {
	meter, ok := ml.meters[name]
	if !ok {
		meter = NewSmoothedValue(ml.windowSize)
		ml.meters[name] = meter
		ml.order = append(ml.order, name)
	}
	meter.Update(value, weight)
}

// Meter returns the named meter, or nil if it has never been updated.
func (ml *MetricLogger) Meter(name string) *SmoothedValue {
	return ml.meters[name]
}

// Names returns the meter names in first-update order.
func (ml *MetricLogger) Names() []string {
	return append([]string(nil), ml.order...)
}

// GlobalAvg returns the named metric's global average, or zero when the
// metric has no observations.
func (ml *MetricLogger) GlobalAvg(name string) float64 {
	meter, ok := ml.meters[name]
	if !ok {
		return 0
	}
	return meter.GlobalAvg()
}

// Synchronize sums every meter's running totals across the process group so
// that subsequent GlobalAvg reads report the same aggregate on every rank.
// Window statistics stay local. Every rank must hold the same set of meters.
func (ml *MetricLogger) Synchronize(comm dist.Communicator) error {
	if comm == nil || comm.WorldSize() <= 1 {
		return nil
	}

	// Pack (total, count) pairs in sorted name order so the collective sees
	// an identical layout on every rank.
	names := make([]string, 0, len(ml.meters))
	for name := range ml.meters {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([]float64, 0, 2*len(names))
	for _, name := range names {
		meter := ml.meters[name]
		values = append(values, meter.total, meter.count)
	}

	if err := comm.AllReduceFloat64s(values); err != nil {
		return errors.Wrap(err, "metric synchronize")
	}

	for i, name := range names {
		meter := ml.meters[name]
		meter.total = values[2*i]
		meter.count = values[2*i+1]
	}
	return nil
}

// Reset clears every meter while keeping them registered.
func (ml *MetricLogger) Reset() {
	for _, meter := range ml.meters {
		meter.Reset()
	}
}

// String formats all meters as "name: median (global_avg)" in first-update
// order.
func (ml *MetricLogger) String() string {
	parts := make([]string, 0, len(ml.order))
	for _, name := range ml.order {
		parts = append(parts, fmt.Sprintf("%s: %s", name, ml.meters[name]))
	}
	return strings.Join(parts, ml.delimiter)
}
