// Package baseline maintains rolling statistical summaries of metrics
// for anomaly-based rule conditions.
package baseline

import (
	"math"
	"sort"
	"sync"
)

// DefaultWindow is the number of samples retained per metric.
const DefaultWindow = 1000

// DefaultMinSamples is the floor below which probes never match: with
// too few samples the statistics are noise.
const DefaultMinSamples = 10

// Stats is a point-in-time summary of a metric's rolling window.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Store keeps one bounded sample window per metric name.
//
// Thread-safety: safe for concurrent Record and probe calls.
type Store struct {
	mu      sync.RWMutex
	window  int
	metrics map[string]*series
}

type series struct {
	samples []float64 // ring buffer
	next    int
	full    bool
}

// NewStore creates a baseline store retaining window samples per metric.
// window <= 0 selects DefaultWindow.
func NewStore(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		window:  window,
		metrics: make(map[string]*series),
	}
}

// Record adds a sample to the metric's rolling window, evicting the
// oldest sample once the window is full.
func (s *Store) Record(metric string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.metrics[metric]
	if !ok {
		se = &series{samples: make([]float64, 0, s.window)}
		s.metrics[metric] = se
	}
	if len(se.samples) < s.window {
		se.samples = append(se.samples, value)
		return
	}
	se.samples[se.next] = value
	se.next = (se.next + 1) % s.window
	se.full = true
}

// Stats returns the current summary for a metric. The second return is
// false when the metric has no samples.
func (s *Store) Stats(metric string) (Stats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	se, ok := s.metrics[metric]
	if !ok || len(se.samples) == 0 {
		return Stats{}, false
	}

	st := Stats{Count: len(se.samples), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, v := range se.samples {
		sum += v
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	st.Mean = sum / float64(st.Count)

	var sq float64
	for _, v := range se.samples {
		d := v - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(st.Count))
	return st, true
}

// Percentile returns the p-th percentile (0..100) of the metric's
// window using nearest-rank interpolation.
func (s *Store) Percentile(metric string, p float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	se, ok := s.metrics[metric]
	if !ok || len(se.samples) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(se.samples))
	copy(sorted, se.samples)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0], true
	}
	if p >= 100 {
		return sorted[len(sorted)-1], true
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo], true
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac, true
}

// Probe configures a single anomaly check against a metric's window.
type Probe struct {
	Metric      string
	Comparison  string  // "above", "below", or "outside"
	Sensitivity float64 // stddev multiplier (zscore) or percentile (percentile)
	Method      string  // "zscore" (default) or "percentile"
	MinSamples  int     // floor on window size; 0 selects DefaultMinSamples
}

// Check reports whether value is anomalous under the probe. Metrics
// with fewer than MinSamples samples never match.
func (s *Store) Check(p Probe, value float64) bool {
	minSamples := p.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}

	st, ok := s.Stats(p.Metric)
	if !ok || st.Count < minSamples {
		return false
	}

	switch p.Method {
	case "", "zscore":
		upper := st.Mean + p.Sensitivity*st.StdDev
		lower := st.Mean - p.Sensitivity*st.StdDev
		switch p.Comparison {
		case "above":
			return value > upper
		case "below":
			return value < lower
		case "outside":
			return value > upper || value < lower
		}
	case "percentile":
		switch p.Comparison {
		case "above":
			threshold, _ := s.Percentile(p.Metric, p.Sensitivity)
			return value > threshold
		case "below":
			threshold, _ := s.Percentile(p.Metric, 100-p.Sensitivity)
			return value < threshold
		case "outside":
			upper, _ := s.Percentile(p.Metric, p.Sensitivity)
			lower, _ := s.Percentile(p.Metric, 100-p.Sensitivity)
			return value > upper || value < lower
		}
	}
	return false
}

// Metrics returns the tracked metric names.
func (s *Store) Metrics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.metrics))
	for name := range s.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
