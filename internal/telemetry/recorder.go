package telemetry

import (
	"sync"
	"time"
)

const (
	// metricCapacity bounds the query metric ring; oldest entries drop first.
	metricCapacity = 1000
	// errorCapacity bounds the connection error history used by health scoring.
	errorCapacity = 100
	// emaAlpha weights new samples in the running average query time.
	emaAlpha = 0.1
)

// QueryMetric is an immutable record of one executed statement.
type QueryMetric struct {
	Query           string
	ExecutionTimeMs float64
	RowsAffected    int64
	Timestamp       time.Time
	ConnectionID    string
	Success         bool
	Error           string
}

// Stats is a point-in-time aggregation over the recorder.
type Stats struct {
	TotalQueries    int64
	FailedQueries   int64
	SlowQueries     int64
	AverageTimeMs   float64
	RecentErrors    int
	LastQueryAt     time.Time
	SlowestRecent   float64
	RecordedMetrics int
}

// Recorder keeps a bounded window of query metrics and connection errors.
// All operations are O(1) amortized so it can sit on the hot query path.
type Recorder struct {
	mu            sync.Mutex
	metrics       []QueryMetric
	head          int
	filled        bool
	slow          []QueryMetric
	slowHead      int
	slowFilled    bool
	errors        []time.Time
	errorHead     int
	errorsFilled  bool
	slowThreshold time.Duration

	totalQueries  int64
	failedQueries int64
	slowQueries   int64
	avgTimeMs     float64
	lastQueryAt   time.Time
}

func NewRecorder(slowThreshold time.Duration) *Recorder {
	return &Recorder{
		metrics:       make([]QueryMetric, metricCapacity),
		slow:          make([]QueryMetric, errorCapacity),
		errors:        make([]time.Time, errorCapacity),
		slowThreshold: slowThreshold,
	}
}

// Record appends a metric, updating the moving average and the slow ring.
func (r *Recorder) Record(metric QueryMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[r.head] = metric
	r.head = (r.head + 1) % len(r.metrics)
	if r.head == 0 {
		r.filled = true
	}
	r.totalQueries++
	r.lastQueryAt = metric.Timestamp
	if !metric.Success {
		r.failedQueries++
	}
	if r.totalQueries == 1 {
		r.avgTimeMs = metric.ExecutionTimeMs
	} else {
		r.avgTimeMs = (1-emaAlpha)*r.avgTimeMs + emaAlpha*metric.ExecutionTimeMs
	}
	if r.slowThreshold > 0 && metric.ExecutionTimeMs >= float64(r.slowThreshold.Milliseconds()) {
		r.slowQueries++
		r.slow[r.slowHead] = metric
		r.slowHead = (r.slowHead + 1) % len(r.slow)
		if r.slowHead == 0 {
			r.slowFilled = true
		}
	}
}

// RecordError notes a connection-level failure for health scoring.
func (r *Recorder) RecordError(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[r.errorHead] = at
	r.errorHead = (r.errorHead + 1) % len(r.errors)
	if r.errorHead == 0 {
		r.errorsFilled = true
	}
}

// Recent returns up to n most recent metrics, newest last.
func (r *Recorder) Recent(n int) []QueryMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ringSlice(r.metrics, r.head, r.filled, n)
}

// SlowQueries returns up to n most recent slow queries, newest last.
func (r *Recorder) SlowQueries(n int) []QueryMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ringSlice(r.slow, r.slowHead, r.slowFilled, n)
}

// SlowRatio reports the fraction of the last n metrics that were slow.
func (r *Recorder) SlowRatio(n int) float64 {
	recent := r.Recent(n)
	if len(recent) == 0 {
		return 0
	}
	thresholdMs := float64(r.slowThreshold.Milliseconds())
	slow := 0
	for _, m := range recent {
		if r.slowThreshold > 0 && m.ExecutionTimeMs >= thresholdMs {
			slow++
		}
	}
	return float64(slow) / float64(len(recent))
}

// ErrorsIn counts connection errors recorded within the trailing window,
// looking at most across the bounded error history.
func (r *Recorder) ErrorsIn(window time.Duration, lastN int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamps := ringSlice(r.errors, r.errorHead, r.errorsFilled, lastN)
	cutoff := time.Now().Add(-window)
	count := 0
	for _, at := range stamps {
		if at.After(cutoff) {
			count++
		}
	}
	return count
}

// RecentFailures counts failed metrics among the last n entries.
func (r *Recorder) RecentFailures(n int) int {
	recent := r.Recent(n)
	failures := 0
	for _, m := range recent {
		if !m.Success {
			failures++
		}
	}
	return failures
}

func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	recorded := r.head
	if r.filled {
		recorded = len(r.metrics)
	}
	slowest := 0.0
	for _, m := range ringSlice(r.metrics, r.head, r.filled, 100) {
		if m.ExecutionTimeMs > slowest {
			slowest = m.ExecutionTimeMs
		}
	}
	errCount := r.errorHead
	if r.errorsFilled {
		errCount = len(r.errors)
	}
	return Stats{
		TotalQueries:    r.totalQueries,
		FailedQueries:   r.failedQueries,
		SlowQueries:     r.slowQueries,
		AverageTimeMs:   r.avgTimeMs,
		RecentErrors:    errCount,
		LastQueryAt:     r.lastQueryAt,
		SlowestRecent:   slowest,
		RecordedMetrics: recorded,
	}
}

func ringSlice[T any](ring []T, head int, filled bool, n int) []T {
	size := head
	if filled {
		size = len(ring)
	}
	if n > size {
		n = size
	}
	out := make([]T, 0, n)
	start := head - n
	if start < 0 {
		start += len(ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, ring[(start+i)%len(ring)])
	}
	return out
}
