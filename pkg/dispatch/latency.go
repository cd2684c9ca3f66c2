package dispatch

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Latency records handler run times.
type Latency struct {
	mu     sync.Mutex
	hist   *hdrhistogram.Histogram
	total  time.Duration
	errors int64
}

// LatencySnapshot is a point-in-time view of a Latency.
type LatencySnapshot struct {
	Count  int64
	Errors int64
	Mean   time.Duration
	Min    time.Duration
	Max    time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
}

// NewLatency tracks durations from 1ns to one hour with three significant
// digits.
func NewLatency() *Latency {
	return &Latency{hist: hdrhistogram.New(1, int64(time.Hour), 3)}
}

// Record adds one handler run.
func (l *Latency) Record(d time.Duration, err error) {
	if d < 1 {
		d = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.hist.RecordValue(int64(d))
	l.total += d
	if err != nil {
		l.errors++
	}
}

// Snapshot returns the current percentiles.
func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := LatencySnapshot{
		Count:  l.hist.TotalCount(),
		Errors: l.errors,
		Min:    time.Duration(l.hist.Min()),
		Max:    time.Duration(l.hist.Max()),
		P50:    time.Duration(l.hist.ValueAtQuantile(50)),
		P95:    time.Duration(l.hist.ValueAtQuantile(95)),
		P99:    time.Duration(l.hist.ValueAtQuantile(99)),
	}
	if s.Count > 0 {
		s.Mean = l.total / time.Duration(s.Count)
	}
	return s
}

// Reset clears every recorded value.
func (l *Latency) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.Reset()
	l.total = 0
	l.errors = 0
}
