// Package ratelimit enforces per-provider request-rate, burst, and
// concurrency caps, and adapts the effective rate to observed provider
// distress.
//
// Each provider gets a token bucket (golang.org/x/time/rate) whose
// refill rate is divided by an adaptive backoff multiplier, an
// independent concurrency semaphore, and a 60-second sliding window of
// outcomes. The limiter never fails permanently; a crash loses only the
// in-memory window, which reconverges within about a minute.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// outcomeBucket is one time slice of the sliding window.
type outcomeBucket struct {
	timestamp time.Time
	ok        uint64
	failure   uint64
}

// Window is a bucketed sliding window of request outcomes with a small
// reservoir of latency samples for p50 estimation.
type Window struct {
	mu           sync.Mutex
	buckets      []outcomeBucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time

	latencies   []time.Duration
	latencyNext int
}

const latencyReservoirSize = 64

// NewWindow creates a sliding window covering windowSize split into
// bucketCount buckets.
func NewWindow(windowSize time.Duration, bucketCount int) *Window {
	if bucketCount <= 0 {
		bucketCount = 12
	}
	now := time.Now()
	buckets := make([]outcomeBucket, bucketCount)
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &Window{
		buckets:      buckets,
		windowSize:   windowSize,
		bucketSize:   windowSize / time.Duration(bucketCount),
		lastRotation: now,
		latencies:    make([]time.Duration, 0, latencyReservoirSize),
	}
}

func (w *Window) rotate(now time.Time) {
	elapsed := now.Sub(w.lastRotation)
	if elapsed < 0 {
		// Clock went backward. Drop the window rather than trust it.
		for i := range w.buckets {
			w.buckets[i] = outcomeBucket{timestamp: now}
		}
		w.currentIdx = 0
		w.lastRotation = now
		return
	}
	if elapsed < w.bucketSize {
		return
	}
	n := int(elapsed / w.bucketSize)
	if n > len(w.buckets) {
		n = len(w.buckets)
	}
	for i := 0; i < n; i++ {
		w.currentIdx = (w.currentIdx + 1) % len(w.buckets)
		w.buckets[w.currentIdx] = outcomeBucket{timestamp: now}
	}
	w.lastRotation = now
}

// RecordOK records a successful outcome.
func (w *Window) RecordOK() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate(time.Now())
	w.buckets[w.currentIdx].ok++
}

// RecordFailure records a failed outcome.
func (w *Window) RecordFailure() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate(time.Now())
	w.buckets[w.currentIdx].failure++
}

// RecordLatency adds a latency sample to the reservoir.
func (w *Window) RecordLatency(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.latencies) < latencyReservoirSize {
		w.latencies = append(w.latencies, d)
		return
	}
	w.latencies[w.latencyNext] = d
	w.latencyNext = (w.latencyNext + 1) % latencyReservoirSize
}

// Counts returns the ok/failure totals inside the window.
func (w *Window) Counts() (ok, failure uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate(time.Now())
	cutoff := time.Now().Add(-w.windowSize)
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.timestamp.After(cutoff) {
			ok += b.ok
			failure += b.failure
		}
	}
	return ok, failure
}

// ErrorRate returns failures / total within the window (0 when empty).
func (w *Window) ErrorRate() float64 {
	ok, failure := w.Counts()
	total := ok + failure
	if total == 0 {
		return 0
	}
	return float64(failure) / float64(total)
}

// P50Latency returns the median of the latency reservoir, or 0 when no
// samples have been recorded.
func (w *Window) P50Latency() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(w.latencies))
	copy(sorted, w.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
