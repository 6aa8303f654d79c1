package cost

import (
	"context"
	"sync"
	"time"
)

// Usage is the token consumption a tool invocation reports back.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// OperationMetadata identifies the invocation being tracked.
type OperationMetadata struct {
	// Operation is the logical name attribution groups by (usually the
	// step's tool).
	Operation string
	TenantID  string
	Provider  string
	Model     string
	PlanID    string
	StepID    string
}

// Record is one tracked invocation.
type Record struct {
	Timestamp time.Time
	Operation string
	TenantID  string
	Provider  string
	Model     string
	Usage     Usage
	Cost      float64
	Duration  time.Duration
}

// durationBuckets are the histogram upper bounds, in seconds.
var durationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// Tracker wraps tool invocations with wall-time measurement, token
// extraction, cost lookup, and a duration histogram sample.
type Tracker struct {
	prices PriceBook

	mu        sync.Mutex
	records   []Record
	histogram map[string][]int // operation -> per-bucket counts (last = +Inf)
}

// NewTracker creates a tracker over the given price book.
func NewTracker(prices PriceBook) *Tracker {
	return &Tracker{
		prices:    prices,
		histogram: make(map[string][]int),
	}
}

// TrackOperation runs fn, measuring wall time and recording the usage it
// reports. The record is appended even when fn fails, so failed invocations
// still show up in spend attribution.
func (t *Tracker) TrackOperation(ctx context.Context, md OperationMetadata, fn func(ctx context.Context) (Usage, error)) (Usage, error) {
	start := time.Now()
	usage, err := fn(ctx)
	duration := time.Since(start)

	record := Record{
		Timestamp: start,
		Operation: md.Operation,
		TenantID:  md.TenantID,
		Provider:  md.Provider,
		Model:     md.Model,
		Usage:     usage,
		Cost:      t.prices.Cost(md.Provider, md.Model, usage),
		Duration:  duration,
	}

	t.mu.Lock()
	t.records = append(t.records, record)
	t.observe(md.Operation, duration)
	t.mu.Unlock()

	return usage, err
}

// observe adds a duration sample to the operation's histogram. Caller holds
// t.mu.
func (t *Tracker) observe(operation string, d time.Duration) {
	counts, ok := t.histogram[operation]
	if !ok {
		counts = make([]int, len(durationBuckets)+1)
		t.histogram[operation] = counts
	}
	secs := d.Seconds()
	for i, bound := range durationBuckets {
		if secs <= bound {
			counts[i]++
			return
		}
	}
	counts[len(durationBuckets)]++
}

// Records returns every tracked record in [start, end).
func (t *Tracker) Records(start, end time.Time) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, r := range t.records {
		if !r.Timestamp.Before(start) && r.Timestamp.Before(end) {
			out = append(out, r)
		}
	}
	return out
}

// HistogramCounts returns the per-bucket duration counts for an operation,
// for the operations surface.
func (t *Tracker) HistogramCounts(operation string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts, ok := t.histogram[operation]
	if !ok {
		return nil
	}
	return append([]int(nil), counts...)
}

// append adds a pre-built record directly, for tests that need historical
// timestamps.
func (t *Tracker) append(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
}
