// Package profiler records kernel execution timings.
//
// A KernelProfiler is purely observational: the Program consults it when one
// is installed, and its absence never changes execution semantics.
package profiler

import (
	"sync"
	"time"
)

// QueryResult aggregates the recorded timings of one kernel name.
// Durations are in milliseconds.
type QueryResult struct {
	Counter int
	Min     float64
	Max     float64
	Avg     float64
}

// KernelProfiler is the interface the Program drives around each kernel
// launch it profiles.
type KernelProfiler interface {
	// Start opens a timing record for the named kernel.
	Start(name string)

	// Stop closes the record opened by the last Start.
	Stop()

	// Query returns the aggregate timings recorded under name.
	Query(name string) QueryResult

	// Clear drops all records.
	Clear()
}

// TimedProfiler is the default KernelProfiler, based on host wall-clock time
// around the synchronous kernel launch.
type TimedProfiler struct {
	mu      sync.Mutex
	open    string
	started time.Time
	records map[string][]float64
}

// NewTimed returns an empty host-timer profiler.
func NewTimed() *TimedProfiler {
	return &TimedProfiler{records: make(map[string][]float64)}
}

var _ KernelProfiler = (*TimedProfiler)(nil)

// Start implements KernelProfiler.
func (p *TimedProfiler) Start(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = name
	p.started = time.Now()
}

// Stop implements KernelProfiler. Stop without a matching Start is a no-op.
func (p *TimedProfiler) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open == "" {
		return
	}
	elapsedMs := float64(time.Since(p.started)) / float64(time.Millisecond)
	p.records[p.open] = append(p.records[p.open], elapsedMs)
	p.open = ""
}

// Query implements KernelProfiler.
func (p *TimedProfiler) Query(name string) QueryResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	samples := p.records[name]
	result := QueryResult{Counter: len(samples)}
	if len(samples) == 0 {
		return result
	}
	result.Min = samples[0]
	var total float64
	for _, s := range samples {
		if s < result.Min {
			result.Min = s
		}
		if s > result.Max {
			result.Max = s
		}
		total += s
	}
	result.Avg = total / float64(len(samples))
	return result
}

// Clear implements KernelProfiler.
func (p *TimedProfiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string][]float64)
	p.open = ""
}
