// Package resources samples coarse process usage for the status API and the
// device statistics module.
package resources

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	cpuMetric  = "/sched/cpu:seconds"
	heapMetric = "/memory/classes/heap/objects:bytes"
	goMetric   = "/sched/goroutines:goroutines"
)

// Usage is one resource sample.
type Usage struct {
	CPUPercent  float64       `json:"cpuPercent"`
	MemoryBytes uint64        `json:"memoryBytes"`
	Goroutines  int           `json:"goroutines"`
	Uptime      time.Duration `json:"uptime"`
}

// Tracker computes CPU usage as the delta between consecutive snapshots.
// A nil Tracker returns zero usage.
type Tracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	started        time.Time
	numCPU         float64
	now            func() time.Time
}

// NewTracker starts a tracker; uptime is measured from this call.
func NewTracker() *Tracker {
	t := &Tracker{
		numCPU: float64(runtime.NumCPU()),
		now:    time.Now,
	}
	t.started = t.now()
	return t
}

// Snapshot reads the current usage. The first snapshot reports 0% CPU.
func (t *Tracker) Snapshot() Usage {
	if t == nil {
		return Usage{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) == 0 {
		t.samples = []metrics.Sample{{Name: cpuMetric}, {Name: heapMetric}, {Name: goMetric}}
	}
	if t.now == nil {
		t.now = time.Now
	}
	metrics.Read(t.samples)

	usage := Usage{
		MemoryBytes: uint64Value(t.samples[1]),
		Goroutines:  int(uint64Value(t.samples[2])),
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	now := t.now()
	if !t.started.IsZero() {
		usage.Uptime = now.Sub(t.started)
	}

	cpu := t.samples[0]
	if cpu.Value.Kind() == metrics.KindFloat64 {
		cpuSeconds := cpu.Value.Float64()
		if !t.lastSample.IsZero() {
			deltaWall := now.Sub(t.lastSample).Seconds()
			if deltaWall > 0 && t.numCPU > 0 {
				usage.CPUPercent = ((cpuSeconds - t.lastCPUSeconds) / deltaWall) / t.numCPU * 100
			}
		}
		t.lastCPUSeconds = cpuSeconds
	}
	t.lastSample = now

	return usage
}

func uint64Value(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}
