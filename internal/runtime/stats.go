package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/resources"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Invocation kinds.
const (
	KindHandle  = "handle"
	KindSample  = "sample"
	KindStartup = "startup"
)

// ModuleStats accumulates invocation statistics for one module.
type ModuleStats struct {
	mu sync.Mutex

	Invocations         uint64    `json:"invocations"`
	Failures            uint64    `json:"failures"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastInvokedAt       time.Time `json:"last_invoked_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   resources.Usage   `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resources.Tracker
}

// ModuleInfo describes a loaded module for the status API.
type ModuleInfo struct {
	Name       string       `json:"name"`
	Roles      []string     `json:"roles"`
	Operations []string     `json:"operations,omitempty"`
	Stats      *ModuleStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS      float64 `json:"current_rps"`
	WindowSeconds   float64 `json:"window_seconds"`
	CallsInWindow   uint64  `json:"calls_in_window"`
	TotalInvocation uint64  `json:"total_invocations"`
}

type ErrorBreakdown struct {
	Timeout   uint64 `json:"timeout"`
	Panic     uint64 `json:"panic"`
	Transport uint64 `json:"transport"`
	Busy      uint64 `json:"busy"`
	Other     uint64 `json:"other"`
	LastError string `json:"last_error,omitempty"`
}

// BacklogMetrics tracks the handler's task queue.
type BacklogMetrics struct {
	InFlight       uint64 `json:"in_flight"`
	MaxInFlight    uint64 `json:"max_in_flight"`
	LastQueueDepth int64  `json:"last_queue_depth"`
	Dropped        uint64 `json:"dropped"`
	Rejected       uint64 `json:"rejected_busy"`
}

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "none"
	ErrorCategoryTimeout   ErrorCategory = "timeout"
	ErrorCategoryPanic     ErrorCategory = "panic"
	ErrorCategoryTransport ErrorCategory = "transport"
	ErrorCategoryBusy      ErrorCategory = "busy"
	ErrorCategoryOther     ErrorCategory = "other"
)

type ErrorClassifier func(error) ErrorCategory

func newModuleStats(sampler *resources.Tracker) *ModuleStats {
	return &ModuleStats{
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{LastQueueDepth: -1},
	}
}

func (s *ModuleStats) onStart(queueDepth int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Backlog.InFlight++
	if s.Backlog.InFlight > s.Backlog.MaxInFlight {
		s.Backlog.MaxInFlight = s.Backlog.InFlight
	}
	if queueDepth >= 0 {
		s.Backlog.LastQueueDepth = queueDepth
	}
}

func (s *ModuleStats) onFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Backlog.InFlight > 0 {
		s.Backlog.InFlight--
	}

	s.Invocations++
	if err != nil {
		s.Failures++
	}
	s.TotalProcessingTime += int64(duration)
	s.LastInvokedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	latency := s.latencyWindow.Snapshot()
	latency.LastNs = int64(duration)
	latency.AverageNs = s.TotalProcessingTime / int64(s.Invocations)
	s.Latency = latency

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.CallsInWindow = uint64(tp.Count)
	s.Throughput.TotalInvocation = s.Invocations

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.Errors.Record(classifier(err), err)

	if s.resourceSampler != nil {
		s.Resource = s.resourceSampler.Snapshot()
	}
}

func (s *ModuleStats) onDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backlog.Dropped++
}

func (s *ModuleStats) onRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Backlog.Rejected++
	s.Errors.Record(ErrorCategoryBusy, derrors.ErrOperationBusy)
}

// Snapshot returns a copy safe to read without locking.
func (s *ModuleStats) Snapshot() *ModuleStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ModuleStats{
		Invocations:         s.Invocations,
		Failures:            s.Failures,
		TotalProcessingTime: s.TotalProcessingTime,
		LastInvokedAt:       s.LastInvokedAt,
		Latency:             s.Latency,
		Throughput:          s.Throughput,
		Errors:              s.Errors,
		Resource:            s.Resource,
		Backlog:             s.Backlog,
	}
}

func (s *ModuleStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias ModuleStats
	return json.Marshal((*Alias)(s))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryTimeout:
		e.Timeout++
	case ErrorCategoryPanic:
		e.Panic++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryBusy:
		e.Busy++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	metrics.LastNs = lw.last
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var recovered middleware.RecoveredPanicError
	switch {
	case errors.As(err, &recovered):
		return ErrorCategoryPanic
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, derrors.ErrNotConnected), errors.Is(err, derrors.ErrConnectionLost):
		return ErrorCategoryTransport
	case errors.Is(err, derrors.ErrOperationBusy):
		return ErrorCategoryBusy
	}
	return ErrorCategoryOther
}
