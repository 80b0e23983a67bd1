package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported on deviceflow_dispatch_dropped_total.
const (
	DropReasonQueueFull    = "queue_full"
	DropReasonBusy         = "busy"
	DropReasonNoID         = "no_id"
	DropReasonStopped      = "stopped"
	DropReasonPublishError = "publish_error"
)

// DispatchMetrics holds the Prometheus collectors of the dispatch core.
type DispatchMetrics struct {
	mu sync.Mutex

	invocationsTotal *prometheus.CounterVec
	durationSeconds  *prometheus.HistogramVec
	droppedTotal     *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	inboundTotal     *prometheus.CounterVec
	publishedTotal   *prometheus.CounterVec
	reconnectsTotal  prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newDispatchCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deviceflow",
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewDispatchMetrics creates the collectors. A nil registerer selects the
// Prometheus default registry.
func NewDispatchMetrics(registerer prometheus.Registerer) *DispatchMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &DispatchMetrics{
		registerer:       registerer,
		invocationsTotal: newDispatchCounterVec("invocations_total", "Module invocations by outcome", []string{"module", "kind", "outcome"}),
		droppedTotal:     newDispatchCounterVec("dropped_total", "Inbound frames or tasks that were dropped", []string{"module", "reason"}),
		inboundTotal:     newDispatchCounterVec("inbound_total", "Inbound frames by topic", []string{"topic"}),
		publishedTotal:   newDispatchCounterVec("published_total", "Frames published by the dispatch core", []string{"kind", "outcome"}),
		durationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deviceflow",
			Subsystem: "dispatch",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of module invocations",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		}, []string{"module", "kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "deviceflow",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Tasks waiting in a handler queue",
		}, []string{"module"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deviceflow",
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Sessions re-established after a connection loss",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *DispatchMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.invocationsTotal,
		m.durationSeconds,
		m.droppedTotal,
		m.queueDepth,
		m.inboundTotal,
		m.publishedTotal,
		m.reconnectsTotal,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *DispatchMetrics) recordInvocation(module, kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.invocationsTotal.WithLabelValues(module, kind, outcome).Inc()
	m.durationSeconds.WithLabelValues(module, kind).Observe(d.Seconds())
}

func (m *DispatchMetrics) recordDropped(module, reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(module, reason).Inc()
}

func (m *DispatchMetrics) setQueueDepth(module string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(module).Set(float64(depth))
}

func (m *DispatchMetrics) recordInbound(topic string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(topic).Inc()
}

func (m *DispatchMetrics) recordPublished(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.publishedTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *DispatchMetrics) recordReconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}
