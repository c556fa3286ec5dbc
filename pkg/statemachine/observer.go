package statemachine

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fluxorio/fluxor/pkg/core"
)

// Observer receives Snapshots and LifecycleEvents. Implementations must
// not block — the bus delivers to each observer's own bounded channel
// and drops on overflow rather than stalling the Kernel (spec.md §4.7
// "the Observer Bus never blocks the kernel").
type Observer interface {
	OnSnapshot(Snapshot)
	OnLifecycle(machineID string, event LifecycleEvent)
}

// subscriber pairs one Observer with its own delivery goroutine and
// bounded channel, grounded on the teacher's ChainObserver fan-out
// pattern generalized from a fixed chain to a dynamic subscriber set —
// each subscriber drains independently so one slow observer never
// throttles another.
type subscriber struct {
	observer Observer
	ch       chan func()
	done     chan struct{}
	sample   bool
}

// ObserverBus fans Snapshots and lifecycle events out to subscribers,
// optionally sampling to reduce volume, and records Prometheus metrics
// on every transition regardless of sampling or subscriber count (C7).
type ObserverBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	cfg         RuntimeConfig
	counter     uint64
	metrics     *Metrics
	clusterBus  core.EventBus
	clusterAddr string
}

// NewObserverBus creates a bus configured per cfg. Each bus owns its own
// Prometheus registry rather than registering into the global default, so
// that more than one Registry/ObserverBus can coexist in a process (or
// test binary) without a duplicate-collector panic.
func NewObserverBus(cfg RuntimeConfig) *ObserverBus {
	return &ObserverBus{
		subscribers: make(map[*subscriber]struct{}),
		cfg:         cfg,
		metrics:     newMetrics(prometheus.NewRegistry()),
	}
}

// Registry returns the bus's private Prometheus registry, for callers
// that want to expose it on a /metrics endpoint.
func (b *ObserverBus) Registry() *prometheus.Registry {
	return b.metrics.registry
}

// Attach wires the bus as a Registry's snapshot and lifecycle sink.
func (b *ObserverBus) Attach(r *Registry) {
	r.SetSnapshotSink(b.publishSnapshot)
	r.SetLifecycleSink(b.PublishLifecycle)
}

// WithClusterFanout publishes every (sampled) snapshot onto a NATS-backed
// cluster EventBus under addr, for deployments running multiple registry
// processes that want a shared observability stream (grounded on
// pkg/core.NewClusterEventBusNATS; wiring the NATS connection itself is
// the caller's job, same as examples/todo-api wires its own db.Pool).
func (b *ObserverBus) WithClusterFanout(bus core.EventBus, addr string) *ObserverBus {
	b.clusterBus = bus
	b.clusterAddr = addr
	return b
}

// Subscribe registers observer and returns an unsubscribe function.
// sampled controls whether this observer is subject to
// cfg.ObserverSampleOneInN (bypassed entirely when cfg.DebugMode is set,
// spec.md §9).
func (b *ObserverBus) Subscribe(observer Observer, sampled bool) func() {
	s := &subscriber{
		observer: observer,
		ch:       make(chan func(), b.cfg.ObserverBufferSize),
		done:     make(chan struct{}),
		sample:   sampled,
	}
	go func() {
		for fn := range s.ch {
			fn()
		}
		close(s.done)
	}()

	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, s)
		b.mu.Unlock()
		close(s.ch)
	}
}

// PublishLifecycle notifies every subscriber of a lifecycle event, never
// subject to sampling — lifecycle events are rare and always relevant.
func (b *ObserverBus) PublishLifecycle(machineID string, event LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		obs := s.observer
		deliverNonBlocking(s.ch, func() { obs.OnLifecycle(machineID, event) })
	}
}

func (b *ObserverBus) publishSnapshot(snap Snapshot) {
	b.metrics.observe(snap)

	n := atomic.AddUint64(&b.counter, 1)
	sampledOut := !b.cfg.DebugMode && b.cfg.ObserverSampleOneInN > 1 && n%uint64(b.cfg.ObserverSampleOneInN) != 0

	b.mu.RLock()
	for s := range b.subscribers {
		if s.sample && sampledOut {
			continue
		}
		obs := s.observer
		deliverNonBlocking(s.ch, func() { obs.OnSnapshot(snap) })
	}
	b.mu.RUnlock()

	if b.clusterBus != nil && (!sampledOut || b.cfg.DebugMode) {
		if data, err := json.Marshal(snap); err == nil {
			_ = b.clusterBus.Publish(b.clusterAddr, data)
		}
	}
}

// deliverNonBlocking posts fn to ch, dropping it if the subscriber's
// buffer is full rather than blocking the publisher (spec.md §4.7).
func deliverNonBlocking(ch chan func(), fn func()) {
	select {
	case ch <- fn:
	default:
	}
}

// Metrics are Prometheus counters/histograms for transition throughput
// and duration, registered via promauto against the bus's own registry.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
}

func newMetrics(registry *prometheus.Registry) *Metrics {
	reg := promauto.With(registry)
	return &Metrics{
		registry: registry,
		transitions: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "statemachine_transitions_total",
			Help: "Total number of state machine transitions processed",
		}, []string{"event", "state_after"}),
		duration: reg.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statemachine_transition_duration_seconds",
			Help:    "Transition processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
		errors: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "statemachine_transition_errors_total",
			Help: "Total number of transitions that ended in an error",
		}, []string{"event"}),
	}
}

func (m *Metrics) observe(snap Snapshot) {
	m.transitions.WithLabelValues(snap.EventType, snap.StateAfter).Inc()
	m.duration.WithLabelValues(snap.EventType).Observe(time.Duration(snap.TransitionDurationNanos).Seconds())
	if snap.Error != "" {
		m.errors.WithLabelValues(snap.EventType).Inc()
	}
}

// MetricsObserver adapts Metrics to the Observer interface for callers
// that want to subscribe it explicitly alongside other observers rather
// than relying on ObserverBus's always-on internal recording.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps a fresh Prometheus-backed metrics recorder
// registered into its own private registry.
func NewMetricsObserver() *MetricsObserver {
	return &MetricsObserver{metrics: newMetrics(prometheus.NewRegistry())}
}

func (o *MetricsObserver) OnSnapshot(snap Snapshot) { o.metrics.observe(snap) }

func (o *MetricsObserver) OnLifecycle(machineID string, event LifecycleEvent) {}

// LoggingObserver writes every snapshot and lifecycle event through a
// core.Logger, grounded on the teacher's LoggingObserver.
type LoggingObserver struct {
	logger core.Logger
}

// NewLoggingObserver wraps logger.
func NewLoggingObserver(logger core.Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

func (o *LoggingObserver) OnSnapshot(snap Snapshot) {
	fields := map[string]interface{}{
		"machineId":   snap.MachineID,
		"event":       snap.EventType,
		"stateBefore": snap.StateBefore,
		"stateAfter":  snap.StateAfter,
		"version":     snap.Version,
	}
	if snap.Error != "" {
		o.logger.WithFields(fields).Errorf("transition error: %s", snap.Error)
		return
	}
	if snap.Ignored {
		o.logger.WithFields(fields).Debug("event ignored")
		return
	}
	o.logger.WithFields(fields).Info("transition")
}

func (o *LoggingObserver) OnLifecycle(machineID string, event LifecycleEvent) {
	o.logger.WithFields(map[string]interface{}{"machineId": machineID}).Infof("lifecycle: %s", event)
}
