package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Spindle runtime.
type Metrics struct {
	config MetricsConfig

	// Event metrics
	eventsStarted   *prometheus.CounterVec
	eventsCompleted *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec

	// Factor metrics
	factorPrepareDuration *prometheus.HistogramVec
	allowListDenials      *prometheus.CounterVec

	// Guest metrics
	guestMemoryBytes *prometheus.GaugeVec
	guestTraps       *prometheus.CounterVec

	// Store metrics
	storeOperations *prometheus.CounterVec

	// System metrics
	activeInstances prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When disabled, all Record methods are no-ops.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		eventsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_started_total",
				Help:      "Total number of trigger events started",
			},
			[]string{"trigger_type"},
		),
		eventsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_completed_total",
				Help:      "Total number of trigger events completed",
			},
			[]string{"trigger_type", "status"},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_duration_seconds",
				Help:      "Duration of trigger event handling",
				Buckets:   buckets,
			},
			[]string{"trigger_type", "component_id"},
		),
		factorPrepareDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "factor_prepare_duration_seconds",
				Help:      "Duration of per-event factor preparation",
				Buckets:   buckets,
			},
			[]string{"factor"},
		),
		allowListDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "allow_list_denials_total",
				Help:      "Total number of allow-list denials",
			},
			[]string{"factor", "component_id"},
		),
		guestMemoryBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "guest_memory_bytes",
				Help:      "Guest linear memory size observed after invocation",
			},
			[]string{"component_id"},
		),
		guestTraps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "guest_traps_total",
				Help:      "Total number of guest traps",
			},
			[]string{"component_id"},
		),
		storeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of key-value store operations",
			},
			[]string{"operation", "label"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Number of currently executing guest instances",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.eventsStarted,
		m.eventsCompleted,
		m.eventDuration,
		m.factorPrepareDuration,
		m.allowListDenials,
		m.guestMemoryBytes,
		m.guestTraps,
		m.storeOperations,
		m.activeInstances,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordEventStarted records the start of a trigger event.
func (m *Metrics) RecordEventStarted(triggerType string) {
	if m.registry == nil {
		return
	}
	m.eventsStarted.WithLabelValues(triggerType).Inc()
	m.activeInstances.Inc()
}

// RecordEventCompleted records the completion of a trigger event.
func (m *Metrics) RecordEventCompleted(triggerType, componentID, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.eventsCompleted.WithLabelValues(triggerType, status).Inc()
	m.eventDuration.WithLabelValues(triggerType, componentID).Observe(duration.Seconds())
	m.activeInstances.Dec()
}

// RecordFactorPrepare records the duration of one factor's Prepare phase.
func (m *Metrics) RecordFactorPrepare(factor string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.factorPrepareDuration.WithLabelValues(factor).Observe(duration.Seconds())
}

// RecordAllowListDenial records a capability allow-list denial.
func (m *Metrics) RecordAllowListDenial(factor, componentID string) {
	if m.registry == nil {
		return
	}
	m.allowListDenials.WithLabelValues(factor, componentID).Inc()
}

// RecordGuestMemory records the guest memory size observed after invocation.
func (m *Metrics) RecordGuestMemory(componentID string, bytes uint64) {
	if m.registry == nil {
		return
	}
	m.guestMemoryBytes.WithLabelValues(componentID).Set(float64(bytes))
}

// RecordGuestTrap records a guest trap.
func (m *Metrics) RecordGuestTrap(componentID string) {
	if m.registry == nil {
		return
	}
	m.guestTraps.WithLabelValues(componentID).Inc()
}

// RecordStoreOperation records a key-value store operation.
func (m *Metrics) RecordStoreOperation(operation, label string) {
	if m.registry == nil {
		return
	}
	m.storeOperations.WithLabelValues(operation, label).Inc()
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// The server runs on its own goroutine until the process exits.
func (m *Metrics) StartMetricsServer() error {
	if m.registry == nil {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Metrics are best-effort; do not take the runtime down.
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
