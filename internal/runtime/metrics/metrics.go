// Package metrics exposes Prometheus collectors for the multiplexer, the
// control plane and the profiling coordinators. Every method is safe on a nil
// *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery results recorded by the multiplexer.
const (
	DeliveryRouted     = "routed"
	DeliveryLate       = "late"
	DeliveryUnroutable = "unroutable"
)

// Metrics tracks SilverLine client statistics.
type Metrics struct {
	mu sync.RWMutex

	modules map[string]*ModuleStats

	deliveries      *prometheus.CounterVec
	publishedBytes  *prometheus.CounterVec
	openRoutes      prometheus.Gauge
	controlRequests *prometheus.CounterVec
	registration    *prometheus.HistogramVec
	roundTrip       *prometheus.HistogramVec
	payloadSize     *prometheus.HistogramVec
	joinTimeouts    *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// ModuleStats summarizes the round trips observed for one module.
type ModuleStats struct {
	Mode       string        `json:"mode"`
	RoundTrips uint64        `json:"round_trips"`
	BytesSent  uint64        `json:"bytes_sent"`
	MinRTT     time.Duration `json:"min_rtt"`
	MaxRTT     time.Duration `json:"max_rtt"`
	MeanRTT    time.Duration `json:"mean_rtt"`
	TimedOut   bool          `json:"timed_out"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Snapshot provides a point-in-time view of the per-module statistics.
type Snapshot struct {
	Modules     map[string]ModuleStats `json:"modules"`
	CollectedAt time.Time              `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "silverline",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the Prometheus
// default registerer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		modules:         make(map[string]*ModuleStats),
		registerer:      registerer,
		deliveries:      newCounterVec("mux", "deliveries_total", "Messages delivered by the broker, by routing result", []string{"result"}),
		publishedBytes:  newCounterVec("mux", "published_bytes_total", "Payload bytes published through the multiplexer", []string{"kind"}),
		openRoutes:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "silverline", Subsystem: "mux", Name: "open_routes", Help: "Topics with an open channel or handler"}),
		controlRequests: newCounterVec("control", "requests_total", "Control-plane envelopes published", []string{"action", "kind"}),
		registration:    newHistogramVec("registration", "handshake_seconds", "Duration of the runtime join handshake", prometheus.ExponentialBuckets(0.001, 2, 14), []string{"result"}),
		roundTrip:       newHistogramVec("profiler", "round_trip_seconds", "Benchmark request/response round trip time", prometheus.ExponentialBuckets(0.0005, 2, 16), []string{"mode"}),
		payloadSize:     newHistogramVec("profiler", "payload_bytes", "Size of generated benchmark payloads", prometheus.ExponentialBuckets(4, 4, 10), []string{"mode"}),
		joinTimeouts:    newCounterVec("profiler", "join_timeouts_total", "Coordinators that did not complete before the join timeout", []string{"mode"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.deliveries,
		m.publishedBytes,
		m.openRoutes,
		m.controlRequests,
		m.registration,
		m.roundTrip,
		m.payloadSize,
		m.joinTimeouts,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the given gatherer in the Prometheus text format. A nil
// gatherer selects the default gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// RecordDelivery counts one inbound message.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// RecordPublish counts the bytes of one outbound message.
func (m *Metrics) RecordPublish(kind string, size int) {
	if m == nil {
		return
	}
	m.publishedBytes.WithLabelValues(kind).Add(float64(size))
}

// SetOpenRoutes reports the number of routed topics.
func (m *Metrics) SetOpenRoutes(n int) {
	if m == nil {
		return
	}
	m.openRoutes.Set(float64(n))
}

// RecordControlRequest counts one published control envelope.
func (m *Metrics) RecordControlRequest(action, kind string) {
	if m == nil {
		return
	}
	m.controlRequests.WithLabelValues(action, kind).Inc()
}

// RecordRegistration observes a finished join handshake.
func (m *Metrics) RecordRegistration(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.registration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordPayload observes a generated benchmark payload sent to module.
func (m *Metrics) RecordPayload(mode, module string, size int) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateModule(mode, module)
	stats.BytesSent += uint64(size)
	stats.UpdatedAt = time.Now()

	m.payloadSize.WithLabelValues(mode).Observe(float64(size))
}

// RecordRoundTrip observes one request/response cycle against module.
func (m *Metrics) RecordRoundTrip(mode, module string, rtt time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateModule(mode, module)
	stats.RoundTrips++
	if stats.MinRTT == 0 || rtt < stats.MinRTT {
		stats.MinRTT = rtt
	}
	if rtt > stats.MaxRTT {
		stats.MaxRTT = rtt
	}
	n := time.Duration(stats.RoundTrips)
	stats.MeanRTT += (rtt - stats.MeanRTT) / n
	stats.UpdatedAt = time.Now()

	m.roundTrip.WithLabelValues(mode).Observe(rtt.Seconds())
}

// RecordJoinTimeout marks module as not completed.
func (m *Metrics) RecordJoinTimeout(mode, module string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateModule(mode, module)
	stats.TimedOut = true
	stats.UpdatedAt = time.Now()

	m.joinTimeouts.WithLabelValues(mode).Inc()
}

// ModuleStats returns a copy of the statistics for module, or nil.
func (m *Metrics) ModuleStats(module string) *ModuleStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.modules[module]
	if !ok {
		return nil
	}
	copy := *stats
	return &copy
}

// Snapshot returns a point-in-time copy of all module statistics.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{Modules: make(map[string]ModuleStats), CollectedAt: time.Now()}
	if m == nil {
		return snap
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for module, stats := range m.modules {
		snap.Modules[module] = *stats
	}
	return snap
}

// Reset clears the per-module statistics. Prometheus collectors keep their
// cumulative values.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules = make(map[string]*ModuleStats)
}

func (m *Metrics) getOrCreateModule(mode, module string) *ModuleStats {
	stats, ok := m.modules[module]
	if !ok {
		stats = &ModuleStats{Mode: mode}
		m.modules[module] = stats
	}
	return stats
}
