package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trafficiq/trafficiq/pkg/types"
)

const namespace = "trafficiq"

// Metrics groups every collector the server exports.
type Metrics struct {
	reg *prometheus.Registry

	greenChanges        *prometheus.CounterVec
	greenDuration       prometheus.Histogram
	tickFailures        prometheus.Counter
	laneVehicles        *prometheus.GaugeVec
	laneUpdates         *prometheus.CounterVec
	persistenceFailures prometheus.Counter
	wsClients           prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		greenChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "green_signal_changes_total",
			Help:      "Number of times each lane was granted the green signal.",
		}, []string{"direction"}),
		greenDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "green_duration_seconds",
			Help:      "Planned green phase duration.",
			Buckets:   []float64{5, 10, 20, 30, 40, 60, 90, 120, 180},
		}),
		tickFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_failures_total",
			Help:      "Scheduler ticks abandoned because of an error.",
		}),
		laneVehicles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lane_vehicles",
			Help:      "Most recent vehicle count per lane.",
		}, []string{"direction"}),
		laneUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lane_updates_total",
			Help:      "Detection results applied per lane.",
		}, []string{"direction"}),
		persistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Observation write-throughs that failed or were dropped.",
		}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected WebSocket clients.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GreenSignal records a committed green phase for d lasting dur.
func (m *Metrics) GreenSignal(d types.Direction, dur time.Duration) {
	if m == nil {
		return
	}
	m.greenChanges.WithLabelValues(d.String()).Inc()
	m.greenDuration.Observe(dur.Seconds())
}

// TickFailed counts one abandoned scheduler tick.
func (m *Metrics) TickFailed() {
	if m == nil {
		return
	}
	m.tickFailures.Inc()
}

// LaneUpdated records a detection result applied to lane d.
func (m *Metrics) LaneUpdated(d types.Direction, vehicleCount int) {
	if m == nil {
		return
	}
	m.laneVehicles.WithLabelValues(d.String()).Set(float64(vehicleCount))
	m.laneUpdates.WithLabelValues(d.String()).Inc()
}

// LanesReset zeroes the per-lane gauges.
func (m *Metrics) LanesReset() {
	if m == nil {
		return
	}
	for _, d := range types.Directions() {
		m.laneVehicles.WithLabelValues(d.String()).Set(0)
	}
}

// PersistenceFailed counts one failed or dropped observation write.
func (m *Metrics) PersistenceFailed() {
	if m == nil {
		return
	}
	m.persistenceFailures.Inc()
}

// WSClients sets the connected WebSocket client gauge.
func (m *Metrics) WSClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
