package igb

import (
	"errors"

	"github.com/c35s/igb/ring"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts queue bring-up outcomes.
type Metrics struct {
	enabled  *prometheus.CounterVec
	failures *prometheus.CounterVec
	buffers  prometheus.Gauge
	latency  *prometheus.HistogramVec
}

// NewMetrics creates the bring-up metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enabled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "igb",
			Subsystem: "ring",
			Name:      "enabled_total",
			Help:      "Rings the device acknowledged as enabled.",
		}, []string{"role"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "igb",
			Subsystem: "ring",
			Name:      "failures_total",
			Help:      "Ring bring-up failures by reason.",
		}, []string{"role", "reason"}),

		buffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "igb",
			Subsystem: "ring",
			Name:      "bound_buffers",
			Help:      "Data buffers bound to descriptors of open rings.",
		}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "igb",
			Subsystem: "ring",
			Name:      "init_seconds",
			Help:      "Time to bind and enable a ring.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"role"}),
	}

	reg.MustRegister(m.enabled, m.failures, m.buffers, m.latency)
	return m
}

func (m *Metrics) observeInit(role ring.Role, seconds float64, slots int, err error) {
	if m == nil {
		return
	}

	if err != nil {
		m.failures.WithLabelValues(role.String(), failureReason(err)).Inc()
		return
	}

	m.enabled.WithLabelValues(role.String()).Inc()
	m.latency.WithLabelValues(role.String()).Observe(seconds)
	m.buffers.Add(float64(slots))
}

func (m *Metrics) observeClose(slots int) {
	if m == nil {
		return
	}

	m.buffers.Sub(float64(slots))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ring.ErrNoMemory):
		return "no_memory"

	case errors.Is(err, ring.ErrTimedOut):
		return "timed_out"

	case errors.Is(err, ring.ErrConfig):
		return "config"

	default:
		return "other"
	}
}
