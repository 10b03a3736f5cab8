package poller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ticks         *prometheus.CounterVec
	fetchErrors   *prometheus.CounterVec
	subscriptions prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miasma_console_poll_ticks_total",
			Help: "number of poll ticks that issued a fetch",
		}, []string{"resource"}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miasma_console_poll_fetch_errors_total",
			Help: "number of poll fetches that failed",
		}, []string{"resource"}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "miasma_console_poll_subscriptions",
			Help: "number of running poll timers",
		}),
	}
}

// Resource names carry entity ids; only the prefix before ':' is used as a label.
func resourceLabel(resource string) string {
	for i := 0; i < len(resource); i++ {
		if resource[i] == ':' {
			return resource[:i]
		}
	}
	return resource
}

func (m *metrics) tick(resource string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(resourceLabel(resource)).Inc()
}

func (m *metrics) fetchError(resource string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(resourceLabel(resource)).Inc()
}

func (m *metrics) active(delta float64) {
	if m == nil {
		return
	}
	m.subscriptions.Add(delta)
}
