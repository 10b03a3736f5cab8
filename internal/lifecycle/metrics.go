package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commands *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "miasma_console_campaign_commands_total",
			Help: "lifecycle commands by command and result",
		}, []string{"command", "result"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "miasma_console_campaign_command_seconds",
			Help:    "time from sending a lifecycle command to the refreshed campaign",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
	}
}

func (m *metrics) observe(cmd Command, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(string(cmd), result).Inc()
	if took > 0 {
		m.latency.WithLabelValues(string(cmd)).Observe(took.Seconds())
	}
}
