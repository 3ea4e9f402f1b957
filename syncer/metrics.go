package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionUpload   = "upload"
	directionDownload = "download"
)

// Metrics are the pump counters. A nil *Metrics records nothing.
type Metrics struct {
	cycles  *prometheus.CounterVec
	changes *prometheus.CounterVec
	cursor  *prometheus.GaugeVec
}

// NewMetrics registers the pump metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Name:      "cycles_total",
			Help:      "Sync cycles by direction and result.",
		}, []string{"direction", "result"}),
		changes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shopsync",
			Name:      "changes_total",
			Help:      "Change-log entries moved by direction and outcome.",
		}, []string{"direction", "outcome"}),
		cursor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shopsync",
			Name:      "cursor_timestamp_seconds",
			Help:      "Watermark of the last successful cycle.",
		}, []string{"direction"}),
	}
}

func (m *Metrics) cycle(direction string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) change(direction, outcome string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) watermark(direction string, seconds float64) {
	if m == nil {
		return
	}
	m.cursor.WithLabelValues(direction).Set(seconds)
}
