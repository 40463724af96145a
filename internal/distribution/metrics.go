package distribution

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/keyportal/keyportal/internal/ledger"
)

// Metrics counts key movements. A nil *Metrics records nothing.
type Metrics struct {
	KeysMoved  *prometheus.CounterVec
	Movements  *prometheus.CounterVec
	Rejections *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		KeysMoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyportal_keys_moved_total",
				Help: "Total keys moved, by ledger row type.",
			},
			[]string{"type"},
		),
		Movements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyportal_ledger_rows_total",
				Help: "Total ledger rows written, by type.",
			},
			[]string{"type"},
		),
		Rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyportal_rejections_total",
				Help: "Total rejected key operations.",
			},
			[]string{"reason"},
		),
	}
	registry.MustRegister(m.KeysMoved, m.Movements, m.Rejections)
	return m
}

func (m *Metrics) moved(e ledger.Entry) {
	if m == nil {
		return
	}
	m.KeysMoved.WithLabelValues(string(e.Type)).Add(float64(e.Count))
	m.Movements.WithLabelValues(string(e.Type)).Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}
