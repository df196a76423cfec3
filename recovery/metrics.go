package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// Metrics counts recovery lifecycle events. A nil *Metrics records nothing.
type Metrics struct {
	initiatedTotal prometheus.Counter
	approvalsTotal *prometheus.CounterVec
	completedTotal prometheus.Counter
}

func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		initiatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "initiated_total",
			Help:      "Recovery requests opened.",
		}),
		approvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "approvals_total",
			Help:      "Approval submissions by outcome.",
		}, []string{"outcome"}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "completed_total",
			Help:      "Recoveries finalized on the ledger.",
		}),
	}

	for _, c := range []prometheus.Collector{m.initiatedTotal, m.approvalsTotal, m.completedTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) initiated() {
	if m != nil {
		m.initiatedTotal.Inc()
	}
}

func (m *Metrics) approval(err error) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = interfaces.KindOf(err).String()
	}
	m.approvalsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) finalized() {
	if m != nil {
		m.completedTotal.Inc()
	}
}
