package ledger

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	initialized prometheus.Counter
	replenished prometheus.Counter
	rejected    prometheus.Counter
	spent       prometheus.Counter
	earned      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		initialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_ledger_accounts_created_total",
			Help: "credit accounts created on first access",
		}),
		replenished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_ledger_replenishments_total",
			Help: "periodic grants applied",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_ledger_spend_rejected_total",
			Help: "spends rejected for insufficient credit",
		}),
		spent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_ledger_credits_spent_total",
			Help: "credits debited",
		}),
		earned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qvote_ledger_credits_earned_total",
			Help: "credits granted by transaction kind",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.initialized, m.replenished, m.rejected, m.spent, m.earned)
	}
	return m
}
