package voting

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	votes          prometheus.Counter
	credits        prometheus.Counter
	privateBatches prometheus.Counter
	rejected       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		votes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_votes_cast_total",
			Help: "public votes cast",
		}),
		credits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_vote_credits_spent_total",
			Help: "credits spent on public votes",
		}),
		privateBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qvote_private_batches_cast_total",
			Help: "private vote batches cast, counts not included",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qvote_vote_rejections_total",
			Help: "rejected vote casts by reason",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.votes, m.credits, m.privateBatches, m.rejected)
	}
	return m
}
