package notify

import "github.com/prometheus/client_golang/prometheus"

type busMetrics struct {
	eventsTotal    *prometheus.CounterVec
	subscribers    *prometheus.GaugeVec
	deliveryErrors *prometheus.CounterVec
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	m := &busMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qvote_notify_events_total",
			Help: "total events published per topic class",
		}, []string{"topic"}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "qvote_notify_subscribers",
			Help: "current subscribers per topic class and kind",
		}, []string{"topic", "kind"}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qvote_notify_delivery_errors_total",
			Help: "failed or dropped deliveries per topic class and kind",
		}, []string{"topic", "kind"}),
	}
	reg.MustRegister(m.eventsTotal, m.subscribers, m.deliveryErrors)
	return m
}
