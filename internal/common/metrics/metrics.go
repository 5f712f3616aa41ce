package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors
type Metrics struct {
	ChargesTotal         *prometheus.CounterVec
	RefundsTotal         *prometheus.CounterVec
	WebhookEventsTotal   *prometheus.CounterVec
	ReconciliationsTotal prometheus.Counter
}

// New registers collectors on a fresh registry
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		ChargesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "charges_total",
			Help:      "Charge attempts by provider and outcome",
		}, []string{"provider", "status"}),
		RefundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "refunds_total",
			Help:      "Refund attempts by provider and outcome",
		}, []string{"provider", "status"}),
		WebhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by provider, event kind and outcome",
		}, []string{"provider", "kind", "outcome"}),
		ReconciliationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "reconciliations_queued_total",
			Help:      "Payments queued for manual reconciliation",
		}),
	}

	return m, reg
}

// Handler returns the HTTP handler exposing the registry
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
