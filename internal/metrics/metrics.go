package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpesapay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpesapay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpesapay_callbacks_total",
			Help: "Inbound provider callbacks by kind and parse result",
		},
		[]string{"kind", "parsed"},
	)

	ReconcileOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpesapay_reconcile_outcomes_total",
			Help: "Reconciliation engine outcomes",
		},
		[]string{"source", "outcome"},
	)

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpesapay_provider_calls_total",
			Help: "Outbound Daraja API calls",
		},
		[]string{"operation", "status"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpesapay_provider_call_duration_seconds",
			Help:    "Daraja API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpesapay_outbox_published_total",
			Help: "Outbox messages handed to the broker",
		},
		[]string{"topic", "status"},
	)

	WalletMovementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpesapay_wallet_movements_total",
			Help: "Wallet credits and debits",
		},
		[]string{"direction"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordCallback(kind string, parsed bool) {
	label := "ok"
	if !parsed {
		label = "unparsed"
	}
	CallbacksTotal.WithLabelValues(kind, label).Inc()
}

func RecordReconcile(source, outcome string) {
	ReconcileOutcomesTotal.WithLabelValues(source, outcome).Inc()
}

func RecordProviderCall(operation string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ProviderCallsTotal.WithLabelValues(operation, status).Inc()
	ProviderCallDuration.WithLabelValues(operation).Observe(duration)
}

func RecordOutbox(topic string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	OutboxPublishedTotal.WithLabelValues(topic, status).Inc()
}

func RecordWalletMovement(direction string) {
	WalletMovementsTotal.WithLabelValues(direction).Inc()
}
