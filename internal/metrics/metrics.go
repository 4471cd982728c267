package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gate outcomes recorded on CreditChecksTotal.
const (
	OutcomeConsumed  = "consumed"
	OutcomeDenied    = "denied"
	OutcomeUnlimited = "unlimited"
	OutcomeError     = "error"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scentmatch_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scentmatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	CreditChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scentmatch_credit_checks_total",
			Help: "Credit gate decisions by action type and outcome.",
		},
		[]string{"action_type", "outcome"},
	)

	CreditsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scentmatch_credits_consumed_total",
			Help: "Credits deducted from free-tier allowances.",
		},
		[]string{"action_type"},
	)

	CreditResetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scentmatch_credit_resets_total",
			Help: "Monthly credit cycle rollovers applied.",
		},
	)

	BurstRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scentmatch_credit_burst_rejections_total",
			Help: "Consume attempts rejected by the per-user burst limiter.",
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scentmatch_billing_webhook_events_total",
			Help: "Stripe webhook events by type and result.",
		},
		[]string{"event_type", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CreditChecksTotal,
		CreditsConsumedTotal,
		CreditResetsTotal,
		BurstRejectionsTotal,
		WebhookEventsTotal,
	)
}
