package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	stripewebhook "github.com/drprocesso/stripe-webhook"
)

var _ stripewebhook.Metrics = (*Metrics)(nil)

// Metrics implements stripewebhook.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal     *prometheus.CounterVec
	webhookRejectionsTotal *prometheus.CounterVec
	webhookDuration        *prometheus.HistogramVec
	forwardsTotal          *prometheus.CounterVec
	forwardDuration        prometheus.Histogram
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripe_webhook",
			Name:      "events_total",
			Help:      "Total number of verified Stripe events by outcome.",
		}, []string{"event_type", "outcome"}),

		webhookRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripe_webhook",
			Name:      "rejections_total",
			Help:      "Total number of webhook requests answered with an error status.",
		}, []string{"reason"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stripe_webhook",
			Name:      "processing_duration_seconds",
			Help:      "Duration of verified webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		forwardsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stripe_webhook",
			Name:      "forwards_total",
			Help:      "Total number of deliveries to the automation endpoint by status.",
		}, []string{"status"}),

		forwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stripe_webhook",
			Name:      "forward_duration_seconds",
			Help:      "Duration of deliveries to the automation endpoint in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookRejection(reason string) {
	m.webhookRejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordWebhookDuration(eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordForward(status string, duration time.Duration) {
	m.forwardsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.forwardDuration.Observe(duration.Seconds())
	}
}
