package stripewebhook

import "time"

// Metrics defines the interface for tracking receiver operations.
// A nil Metrics in Config-driven constructors is replaced by NoopMetrics.
type Metrics interface {
	// RecordWebhookEvent records a verified event.
	// outcome: "forwarded", "forward_failed", "duplicate" or "ignored"
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookRejection records a request answered with a non-2xx status.
	// reason: e.g. "method_not_allowed", "missing_signature", "invalid_signature"
	RecordWebhookRejection(reason string)

	// RecordWebhookDuration records how long a verified request took end to end.
	RecordWebhookDuration(eventType string, duration time.Duration)

	// RecordForward records one outbound delivery attempt.
	// status: HTTP status code as string, or "error" / "circuit_open"
	RecordForward(status string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                  {}
func (n *NoopMetrics) RecordWebhookRejection(_ string)                 {}
func (n *NoopMetrics) RecordWebhookDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordForward(_ string, _ time.Duration)         {}
