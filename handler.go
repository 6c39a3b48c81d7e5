package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83"

	"github.com/drprocesso/stripe-webhook/cache"
)

const (
	// SignatureHeaderName is the header Stripe signs deliveries with
	SignatureHeaderName = "Stripe-Signature"

	// RequestIDHeader is echoed back on every response
	RequestIDHeader = "X-Request-ID"
)

// Response bodies
const (
	msgMethodNotAllowed = "Method not allowed"
	msgInternalError    = "Internal server error"
	msgMissingSignature = "Missing signature"
	msgInvalidSignature = "Invalid signature"
	msgBodyTooLarge     = "Request body too large"
	msgBadBody          = "Failed to read body"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, stripe-signature",
}

// HandlerConfig holds the values the handler needs per request
type HandlerConfig struct {
	// WebhookSecret is the Stripe signing secret. Empty means every POST is
	// answered with 500.
	WebhookSecret string

	SignatureTolerance time.Duration
	MaxBodySize        int64
	DedupTTL           time.Duration
}

// HandlerOption customizes a Handler
type HandlerOption func(*Handler)

// WithDedupCache enables skipping events that were already forwarded
func WithDedupCache(c cache.Cache) HandlerOption {
	return func(h *Handler) {
		if c != nil {
			h.cache = c
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m Metrics) HandlerOption {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithHandlerClock replaces time.Now for payload timestamps and tolerance checks
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = now
	}
}

// Handler receives Stripe webhook deliveries
type Handler struct {
	secret      string
	tolerance   time.Duration
	verifier    *Verifier
	forwarder   Forwarder
	cache       cache.Cache
	dedupTTL    time.Duration
	metrics     Metrics
	logger      zerolog.Logger
	maxBodySize int64
	now         func() time.Time
}

// NewHandler creates a new handler for Stripe webhooks
func NewHandler(cfg HandlerConfig, forwarder Forwarder, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		secret:      cfg.WebhookSecret,
		tolerance:   cfg.SignatureTolerance,
		forwarder:   forwarder,
		cache:       cache.NewNoOpCache(),
		dedupTTL:    cfg.DedupTTL,
		metrics:     &NoopMetrics{},
		logger:      logger,
		maxBodySize: cfg.MaxBodySize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.maxBodySize <= 0 {
		h.maxBodySize = DefaultMaxRequestBodySize
	}
	if h.dedupTTL <= 0 {
		h.dedupTTL = DefaultDedupTTL
	}
	h.verifier = NewVerifier(h.secret, WithTolerance(h.tolerance), WithClock(h.now))

	return h
}

// ServeHTTP handles incoming webhook requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	setCORSHeaders(w)

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	logger := h.logger.With().Str("request_id", requestID).Logger()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Interface("panic", rec).
				Msg("Panic recovered in webhook handler")
			h.reject(w, http.StatusInternalServerError, msgInternalError, "panic")
		}
	}()

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		logger.Warn().Str("method", r.Method).Msg("Webhook request with unsupported method")
		h.reject(w, http.StatusMethodNotAllowed, msgMethodNotAllowed, "method_not_allowed")
		return
	}

	if h.secret == "" {
		logger.Error().Msg("Stripe webhook secret not configured")
		h.reject(w, http.StatusInternalServerError, msgInternalError, "not_configured")
		return
	}

	signature := r.Header.Get(SignatureHeaderName)
	if signature == "" {
		logger.Warn().Msg("Missing stripe-signature header")
		h.reject(w, http.StatusBadRequest, msgMissingSignature, "missing_signature")
		return
	}

	body, err := h.readBody(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn().
				Int64("max_size", h.maxBodySize).
				Msg("Webhook request body exceeds maximum size")
			h.reject(w, http.StatusRequestEntityTooLarge, msgBodyTooLarge, "payload_too_large")
			return
		}
		logger.Warn().Err(err).Msg("Failed to read webhook body")
		h.reject(w, http.StatusBadRequest, msgBadBody, "unreadable_body")
		return
	}

	if err := h.verifier.Verify(body, signature); err != nil {
		logger.Warn().
			Bool("security", true).
			Err(err).
			Msg("Rejected webhook with invalid signature")
		h.reject(w, http.StatusBadRequest, msgInvalidSignature, "invalid_signature")
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to parse verified webhook body")
		h.reject(w, http.StatusInternalServerError, msgInternalError, "parse_error")
		return
	}

	eventType := string(event.Type)
	logger = logger.With().
		Str("event_id", event.ID).
		Str("event_type", eventType).
		Logger()
	logger.Info().Msg("Received Stripe event")

	outcome, err := h.dispatch(r.Context(), logger, event)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to process webhook event")
		h.reject(w, http.StatusInternalServerError, msgInternalError, "processing_error")
		return
	}

	h.metrics.RecordWebhookEvent(eventType, outcome)
	h.metrics.RecordWebhookDuration(eventType, time.Since(start))

	w.WriteHeader(http.StatusOK)
}

// dispatch routes a verified event. Only a malformed handled event is an error.
func (h *Handler) dispatch(ctx context.Context, logger zerolog.Logger, event *Event) (string, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		session, err := event.CheckoutSession()
		if err != nil {
			return "", err
		}

		payload := NewForwardPayload(event.Type, session, h.now())
		logger.Info().
			Str("checkout_session_id", deref(payload.CheckoutSessionID)).
			Str("client_reference_id", deref(payload.ClientReferenceID)).
			Str("payment_status", deref(payload.PaymentStatus)).
			Msg("Processing checkout.session.completed")

		return h.forward(ctx, logger, event.ID, payload), nil

	default:
		logger.Info().Msg("Unhandled event type")
		return "ignored", nil
	}
}

// forward delivers the payload and absorbs every failure, panics included.
// Its outcome only feeds logs and metrics.
func (h *Handler) forward(ctx context.Context, logger zerolog.Logger, eventID string, payload *ForwardPayload) (outcome string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Interface("panic", rec).
				Msg("Panic recovered while forwarding event")
			outcome = "forward_failed"
		}
	}()

	if eventID != "" {
		processed, err := h.cache.IsProcessed(ctx, eventID)
		if err != nil {
			logger.Warn().
				Err(err).
				Msg("Failed to check if event was forwarded, continuing")
		} else if processed {
			logger.Info().Msg("Event already forwarded, skipping")
			return "duplicate"
		}
	}

	if err := h.forwarder.Forward(ctx, payload); err != nil {
		var statusErr *ForwardStatusError
		logEvent := logger.Error().Err(err)
		if errors.As(err, &statusErr) {
			logEvent = logEvent.Int("status", statusErr.StatusCode)
		}
		logEvent.Msg("Failed to send event to automation endpoint")
		return "forward_failed"
	}

	logger.Info().Msg("Successfully sent event to automation endpoint")

	if eventID != "" {
		if err := h.cache.MarkProcessed(ctx, eventID, h.dedupTTL); err != nil {
			logger.Warn().
				Err(err).
				Msg("Failed to mark event as forwarded")
		}
	}

	return "forwarded"
}

// readBody captures the raw body exactly as received, within the size limit
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limited := http.MaxBytesReader(w, r.Body, h.maxBodySize)
	defer limited.Close()

	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

func (h *Handler) reject(w http.ResponseWriter, status int, msg, reason string) {
	h.metrics.RecordWebhookRejection(reason)
	http.Error(w, msg, status)
}

func setCORSHeaders(w http.ResponseWriter) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
}

func deref[T ~string](s *T) string {
	if s == nil {
		return ""
	}
	return string(*s)
}
