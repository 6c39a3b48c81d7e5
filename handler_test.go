package stripewebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drprocesso/stripe-webhook/cache"
)

const checkoutCompletedBody = `{"type":"checkout.session.completed","data":{"object":{"id":"cs_1","client_reference_id":"lead_42","customer_details":{"email":"a@b.com"},"payment_intent":"pi_1","amount_total":2990,"currency":"brl","payment_status":"paid"}}}`

type recordingForwarder struct {
	mu       sync.Mutex
	payloads []*ForwardPayload
	err      error
	panicMsg string
}

func (f *recordingForwarder) Forward(_ context.Context, payload *ForwardPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.err
}

func (f *recordingForwarder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type recordingMetrics struct {
	NoopMetrics
	mu         sync.Mutex
	events     []string
	rejections []string
}

func (m *recordingMetrics) RecordWebhookEvent(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+outcome)
}

func (m *recordingMetrics) RecordWebhookRejection(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

func signedRequest(t *testing.T, method, body, secret string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(method, "/webhooks/stripe", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("stripe-signature", "t="+ts+",v1="+ComputeSignature(ts, []byte(body), secret))
	return req
}

func newTestHandler(forwarder Forwarder, opts ...HandlerOption) *Handler {
	return NewHandler(HandlerConfig{WebhookSecret: testSecret}, forwarder, zerolog.Nop(), opts...)
}

func assertCORS(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization, stripe-signature", rec.Header().Get("Access-Control-Allow-Headers"))
}

// automationServer records every POST it receives and answers with status.
func automationServer(t *testing.T, status int) (*httptest.Server, func() [][]byte) {
	t.Helper()
	var mu sync.Mutex
	var bodies [][]byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		return append([][]byte(nil), bodies...)
	}
}

func forwarderFor(t *testing.T, url string) *HTTPForwarder {
	t.Helper()
	cfg, err := NewConfig().WithForwardURL(url).Build()
	require.NoError(t, err)
	return NewHTTPForwarder(cfg, zerolog.Nop(), nil)
}

func TestHandler_CheckoutCompletedForwarded(t *testing.T) {
	srv, received := automationServer(t, http.StatusOK)
	h := newTestHandler(forwarderFor(t, srv.URL))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assertCORS(t, rec)

	bodies := received()
	require.Len(t, bodies, 1)
	assert.Contains(t, string(bodies[0]), `"client_reference_id":"lead_42"`)
	assert.Contains(t, string(bodies[0]), `"event_type":"checkout.session.completed"`)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Equal(t, "cs_1", payload["checkout_session_id"])
	assert.Equal(t, "a@b.com", payload["customer_email"])
	assert.Equal(t, "pi_1", payload["payment_intent_id"])
	assert.Equal(t, float64(2990), payload["amount_total"])
	assert.Equal(t, "brl", payload["currency"])
	assert.Equal(t, "paid", payload["payment_status"])
	assert.Nil(t, payload["customer_id"])
	assert.Equal(t, map[string]any{}, payload["metadata"])
}

func TestHandler_AlteredSignatureRejected(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)

	req := signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret)
	header := req.Header.Get("stripe-signature")
	last := header[len(header)-1]
	if last == '0' {
		last = '1'
	} else {
		last = '0'
	}
	req.Header.Set("stripe-signature", header[:len(header)-1]+string(last))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid signature", strings.TrimSpace(rec.Body.String()))
	assertCORS(t, rec)
	assert.Zero(t, forwarder.calls())
}

func TestHandler_UnhandledEventAcknowledged(t *testing.T) {
	forwarder := &recordingForwarder{}
	metrics := &recordingMetrics{}
	h := newTestHandler(forwarder, WithMetrics(metrics))

	body := `{"id":"evt_2","type":"payment_intent.created","data":{"object":{"id":"pi_1"}}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, body, testSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Zero(t, forwarder.calls())
	assert.Equal(t, []string{"payment_intent.created:ignored"}, metrics.events)
}

func TestHandler_ForwardFailureNotSurfaced(t *testing.T) {
	t.Run("automation endpoint returns 500", func(t *testing.T) {
		srv, received := automationServer(t, http.StatusInternalServerError)
		h := newTestHandler(forwarderFor(t, srv.URL))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Len(t, received(), 1)
	})

	t.Run("automation endpoint unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		h := newTestHandler(forwarderFor(t, url))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("forwarder error", func(t *testing.T) {
		metrics := &recordingMetrics{}
		h := newTestHandler(&recordingForwarder{err: errors.New("boom")}, WithMetrics(metrics))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"checkout.session.completed:forward_failed"}, metrics.events)
	})

	t.Run("forwarder panics", func(t *testing.T) {
		forwarder := &recordingForwarder{panicMsg: "downstream exploded"}
		h := newTestHandler(forwarder)

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
		assert.Equal(t, 1, forwarder.calls())
	})
}

func TestHandler_Options(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := NewHandler(HandlerConfig{}, forwarder, zerolog.Nop())

	req := httptest.NewRequest(http.MethodOptions, "/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assertCORS(t, rec)
	assert.Zero(t, forwarder.calls())
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			forwarder := &recordingForwarder{}
			h := newTestHandler(forwarder)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signedRequest(t, method, checkoutCompletedBody, testSecret))

			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			if method != http.MethodHead {
				assert.Equal(t, "Method not allowed", strings.TrimSpace(rec.Body.String()))
			}
			assertCORS(t, rec)
			assert.Zero(t, forwarder.calls())
		})
	}
}

func TestHandler_SecretNotConfigured(t *testing.T) {
	forwarder := &recordingForwarder{}
	metrics := &recordingMetrics{}
	h := NewHandler(HandlerConfig{}, forwarder, zerolog.Nop(), WithMetrics(metrics))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, ""))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", strings.TrimSpace(rec.Body.String()))
	assertCORS(t, rec)
	assert.Zero(t, forwarder.calls())
	assert.Equal(t, []string{"not_configured"}, metrics.rejections)
}

func TestHandler_MissingSignature(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(checkoutCompletedBody))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Missing signature", strings.TrimSpace(rec.Body.String()))
	assertCORS(t, rec)
	assert.Zero(t, forwarder.calls())
}

func TestHandler_MalformedSignatureHeader(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)

	for _, header := range []string{"garbage", "t=1700000000", "v1=abc", ","} {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(checkoutCompletedBody))
		req.Header.Set("Stripe-Signature", header)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "header %q", header)
		assert.Equal(t, "Invalid signature", strings.TrimSpace(rec.Body.String()))
	}
	assert.Zero(t, forwarder.calls())
}

func TestHandler_RawBodyVerified(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)

	var buf bytes.Buffer
	require.NoError(t, json.Indent(&buf, []byte(checkoutCompletedBody), "", "  "))
	pretty := buf.String()

	// same JSON, different bytes
	req := signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret)
	req.Body = io.NopCloser(strings.NewReader(pretty))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, forwarder.calls())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, pretty, testSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, forwarder.calls())
}

func TestHandler_MalformedJSON(t *testing.T) {
	forwarder := &recordingForwarder{}
	metrics := &recordingMetrics{}
	h := newTestHandler(forwarder, WithMetrics(metrics))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, `{"type":"checkout.session.completed"`, testSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", strings.TrimSpace(rec.Body.String()))
	assert.Zero(t, forwarder.calls())
	assert.Equal(t, []string{"parse_error"}, metrics.rejections)
}

func TestHandler_CheckoutWithoutObject(t *testing.T) {
	forwarder := &recordingForwarder{}
	metrics := &recordingMetrics{}
	h := newTestHandler(forwarder, WithMetrics(metrics))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, `{"type":"checkout.session.completed","data":{}}`, testSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, forwarder.calls())
	assert.Equal(t, []string{"processing_error"}, metrics.rejections)
}

func TestHandler_SparseCheckoutForwarded(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, `{"type":"checkout.session.completed","data":{"object":{}}}`, testSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, forwarder.calls())

	payload := forwarder.payloads[0]
	assert.Nil(t, payload.CheckoutSessionID)
	assert.Nil(t, payload.CustomerEmail)
	assert.NotNil(t, payload.Metadata)
	assert.Empty(t, payload.Metadata)
}

func TestHandler_PayloadTimestampUsesClock(t *testing.T) {
	forwarder := &recordingForwarder{}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 600_000_000, time.UTC)
	h := newTestHandler(forwarder, WithHandlerClock(func() time.Time { return fixed }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))

	require.Equal(t, 1, forwarder.calls())
	assert.Equal(t, "2025-01-02T03:04:05.600Z", forwarder.payloads[0].Timestamp)
}

func TestHandler_BodyTooLarge(t *testing.T) {
	forwarder := &recordingForwarder{}
	metrics := &recordingMetrics{}
	h := NewHandler(HandlerConfig{WebhookSecret: testSecret, MaxBodySize: 64}, forwarder, zerolog.Nop(), WithMetrics(metrics))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assertCORS(t, rec)
	assert.Zero(t, forwarder.calls())
	assert.Equal(t, []string{"payload_too_large"}, metrics.rejections)
}

func TestHandler_SignatureTolerance(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := NewHandler(HandlerConfig{WebhookSecret: testSecret, SignatureTolerance: 5 * time.Minute}, forwarder, zerolog.Nop())

	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(checkoutCompletedBody))
	req.Header.Set("Stripe-Signature", "t="+stale+",v1="+ComputeSignature(stale, []byte(checkoutCompletedBody), testSecret))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, forwarder.calls())
}

func TestHandler_RequestID(t *testing.T) {
	h := newTestHandler(&recordingForwarder{})

	req := signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret)
	req.Header.Set(RequestIDHeader, "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestHandler_DedupSkipsRedelivery(t *testing.T) {
	forwarder := &recordingForwarder{}
	metrics := &recordingMetrics{}
	memory := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { _ = memory.Close() })

	h := newTestHandler(forwarder, WithDedupCache(memory), WithMetrics(metrics))
	body := `{"id":"evt_dup","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, body, testSecret))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 1, forwarder.calls())
	assert.Equal(t, []string{
		"checkout.session.completed:forwarded",
		"checkout.session.completed:duplicate",
		"checkout.session.completed:duplicate",
	}, metrics.events)
}

func TestHandler_DedupRetriesFailedForward(t *testing.T) {
	forwarder := &recordingForwarder{err: errors.New("down")}
	memory := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(func() { _ = memory.Close() })

	h := newTestHandler(forwarder, WithDedupCache(memory))
	body := `{"id":"evt_retry","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, body, testSecret))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, forwarder.calls(), "failed forwards are not marked as processed")
}

func TestHandler_WithoutDedupForwardsEveryDelivery(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)
	body := `{"id":"evt_same","type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, body, testSecret))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2, forwarder.calls())
}

func TestHandler_ConcurrentDeliveries(t *testing.T) {
	forwarder := &recordingForwarder{}
	h := newTestHandler(forwarder)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, forwarder.calls())
}

func TestHandler_OpenBreakerStillAcknowledged(t *testing.T) {
	srv, received := automationServer(t, http.StatusInternalServerError)
	cfg, err := NewConfig().
		WithForwardURL(srv.URL).
		WithCircuitBreaker(CircuitBreakerConfig{
			Enabled:     true,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     time.Minute,
			Threshold:   0.5,
		}).
		Build()
	require.NoError(t, err)

	h := newTestHandler(NewHTTPForwarder(cfg, zerolog.Nop(), nil))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, http.MethodPost, checkoutCompletedBody, testSecret))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	}

	assert.Len(t, received(), 1)
}
