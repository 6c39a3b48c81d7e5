package stripewebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ForwardSignatureHeader carries the signature of forwarded bodies when a
// forward signing secret is configured.
const ForwardSignatureHeader = "X-Webhook-Signature"

// ErrForwardFailed is wrapped by every forwarding error
var ErrForwardFailed = errors.New("forward to automation endpoint failed")

// ForwardStatusError is returned when the automation endpoint answers with a non-2xx status
type ForwardStatusError struct {
	StatusCode int
	Body       string
}

func (e *ForwardStatusError) Error() string {
	return fmt.Sprintf("automation endpoint returned status %d, body: %s", e.StatusCode, e.Body)
}

func (e *ForwardStatusError) Unwrap() error {
	return ErrForwardFailed
}

// Forwarder delivers notifications to the automation endpoint
type Forwarder interface {
	Forward(ctx context.Context, payload *ForwardPayload) error
}

// HTTPForwarder posts notifications as JSON, once per call
type HTTPForwarder struct {
	url            string
	signingSecret  string
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	metrics        Metrics
	now            func() time.Time
}

// NewHTTPForwarder creates a forwarder from the configuration. The circuit
// breaker is only installed when enabled.
func NewHTTPForwarder(cfg *Config, logger zerolog.Logger, metrics Metrics) *HTTPForwarder {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}

	f := &HTTPForwarder{
		url:           cfg.Forward.URL,
		signingSecret: cfg.Forward.SigningSecret,
		httpClient:    &http.Client{Timeout: cfg.HTTPClient.Timeout},
		metrics:       metrics,
		now:           time.Now,
	}

	if cfg.CircuitBreaker.Enabled {
		f.circuitBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "automation-forwarder",
			MaxRequests: uint32(cfg.CircuitBreaker.MaxRequests),
			Interval:    cfg.CircuitBreaker.Interval,
			Timeout:     cfg.CircuitBreaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < uint32(cfg.CircuitBreaker.MaxRequests) {
					return false
				}
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRatio >= cfg.CircuitBreaker.Threshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Info().
					Str("name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Forwarder circuit breaker state changed")
			},
		})
	}

	return f
}

// Forward sends the payload. It makes a single attempt.
func (f *HTTPForwarder) Forward(ctx context.Context, payload *ForwardPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal forward payload: %w", err)
	}

	if f.circuitBreaker == nil {
		return f.send(ctx, body)
	}

	_, err = f.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, f.send(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		f.metrics.RecordForward("circuit_open", 0)
		return fmt.Errorf("%w: %w", ErrForwardFailed, err)
	}
	return err
}

func (f *HTTPForwarder) send(ctx context.Context, body []byte) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %w", ErrForwardFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if f.signingSecret != "" {
		ts := strconv.FormatInt(f.now().Unix(), 10)
		req.Header.Set(ForwardSignatureHeader, "t="+ts+",v1="+ComputeSignature(ts, body, f.signingSecret))
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.metrics.RecordForward("error", time.Since(start))
		return fmt.Errorf("%w: %w", ErrForwardFailed, err)
	}
	defer resp.Body.Close()

	f.metrics.RecordForward(strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ForwardStatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
