package stripewebhook

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/drprocesso/stripe-webhook/cache"
)

// Receiver is the main entry point of the package
type Receiver interface {
	// Start marks the receiver as serving
	Start(ctx context.Context) error

	// Stop gracefully stops the receiver
	Stop() error

	// Health returns the health status
	Health() error

	// Handler returns the HTTP handler for the Stripe webhook endpoint
	Handler() http.Handler
}

// BaseReceiver is the default Receiver implementation
type BaseReceiver struct {
	cfg       *Config
	logger    zerolog.Logger
	handler   *Handler
	forwarder Forwarder
	cache     cache.Cache
	mu        sync.RWMutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// ReceiverOption customizes NewReceiver
type ReceiverOption func(*receiverOptions)

type receiverOptions struct {
	metrics   Metrics
	forwarder Forwarder
}

// WithReceiverMetrics sets the metrics collector shared by handler and forwarder
func WithReceiverMetrics(m Metrics) ReceiverOption {
	return func(o *receiverOptions) {
		o.metrics = m
	}
}

// WithForwarder replaces the HTTP forwarder
func WithForwarder(f Forwarder) ReceiverOption {
	return func(o *receiverOptions) {
		o.forwarder = f
	}
}

// NewReceiver validates the configuration and wires cache, forwarder and handler
func NewReceiver(cfg *Config, logger zerolog.Logger, opts ...ReceiverOption) (*BaseReceiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &receiverOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = &NoopMetrics{}
	}

	cacheInstance, err := newCache(cfg.Dedup)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	forwarder := o.forwarder
	if forwarder == nil {
		forwarder = NewHTTPForwarder(cfg, logger, o.metrics)
	}

	if cfg.WebhookSecret == "" {
		logger.Warn().Msg("Stripe webhook secret is empty, deliveries will be answered with 500")
	}

	handler := NewHandler(HandlerConfig{
		WebhookSecret:      cfg.WebhookSecret,
		SignatureTolerance: cfg.SignatureTolerance,
		MaxBodySize:        cfg.HTTPClient.MaxRequestBodySize,
		DedupTTL:           cfg.Dedup.DefaultTTL,
	}, forwarder, logger, WithDedupCache(cacheInstance), WithMetrics(o.metrics))

	return &BaseReceiver{
		cfg:       cfg,
		logger:    logger,
		handler:   handler,
		forwarder: forwarder,
		cache:     cacheInstance,
	}, nil
}

// Start marks the receiver as serving
func (c *BaseReceiver) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("receiver already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	c.logger.Info().
		Str("forward_url", c.cfg.Forward.URL).
		Bool("dedup", c.cfg.Dedup.Enabled).
		Bool("circuit_breaker", c.cfg.CircuitBreaker.Enabled).
		Msg("Stripe webhook receiver started")

	return nil
}

// Stop gracefully stops the receiver
func (c *BaseReceiver) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to close cache")
		}
	}

	c.started = false
	c.logger.Info().Msg("Stripe webhook receiver stopped")

	return nil
}

// Health returns the health status
func (c *BaseReceiver) Health() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.started {
		return fmt.Errorf("receiver not started")
	}

	if c.ctx.Err() != nil {
		return fmt.Errorf("receiver context done: %w", c.ctx.Err())
	}

	return nil
}

// Handler returns the HTTP handler for the webhook endpoint
func (c *BaseReceiver) Handler() http.Handler {
	return c.handler
}

// GetCache returns the cache instance
func (c *BaseReceiver) GetCache() cache.Cache {
	return c.cache
}
