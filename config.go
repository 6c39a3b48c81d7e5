package stripewebhook

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	// Default values
	DefaultForwardURL         = "https://drprocesso.app.n8n.cloud/webhook/stripe-cavar-fundo-sucesso"
	DefaultMaxRequestBodySize = 256 * 1024 // 256KB
	DefaultDedupTTL           = 72 * time.Hour

	// Circuit breaker defaults
	DefaultCircuitBreakerMaxRequests = 5
	DefaultCircuitBreakerInterval    = 60 * time.Second
	DefaultCircuitBreakerTimeout     = 30 * time.Second
	DefaultCircuitBreakerThreshold   = 0.7

	// HTTP client defaults
	DefaultHTTPTimeout = 10 * time.Second

	// Redis defaults
	DefaultRedisPoolSize     = 10
	DefaultRedisMinIdleConns = 2
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second

	// Memory cache defaults
	DefaultMemoryCacheMaxSize         = 10000
	DefaultMemoryCacheCleanupInterval = 1 * time.Hour
)

// Config represents the main configuration for the receiver
type Config struct {
	// WebhookSecret is the Stripe endpoint signing secret (whsec_...).
	// An empty secret is not a build error; requests are answered with 500.
	WebhookSecret string

	// SignatureTolerance rejects signatures whose timestamp is further than
	// this from now. Zero disables the check.
	SignatureTolerance time.Duration

	Forward ForwardConfig

	Dedup CacheConfig

	CircuitBreaker CircuitBreakerConfig

	HTTPClient HTTPClientConfig

	Logging LoggingConfig
}

// ForwardConfig configures delivery to the automation endpoint
type ForwardConfig struct {
	URL string

	// SigningSecret, when set, signs every forwarded body with an
	// X-Webhook-Signature header.
	SigningSecret string
}

// CacheConfig configures forwarded-event de-duplication
type CacheConfig struct {
	Enabled    bool
	Type       string // "redis" or "memory"
	Redis      RedisConfig
	Memory     MemoryConfig
	DefaultTTL time.Duration
}

// RedisConfig configures Redis connection
type RedisConfig struct {
	Address       string
	Password      string
	DB            int
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableTLS     bool
	TLSSkipVerify bool
	TLSConfig     *tls.Config
}

// MemoryConfig configures in-memory cache
type MemoryConfig struct {
	MaxSize         int
	CleanupInterval time.Duration
}

// CircuitBreakerConfig configures the forwarder circuit breaker
type CircuitBreakerConfig struct {
	Enabled     bool
	MaxRequests int
	Interval    time.Duration
	Timeout     time.Duration
	Threshold   float64 // Failure ratio threshold (0.0-1.0)
}

// HTTPClientConfig configures HTTP client and inbound body limits
type HTTPClientConfig struct {
	Timeout            time.Duration
	MaxRequestBodySize int64
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console"
}

// ConfigBuilder provides a fluent interface for building Config
type ConfigBuilder struct {
	config *Config
}

// NewConfig creates a new ConfigBuilder with defaults
func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		config: &Config{
			Forward: ForwardConfig{
				URL: DefaultForwardURL,
			},
			Dedup: CacheConfig{
				Enabled:    false,
				Type:       "memory",
				DefaultTTL: DefaultDedupTTL,
				Redis: RedisConfig{
					PoolSize:     DefaultRedisPoolSize,
					MinIdleConns: DefaultRedisMinIdleConns,
					DialTimeout:  DefaultRedisDialTimeout,
					ReadTimeout:  DefaultRedisReadTimeout,
					WriteTimeout: DefaultRedisWriteTimeout,
				},
				Memory: MemoryConfig{
					MaxSize:         DefaultMemoryCacheMaxSize,
					CleanupInterval: DefaultMemoryCacheCleanupInterval,
				},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxRequests: DefaultCircuitBreakerMaxRequests,
				Interval:    DefaultCircuitBreakerInterval,
				Timeout:     DefaultCircuitBreakerTimeout,
				Threshold:   DefaultCircuitBreakerThreshold,
			},
			HTTPClient: HTTPClientConfig{
				Timeout:            DefaultHTTPTimeout,
				MaxRequestBodySize: DefaultMaxRequestBodySize,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}

// WithWebhookSecret sets the Stripe signing secret
func (b *ConfigBuilder) WithWebhookSecret(secret string) *ConfigBuilder {
	b.config.WebhookSecret = secret
	return b
}

// WithSignatureTolerance enables timestamp tolerance checks
func (b *ConfigBuilder) WithSignatureTolerance(d time.Duration) *ConfigBuilder {
	b.config.SignatureTolerance = d
	return b
}

// WithForwardURL sets the automation endpoint URL
func (b *ConfigBuilder) WithForwardURL(u string) *ConfigBuilder {
	b.config.Forward.URL = u
	return b
}

// WithForwardSigningSecret sets the secret used to sign forwarded bodies
func (b *ConfigBuilder) WithForwardSigningSecret(secret string) *ConfigBuilder {
	b.config.Forward.SigningSecret = secret
	return b
}

// WithDedup sets the de-duplication cache configuration
func (b *ConfigBuilder) WithDedup(cache CacheConfig) *ConfigBuilder {
	b.config.Dedup = cache
	return b
}

// WithCircuitBreaker sets the circuit breaker configuration
func (b *ConfigBuilder) WithCircuitBreaker(cb CircuitBreakerConfig) *ConfigBuilder {
	b.config.CircuitBreaker = cb
	return b
}

// WithHTTPClient sets the HTTP client configuration
func (b *ConfigBuilder) WithHTTPClient(hc HTTPClientConfig) *ConfigBuilder {
	b.config.HTTPClient = hc
	return b
}

// WithLogging sets the logging configuration
func (b *ConfigBuilder) WithLogging(logging LoggingConfig) *ConfigBuilder {
	b.config.Logging = logging
	return b
}

// Build validates and returns the Config
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Forward.URL == "" {
		return errors.New("forward URL is required")
	}
	u, err := url.Parse(c.Forward.URL)
	if err != nil {
		return fmt.Errorf("invalid forward URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("forward URL must be an absolute http(s) URL: %s", c.Forward.URL)
	}

	if c.SignatureTolerance < 0 {
		return errors.New("signature tolerance must not be negative")
	}

	if c.Dedup.Enabled {
		if c.Dedup.Type != "redis" && c.Dedup.Type != "memory" {
			return fmt.Errorf("invalid cache type: %s (must be 'redis' or 'memory')", c.Dedup.Type)
		}

		if c.Dedup.Type == "redis" && c.Dedup.Redis.Address == "" {
			return errors.New("Redis address is required when using Redis cache")
		}

		if c.Dedup.DefaultTTL <= 0 {
			return errors.New("dedup TTL must be greater than 0")
		}
	}

	if c.CircuitBreaker.Threshold < 0 || c.CircuitBreaker.Threshold > 1 {
		return errors.New("circuit breaker threshold must be between 0 and 1")
	}

	if c.HTTPClient.MaxRequestBodySize <= 0 {
		return errors.New("max request body size must be greater than 0")
	}

	return nil
}
