package stripewebhook

import (
	"github.com/spf13/viper"
)

// Environment keys read by FromEnv
const (
	EnvWebhookSecret        = "stripe_webhook_secret"
	EnvSignatureTolerance   = "signature_tolerance"
	EnvForwardURL           = "forward_url"
	EnvForwardSigningSecret = "forward_signing_secret"
	EnvForwardTimeout       = "forward_timeout"
	EnvMaxBodyBytes         = "max_body_bytes"
	EnvDedupEnabled         = "dedup_enabled"
	EnvDedupType            = "dedup_type"
	EnvDedupTTL             = "dedup_ttl"
	EnvRedisAddr            = "redis_addr"
	EnvRedisPassword        = "redis_password"
	EnvRedisDB              = "redis_db"
	EnvBreakerEnabled       = "breaker_enabled"
	EnvLogLevel             = "log_level"
	EnvLogFormat            = "log_format"
)

// FromEnv returns a ConfigBuilder populated from environment variables
// (upper-cased keys, e.g. STRIPE_WEBHOOK_SECRET) on top of the defaults.
func FromEnv() *ConfigBuilder {
	return fromViper(newEnvViper())
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault(EnvSignatureTolerance, "0s")
	v.SetDefault(EnvForwardURL, DefaultForwardURL)
	v.SetDefault(EnvForwardTimeout, DefaultHTTPTimeout.String())
	v.SetDefault(EnvMaxBodyBytes, DefaultMaxRequestBodySize)
	v.SetDefault(EnvDedupEnabled, false)
	v.SetDefault(EnvDedupType, "memory")
	v.SetDefault(EnvDedupTTL, DefaultDedupTTL.String())
	v.SetDefault(EnvRedisDB, 0)
	v.SetDefault(EnvBreakerEnabled, false)
	v.SetDefault(EnvLogLevel, "info")
	v.SetDefault(EnvLogFormat, "json")

	return v
}

func fromViper(v *viper.Viper) *ConfigBuilder {
	b := NewConfig().
		WithWebhookSecret(v.GetString(EnvWebhookSecret)).
		WithSignatureTolerance(v.GetDuration(EnvSignatureTolerance)).
		WithForwardURL(v.GetString(EnvForwardURL)).
		WithForwardSigningSecret(v.GetString(EnvForwardSigningSecret))

	b.config.HTTPClient.Timeout = v.GetDuration(EnvForwardTimeout)
	b.config.HTTPClient.MaxRequestBodySize = v.GetInt64(EnvMaxBodyBytes)

	b.config.Dedup.Enabled = v.GetBool(EnvDedupEnabled)
	b.config.Dedup.Type = v.GetString(EnvDedupType)
	b.config.Dedup.DefaultTTL = v.GetDuration(EnvDedupTTL)
	b.config.Dedup.Redis.Address = v.GetString(EnvRedisAddr)
	b.config.Dedup.Redis.Password = v.GetString(EnvRedisPassword)
	b.config.Dedup.Redis.DB = v.GetInt(EnvRedisDB)

	b.config.CircuitBreaker.Enabled = v.GetBool(EnvBreakerEnabled)

	b.config.Logging.Level = v.GetString(EnvLogLevel)
	b.config.Logging.Format = v.GetString(EnvLogFormat)

	return b
}
