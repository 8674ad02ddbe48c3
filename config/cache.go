package config

import "time"

// CacheConfig contains response and local cache configuration.
type CacheConfig struct {
	// ResponseTTL is the default lifetime of cached HTTP responses.
	ResponseTTL time.Duration `env:"CACHE_RESPONSE_TTL" envDefault:"5m"`

	// ProductTTL overrides the response TTL for the product endpoints.
	ProductTTL time.Duration `env:"CACHE_PRODUCT_TTL" envDefault:"5m"`

	// LeadTTL overrides the response TTL for the lead endpoints.
	LeadTTL time.Duration `env:"CACHE_LEAD_TTL" envDefault:"1m"`

	// LocalTTL is the lifetime of in-process catalog cache entries. The
	// local tier is process private, so this stays short to bound staleness.
	LocalTTL time.Duration `env:"CACHE_LOCAL_TTL" envDefault:"30s"`

	// LocalMaxEntries bounds the in-process catalog cache size.
	LocalMaxEntries int `env:"CACHE_LOCAL_MAX_ENTRIES" envDefault:"1024"`
}

// Sanitize applies guardrails to cache configuration values.
func (c *CacheConfig) Sanitize() {
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 5 * time.Minute
	}
	if c.ProductTTL <= 0 {
		c.ProductTTL = c.ResponseTTL
	}
	if c.LeadTTL <= 0 {
		c.LeadTTL = c.ResponseTTL
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 30 * time.Second
	}
	if c.LocalMaxEntries < 1 {
		c.LocalMaxEntries = 1024
	}
}

// CredentialConfig contains provider credential cache configuration.
type CredentialConfig struct {
	// EncryptionKey protects cached tokens at rest. A 64-char hex string is
	// used directly as the 32-byte AES key; anything else is hashed to one.
	// Empty disables encryption (dev only).
	EncryptionKey string `env:"CREDENTIALS_ENCRYPTION_KEY"`

	// TTL is the fallback lifetime for tokens without an expiry.
	TTL time.Duration `env:"CREDENTIALS_TTL" envDefault:"15m"`

	// TTLBuffer is subtracted from a token's own expiry so the cache never
	// serves a token about to lapse mid-request.
	TTLBuffer time.Duration `env:"CREDENTIALS_TTL_BUFFER" envDefault:"30s"`
}

// Sanitize applies guardrails to credential configuration values.
func (c *CredentialConfig) Sanitize() {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Minute
	}
	if c.TTLBuffer <= 0 {
		c.TTLBuffer = 30 * time.Second
	}
}

// ProviderConfig contains delivery provider configuration.
type ProviderConfig struct {
	// Endpoints maps provider name to its message endpoint URL, e.g.
	// PROVIDER_ENDPOINTS=sendgrid:https://api.example.com/v1/send,twilio:https://sms.example.com/send
	Endpoints map[string]string `env:"PROVIDER_ENDPOINTS" envSeparator:","`

	// Subject identifies the sending account within each provider.
	Subject string `env:"PROVIDER_SUBJECT" envDefault:"default"`
}
