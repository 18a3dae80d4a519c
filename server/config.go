package server

import (
	"log/slog"
)

// Config holds token server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL). It appears in
	// the "iss" claim of every minted access token.
	Issuer string

	// AuthorizationCodeTTL is how long authorization code grants are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// RefreshTokenTTL is how long refresh token grants are valid when the
	// application does not specify its own refresh token lifetime
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// CollaboratorTimeout bounds calls to external collaborators: client
	// and application stores, resource-owner and assertion validators
	CollaboratorTimeout int64 // seconds, default: 10

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for grant expiration checks
	// (in seconds). This prevents false expiration errors due to time
	// synchronization issues.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// RateLimitRequestsPerSecond limits token requests per client IP.
	// Zero disables rate limiting.
	RateLimitRequestsPerSecond int // default: 0 (disabled)

	// RateLimitBurst is the burst size for the IP rate limiter
	RateLimitBurst int // default: 10
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.CollaboratorTimeout == 0 {
		config.CollaboratorTimeout = 10
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.RateLimitBurst == 0 {
		config.RateLimitBurst = 10
	}

	if config.TrustProxy {
		logger.Warn("Proxy headers are trusted for client IP extraction; ensure a trusted reverse proxy strips client-supplied forwarding headers",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}
