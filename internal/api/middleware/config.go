package middleware

import (
	"time"

	"github.com/correlator-io/edgedetect/internal/config"
)

// Config holds rate limiter configuration.
//
// Two tiers apply to every request: a global limit shared by all clients and a
// per-client limit keyed by remote IP. A zero burst is computed as 2 × rate.
type Config struct {
	GlobalRPS int // Default: 50
	ClientRPS int // Default: 5

	GlobalBurst int // 0 = 2 × GlobalRPS
	ClientBurst int // 0 = 2 × ClientRPS

	// Idle client limiters are dropped to bound memory
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000

	// TrustProxy keys clients by the first X-Forwarded-For address instead of RemoteAddr.
	TrustProxy bool
}

// LoadConfig loads rate limiter config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		GlobalRPS: config.GetEnvInt("EDGEDETECT_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("EDGEDETECT_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("EDGEDETECT_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("EDGEDETECT_CLIENT_BURST", 0),

		CleanupInterval: config.GetEnvDuration(
			"EDGEDETECT_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("EDGEDETECT_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("EDGEDETECT_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
		TrustProxy:  config.GetEnvBool("EDGEDETECT_TRUST_PROXY", false),
	}
}

// ClientKey returns the client key function implied by TrustProxy.
func (c *Config) ClientKey() ClientKeyFunc {
	if c.TrustProxy {
		return ForwardedIP
	}

	return RemoteIP
}
