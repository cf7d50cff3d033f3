// Package config provides environment-sourced runtime configuration and
// the static constants of the upstream protocol.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// ThinkingOutputMode controls how thought parts are surfaced on the OpenAI protocol.
type ThinkingOutputMode string

const (
	ThinkingOutputReasoningContent ThinkingOutputMode = "reasoning_content"
	ThinkingOutputTags             ThinkingOutputMode = "tags"
	ThinkingOutputBoth             ThinkingOutputMode = "both"
)

// Config holds all runtime knobs. Values are immutable after Load.
type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// DatabasePath is the sqlite file backing accounts, logs and the
	// persisted signature cache.
	DatabasePath string `env:"DATABASE_PATH" envDefault:"data/gateway.db"`

	// RedisURL, when set, enables the distributed mirror for persisted
	// signature kinds (useful when several gateway replicas share accounts).
	RedisURL string `env:"REDIS_URL"`

	// APIKeys is a static allow-list checked in addition to the api_keys table.
	APIKeys []string `env:"API_KEYS" envSeparator:","`

	// Retry engine.
	SameAccountRetries int           `env:"SAME_ACCOUNT_RETRIES" envDefault:"2"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	MaxAccountSwitches int           `env:"MAX_ACCOUNT_SWITCHES" envDefault:"3"`
	RequestDeadline    time.Duration `env:"REQUEST_DEADLINE" envDefault:"10m"`

	// Cooldown algebra bounds (per account+model capacity errors).
	CooldownDefault time.Duration `env:"COOLDOWN_DEFAULT" envDefault:"10s"`
	CooldownMax     time.Duration `env:"COOLDOWN_MAX" envDefault:"10m"`

	// ErrorDisableThreshold is the consecutive non-capacity error count at
	// which an account is demoted to status=error.
	ErrorDisableThreshold int `env:"ERROR_DISABLE_THRESHOLD" envDefault:"5"`

	// AccountMaxConcurrency caps in-flight requests per account (0 = unlimited).
	AccountMaxConcurrency int `env:"ACCOUNT_MAX_CONCURRENCY" envDefault:"0"`

	// ModelMaxConcurrency caps local in-flight requests per model (0 = unlimited).
	ModelMaxConcurrency int `env:"MODEL_MAX_CONCURRENCY" envDefault:"0"`

	// DisableLocalLimits turns off the account and model concurrency caps
	// entirely. Diagnostics only.
	DisableLocalLimits bool `env:"DISABLE_LOCAL_LIMITS"`

	// Signature cache sizing.
	SignatureCacheSize  int           `env:"SIGNATURE_CACHE_SIZE" envDefault:"10000"`
	SignatureTTLMemory  time.Duration `env:"SIGNATURE_TTL_MEMORY" envDefault:"10m"`
	SignatureTTLPersist time.Duration `env:"SIGNATURE_TTL_PERSIST" envDefault:"24h"`

	// Background maintenance intervals.
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"50m"`
	QuotaSyncInterval    time.Duration `env:"QUOTA_SYNC_INTERVAL" envDefault:"10m"`

	// ThinkingOutput selects reasoning_content, <think> tags, or both on the
	// OpenAI surface.
	ThinkingOutput ThinkingOutputMode `env:"THINKING_OUTPUT" envDefault:"reasoning_content"`

	// Debug capture files. Empty disables capture.
	DebugRequestDump string `env:"DEBUG_REQUEST_DUMP"`
	DebugSSEDump     string `env:"DEBUG_SSE_DUMP"`
}

// Load parses the environment into a Config and validates enum knobs.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	switch cfg.ThinkingOutput {
	case ThinkingOutputReasoningContent, ThinkingOutputTags, ThinkingOutputBoth:
	default:
		return nil, fmt.Errorf("invalid THINKING_OUTPUT %q (want reasoning_content|tags|both)", cfg.ThinkingOutput)
	}

	if cfg.CooldownDefault <= 0 || cfg.CooldownMax < cfg.CooldownDefault {
		return nil, fmt.Errorf("invalid cooldown bounds: default=%s max=%s", cfg.CooldownDefault, cfg.CooldownMax)
	}

	if cfg.DisableLocalLimits {
		cfg.AccountMaxConcurrency = 0
		cfg.ModelMaxConcurrency = 0
	}

	return cfg, nil
}
