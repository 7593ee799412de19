package orchestrator

import (
	"os"
	"strconv"
	"time"
)

// Config holds the knobs for one calling session. Retry constants are
// deliberately configuration, not hardcoded policy.
type Config struct {
	MaxCalls       int           // session call-count limit
	Concurrency    int           // max calls in flight at once
	CallInterval   time.Duration // minimum delay between successive placements
	MaxAttempts    int           // per-contact attempt cap
	BackoffBase    time.Duration // first retry delay
	BackoffCap     time.Duration // retry delay ceiling
	OutcomeTimeout time.Duration // wait bound for a terminal status event
	DryRun         bool          // no-op placement, synthesized completion
	TargetPhone    string        // restrict the run to a single contact
}

func (c Config) withDefaults() Config {
	if c.MaxCalls <= 0 {
		c.MaxCalls = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 24 * time.Hour
	}
	if c.OutcomeTimeout <= 0 {
		c.OutcomeTimeout = 15 * time.Minute
	}
	return c
}

// ConfigFromEnv builds a config from environment variables, falling back to
// the defaults above. CLI flags override the result in main.
func ConfigFromEnv() Config {
	cfg := Config{
		MaxCalls:       envInt("MAX_CALLS_PER_SESSION", 10),
		Concurrency:    envInt("CALL_CONCURRENCY", 1),
		CallInterval:   time.Duration(envInt("CALL_INTERVAL_SECONDS", 120)) * time.Second,
		MaxAttempts:    envInt("MAX_CALL_ATTEMPTS", 3),
		BackoffBase:    time.Duration(envInt("RETRY_BACKOFF_BASE_MINUTES", 5)) * time.Minute,
		BackoffCap:     time.Duration(envInt("RETRY_BACKOFF_CAP_HOURS", 24)) * time.Hour,
		OutcomeTimeout: time.Duration(envInt("CALL_OUTCOME_TIMEOUT_MINUTES", 15)) * time.Minute,
	}
	return cfg.withDefaults()
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
