package llm

import "time"

// RetryConfig bounds the per-endpoint retry loop. Retries apply only to
// transient failures; the backoff grows geometrically up to MaxBackoff with
// jitter added by the client.
type RetryConfig struct {
	// MaxAttempts caps attempts against a single endpoint before the
	// client falls back to the next one.
	MaxAttempts int

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration

	// BackoffMultiplier scales the delay on each subsequent retry.
	BackoffMultiplier float64

	// MaxBackoff caps the delay regardless of attempt count.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the production retry posture.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}
