package transport

import "time"

const (
	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// CalculateBackoff returns the exponential reconnect delay for a retry
// count: baseDelay * 2^retry, capped at maxDelay.
func CalculateBackoff(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	if retry > 30 {
		return maxDelay
	}
	backoff := baseDelay * time.Duration(1<<retry)
	if backoff > maxDelay {
		return maxDelay
	}
	return backoff
}
