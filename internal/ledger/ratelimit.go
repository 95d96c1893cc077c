package ledger

import (
	"fmt"
	"sync"
)

const (
	minuteWindowMs = 60_000
	hourWindowMs   = 3_600_000
)

// RequestRateLimits caps how many requests an account may submit per
// rolling minute and hour. A limit below zero disables that window.
type RequestRateLimits struct {
	PerMinute int32
	PerHour   int32
}

// DefaultRequestRateLimits are applied to accounts created without explicit
// limits.
func DefaultRequestRateLimits() RequestRateLimits {
	return RequestRateLimits{PerMinute: 60, PerHour: 1000}
}

// requestCounter tracks the two sliding windows. The mutex covers the whole
// increment sequence so concurrent status checks cannot interleave a window
// reset between the hour and minute steps.
type requestCounter struct {
	mu          sync.Mutex
	minuteStart int64
	minuteCount int32
	hourStart   int64
	hourCount   int32
}

// IncRequestCount counts one request at nowMs (epoch milliseconds) against
// both windows. The hour window is checked first: rejecting on the larger
// window must not leave the minute counter partially incremented.
func (a *Account) IncRequestCount(nowMs int64) error {
	a.counter.mu.Lock()
	defer a.counter.mu.Unlock()

	c := &a.counter

	if nowMs-c.hourStart >= hourWindowMs {
		c.hourStart = nowMs
		c.hourCount = 0
	}
	if limit := a.RateLimits.PerHour; limit >= 0 && c.hourCount+1 > limit {
		return fmt.Errorf("%w: account %s exceeded %d requests per hour",
			ErrTooManyRequests, a.PubKey, limit)
	}

	if nowMs-c.minuteStart >= minuteWindowMs {
		c.minuteStart = nowMs
		c.minuteCount = 0
	}
	if limit := a.RateLimits.PerMinute; limit >= 0 && c.minuteCount+1 > limit {
		return fmt.Errorf("%w: account %s exceeded %d requests per minute",
			ErrTooManyRequests, a.PubKey, limit)
	}

	c.hourCount++
	c.minuteCount++
	return nil
}
