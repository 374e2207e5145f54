// Package ratelimit provides the token bucket used to pace ingest and
// compaction work so background persistence neither starves foreground
// writes nor runs unbounded.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultMaxDelay caps the advisory delay returned by a single Request.
const DefaultMaxDelay = 10 * time.Second

// Config holds the token bucket parameters.
type Config struct {
	Burst    uint64        // maximum token balance
	Rate     uint64        // tokens credited per second
	MaxDelay time.Duration // cap on the delay returned by one Request
}

// TokenBucket is a lock-protected counter bank. Callers request tokens and
// receive an advisory delay to wait before spending them; Request never
// blocks and never fails. The balance may go negative, which is how debt
// from oversized requests is expressed.
//
// A bucket configured with Rate == 0 is degenerate but well defined: no
// credit ever accrues, and once the balance goes negative every Request
// reports the configured maximum delay.
type TokenBucket struct {
	mu         sync.Mutex
	refillTime time.Time
	balance    int64
	burst      uint64
	rate       uint64
	maxDelay   time.Duration

	now func() time.Time // overridable in tests
}

// New creates a token bucket with a full balance.
func New(cfg Config) *TokenBucket {
	tb := &TokenBucket{now: time.Now}
	tb.Init(cfg.Burst, cfg.Rate)
	tb.maxDelay = cfg.MaxDelay
	if tb.maxDelay <= 0 {
		tb.maxDelay = DefaultMaxDelay
	}
	return tb
}

// Init resets the bucket to a full balance with the given parameters.
func (tb *TokenBucket) Init(burst, rate uint64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.now == nil {
		tb.now = time.Now
	}
	tb.burst = burst
	tb.rate = rate
	tb.balance = int64(burst)
	tb.refillTime = tb.now()
}

// Reinit swaps the bucket parameters without resetting the accrued
// balance, supporting live tuning. The balance is credited under the old
// rate up to now, then clamped to the new burst.
func (tb *TokenBucket) Reinit(burst, rate uint64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(tb.now())
	tb.burst = burst
	tb.rate = rate
	if tb.balance > int64(burst) {
		tb.balance = int64(burst)
	}
}

// Request subtracts tokens from the balance and returns the delay the
// caller should wait before spending them: zero when the balance covers
// the request, otherwise the time needed to pay off the debt at the
// refill rate, capped at the configured maximum. The caller is
// responsible for actually sleeping, typically via Delay.
func (tb *TokenBucket) Request(tokens uint64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(tb.now())
	tb.balance -= int64(tokens)

	if tb.balance >= 0 {
		return 0
	}

	if tb.rate == 0 {
		return tb.maxDelay
	}
	delay := time.Duration(float64(-tb.balance) / float64(tb.rate) * float64(time.Second))
	if delay > tb.maxDelay {
		delay = tb.maxDelay
	}
	return delay
}

// Balance returns the current balance after crediting elapsed time.
func (tb *TokenBucket) Balance() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(tb.now())
	return tb.balance
}

// refill credits rate-proportional tokens accrued since the last refill,
// capped at burst. The refill timestamp only advances by the time that
// produced whole tokens, so fractional credit is never lost across calls.
// Caller must hold tb.mu.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.refillTime)
	if elapsed <= 0 {
		return
	}
	if tb.rate == 0 {
		tb.refillTime = now
		return
	}

	credit := int64(float64(tb.rate) * elapsed.Seconds())
	if credit <= 0 {
		return
	}

	tb.balance += credit
	if tb.balance >= int64(tb.burst) {
		tb.balance = int64(tb.burst)
		tb.refillTime = now
		return
	}
	spent := time.Duration(float64(credit) / float64(tb.rate) * float64(time.Second))
	tb.refillTime = tb.refillTime.Add(spent)
}

// Delay blocks the calling goroutine for at least d. It is the only
// suspension point of the rate limiter; Request itself never sleeps.
func Delay(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
