package queue

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"

	"github.com/JakeFAU/qa-scanner/internal/qa"
)

// RetryPolicy decides whether and when a failed job attempt runs again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt, maxAttempts int) bool
	Backoff(attempt int) time.Duration
}

// ExponentialRetryPolicy retries capacity and timeout failures with jittered backoff.
type ExponentialRetryPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewExponentialRetryPolicy builds a policy. Non-positive delays fall back to 250ms and 5s.
func NewExponentialRetryPolicy(baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialRetryPolicy{baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another. Only transient
// failures qualify: capacity, timeouts and network timeouts. Cancellation never retries.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt, maxAttempts int) bool {
	if err == nil || attempt >= maxAttempts {
		return false
	}
	if qa.IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Backoff returns the wait before the attempt after attempt: half the exponential delay
// plus up to the same again in jitter.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(max(attempt-1, 0)))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
