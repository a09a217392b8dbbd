package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"
)

// retryPolicy implements the fetcher's exponential backoff with jitter,
// adapted from the teacher's crawler retry policy: base 1s, doubling,
// capped at 20s, ±25% jitter.
type retryPolicy struct {
	maxAttempts          int
	initialBackoff       time.Duration
	maxBackoff           time.Duration
	backoffMultiplier    float64
	retryableStatusCodes []int
}

func newRetryPolicy(retries int) *retryPolicy {
	return &retryPolicy{
		maxAttempts:       1 + retries,
		initialBackoff:    time.Second,
		maxBackoff:        20 * time.Second,
		backoffMultiplier: 2.0,
		retryableStatusCodes: []int{
			408, 429, 500, 502, 503, 504,
		},
	}
}

func (p *retryPolicy) isRetryableStatusCode(statusCode int) bool {
	for _, code := range p.retryableStatusCodes {
		if statusCode == code {
			return true
		}
	}
	return false
}

func (p *retryPolicy) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (p *retryPolicy) shouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= p.maxAttempts-1 {
		return false
	}
	if statusCode > 0 {
		return p.isRetryableStatusCode(statusCode)
	}
	return p.isRetryableError(err)
}

// calculateBackoff computes the exponential-with-jitter delay before the
// next attempt (0-indexed attempt count already made).
func (p *retryPolicy) calculateBackoff(attempt int) time.Duration {
	backoff := float64(p.initialBackoff) * pow(p.backoffMultiplier, float64(attempt))
	if backoff > float64(p.maxBackoff) {
		backoff = float64(p.maxBackoff)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter
	if backoff < 0 {
		backoff = float64(p.initialBackoff)
	}

	return time.Duration(backoff)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
