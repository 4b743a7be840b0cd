// Package sendretry implements the outbound send-retry policy: retry
// transient send failures with exponential backoff and full jitter,
// honor a platform's Retry-After hint exactly, and smooth outbound
// throughput with a token bucket so bursts of replies don't themselves
// trip the platform's rate limit.
//
// The token-bucket smoothing layer (golang.org/x/time/rate) is a
// distinct concern from internal/ratelimit's exact sliding window: this
// is "don't send faster than N msgs/sec", not "count this as a
// rate-limit bucket observation".
package sendretry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/oakmoss/steerbot/internal/bus"
)

// Policy configures retry and smoothing behavior for one outbound
// transport.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	smoother *rate.Limiter
}

// DefaultPolicy returns sane defaults: 5 attempts, 1s base delay
// capped at 30s, smoothed to 1 send/sec with a burst of 3.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		smoother:    rate.NewLimiter(rate.Limit(1), 3),
	}
}

// WithSmoothing overrides the outbound token-bucket rate.
func (p Policy) WithSmoothing(perSecond float64, burst int) Policy {
	p.smoother = rate.NewLimiter(rate.Limit(perSecond), burst)
	return p
}

// RetryableError is implemented by send errors that know their own
// retry-after hint (e.g. an HTTP 429 response), as opposed to plain
// transient errors that fall back to exponential backoff.
type RetryableError interface {
	error
	Retryable() bool
	RetryAfter() time.Duration // zero means "no explicit hint, use backoff"
}

// SendFunc performs one send attempt.
type SendFunc func(ctx context.Context) error

// Send executes fn, retrying on transient failure per p, smoothing calls
// through the outbound token bucket first. publish (may be nil) receives
// a bus.SendRetryEvent ("retry" or "giveup") for each failed attempt, for
// observability; a successful attempt emits no event.
func Send(ctx context.Context, p Policy, platform, destination string, fn SendFunc, publish func(bus.SendRetryEvent)) error {
	if p.smoother != nil {
		if err := p.smoother.Wait(ctx); err != nil {
			return err
		}
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		isRetryable, retryAfter := classify(err)

		if !isRetryable || attempt == maxAttempts {
			emit(publish, bus.SendRetryEvent{
				Type: "giveup", Platform: platform, Destination: destination,
				Attempt: attempt, MaxAttempts: maxAttempts,
				RetryAfterMs: retryAfter.Milliseconds(),
				Retryable:    isRetryable,
				Error:        err.Error(),
			})
			break
		}

		emit(publish, bus.SendRetryEvent{
			Type: "retry", Platform: platform, Destination: destination,
			Attempt: attempt, MaxAttempts: maxAttempts,
			RetryAfterMs: retryAfter.Milliseconds(),
			Retryable:    isRetryable,
			Error:        err.Error(),
		})

		delay := retryAfter
		if delay <= 0 {
			delay = backoffDelay(p, attempt)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// classify decides whether err is worth retrying. Only errors that
// declare themselves retryable (a platform's rate-limit signal wrapped
// as RetryableError by its channel adapter) or transient connectivity
// timeouts qualify; everything else — auth failures, malformed payloads,
// permanent 4xx — fails fast.
func classify(err error) (retryable bool, retryAfter time.Duration) {
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable(), re.RetryAfter()
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true, 0
	}
	return false, 0
}

// backoffDelay computes exponential backoff with full jitter: a random
// duration in [0, cappedExponentialDelay), so retries from many sessions
// don't all land on the same tick.
func backoffDelay(p Policy, attempt int) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && exp > float64(p.MaxDelay) {
		exp = float64(p.MaxDelay)
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Float64() * exp)
}

func emit(publish func(bus.SendRetryEvent), ev bus.SendRetryEvent) {
	if publish != nil {
		publish(ev)
	}
}
