package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries transient failures after a fixed delay chosen by the
// failure class. Non-retryable failures return immediately.
type RetryPolicy struct {
	TimeoutDelay   time.Duration
	ServerDelay    time.Duration
	RateLimitDelay time.Duration

	// MaxAttempts bounds the total calls, including the first. 0 retries
	// until the context ends.
	MaxAttempts int

	Clock clock.Clock

	// OnRetry is called before each sleep (optional).
	OnRetry func(err *Error, wait time.Duration)
}

// DefaultRetryPolicy waits 30s after timeouts and 5xx and 90s after 429.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		TimeoutDelay:   30 * time.Second,
		ServerDelay:    30 * time.Second,
		RateLimitDelay: 90 * time.Second,
		MaxAttempts:    10,
	}
}

// Delay returns the wait after a failure of class c.
func (p RetryPolicy) Delay(c Class) time.Duration {
	switch c {
	case ClassRateLimit:
		return p.RateLimitDelay
	case ClassServer:
		return p.ServerDelay
	}
	return p.TimeoutDelay
}

// classBackOff yields the fixed delay of the last failure's class.
type classBackOff struct {
	policy   RetryPolicy
	last     *Error
	attempts int
}

func (b *classBackOff) Reset() { b.attempts = 0 }

func (b *classBackOff) NextBackOff() time.Duration {
	b.attempts++
	if b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts {
		return backoff.Stop
	}
	if b.last == nil {
		return b.policy.TimeoutDelay
	}
	return b.policy.Delay(b.last.Class)
}

// clockTimer adapts a clock.Clock to backoff.Timer.
type clockTimer struct {
	clk   clock.Clock
	timer *clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clk.Timer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.C }

// NewClockTimer returns a backoff.Timer driven by clk.
func NewClockTimer(clk clock.Clock) backoff.Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &clockTimer{clk: clk}
}

// Do runs op until it succeeds, fails permanently, exhausts MaxAttempts or
// ctx ends. The returned error is op's last error, or ctx.Err().
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	b := &classBackOff{policy: p}

	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var xe *Error
		if !errors.As(err, &xe) || !xe.Retryable() {
			return backoff.Permanent(err)
		}
		b.last = xe
		return err
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry == nil {
			return
		}
		var xe *Error
		if errors.As(err, &xe) {
			p.OnRetry(xe, wait)
		}
	}
	return backoff.RetryNotifyWithTimer(attempt, backoff.WithContext(b, ctx), notify, NewClockTimer(clk))
}
