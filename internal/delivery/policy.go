package delivery

import (
	"context"
	"time"

	"github.com/foxzi/notifysafe/internal/channel"
)

// Policy names
const (
	PolicyOrdered  = "ordered"
	PolicyRetryAll = "retry_all"
)

// Policy decides the order and repetition of channel attempts. It returns
// an error only when the run was canceled or the inbox fallback failed.
type Policy interface {
	Name() string
	Deliver(ctx context.Context, run *Run) error
}

// OrderedFallback tries each channel once, in order, until one succeeds
type OrderedFallback struct{}

// Name returns the policy name
func (OrderedFallback) Name() string { return PolicyOrdered }

// Deliver stops at the first success and falls back to the inbox when
// every channel failed
func (OrderedFallback) Deliver(ctx context.Context, run *Run) error {
	for _, ch := range run.Channels() {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := run.Attempt(ctx, ch)
		if err == nil {
			run.Succeed(ctx, ch)
			return nil
		}
		if isContextError(err) {
			return err
		}
		run.Fail(ch, err)
	}

	return run.Exhaust(ctx)
}

// RetryUntilAllSucceed delivers on every channel, retrying the failed ones
// in rounds with exponential backoff. Once any channel has failed
// MaxAttempts times the message is degraded to the inbox.
type RetryUntilAllSucceed struct {
	MaxAttempts      int
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// NewRetryUntilAllSucceed creates the policy, applying defaults to zero values
func NewRetryUntilAllSucceed(maxAttempts int, retryInterval, maxRetryInterval time.Duration) *RetryUntilAllSucceed {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryInterval < 0 {
		retryInterval = 0
	}
	if maxRetryInterval <= 0 {
		maxRetryInterval = time.Minute
	}
	return &RetryUntilAllSucceed{
		MaxAttempts:      maxAttempts,
		RetryInterval:    retryInterval,
		MaxRetryInterval: maxRetryInterval,
	}
}

// Name returns the policy name
func (p *RetryUntilAllSucceed) Name() string { return PolicyRetryAll }

// Deliver runs rounds over the channels that have not succeeded yet
func (p *RetryUntilAllSucceed) Deliver(ctx context.Context, run *Run) error {
	pending := run.Channels()

	for round := 1; ; round++ {
		var failed []channel.Channel
		exhausted := false

		for _, ch := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}

			err := run.Attempt(ctx, ch)
			if err == nil {
				run.Succeed(ctx, ch)
				continue
			}
			if isContextError(err) {
				return err
			}
			if run.Fail(ch, err) >= p.MaxAttempts {
				exhausted = true
			}
			failed = append(failed, ch)
		}

		if len(failed) == 0 {
			return nil
		}
		if exhausted {
			return run.Exhaust(ctx)
		}

		if err := sleep(ctx, p.backoff(round)); err != nil {
			return err
		}
		pending = failed
	}
}

// backoff returns retry_interval * 2^(round-1), capped at MaxRetryInterval
func (p *RetryUntilAllSucceed) backoff(round int) time.Duration {
	if p.RetryInterval <= 0 {
		return 0
	}
	shift := round - 1
	if shift > 16 {
		shift = 16
	}
	backoff := p.RetryInterval * time.Duration(1<<shift)
	if backoff > p.MaxRetryInterval {
		return p.MaxRetryInterval
	}
	return backoff
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
