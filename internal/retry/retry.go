// Package retry implements the policy-driven retry loop described as
// component I: a caller classifies each failure as Continue/Break/Throw and
// the engine owns delay, jitter and exhaustion.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

// Decision is returned by a caller's ShouldRetry callback.
type Decision int

const (
	// Continue retries after the policy's delay for this attempt.
	Continue Decision = iota
	// Break stops retrying without an error, signalling the caller to
	// take an alternate branch (e.g. the managed-streaming fallback to
	// queued ingestion).
	Break
	// Throw stops retrying and propagates the error immediately.
	Throw
)

// Policy exposes the delay schedule the engine drives attempts with.
type Policy interface {
	// Delay returns the wait before the given 1-based attempt number.
	Delay(attempt int) time.Duration
	// MaxAttempts returns the number of attempts the policy allows.
	MaxAttempts() int
}

// simplePolicy is an exponential-backoff policy with full jitter, built on
// top of backoff.ExponentialBackOff the way the teacher's managed_test.go
// constructs one directly for its tests.
type simplePolicy struct {
	maxAttempts int
	base        *backoff.ExponentialBackOff
	maxDelay    time.Duration
	rnd         *rand.Rand
}

// SimpleRetryPolicy builds an exponential-backoff-with-full-jitter policy.
// The delay after attempt n is drawn uniformly from [0, baseDelay*2^(n-1)],
// the upper bound capped at maxDelay.
func SimpleRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) Policy {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = baseDelay
	eb.MaxInterval = maxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0 // jitter applied ourselves, full-jitter style, per spec §4.J
	eb.Reset()

	return &simplePolicy{
		maxAttempts: maxAttempts,
		base:        eb,
		maxDelay:    maxDelay,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *simplePolicy) MaxAttempts() int { return p.maxAttempts }

func (p *simplePolicy) Delay(attempt int) time.Duration {
	base := time.Duration(1) << uint(attempt-1) * p.base.InitialInterval
	if base > p.maxDelay || base < 0 {
		base = p.maxDelay
	}
	return time.Duration(p.rnd.Int63n(int64(base) + 1))
}

// customPolicy replays a fixed sequence of delays, optionally adding
// independent [0, jitterCeiling) jitter to each attempt.
type customPolicy struct {
	delays        []time.Duration
	jitterCeiling time.Duration
	rnd           *rand.Rand
}

// CustomRetryPolicy returns a Policy that uses a fixed delay sequence
// verbatim, with no jitter. MaxAttempts is len(delays); Delay reuses the last
// entry for attempt numbers beyond len(delays).
func CustomRetryPolicy(delays []time.Duration) Policy {
	return &customPolicy{delays: delays}
}

// JitteredCustomRetryPolicy is CustomRetryPolicy with each attempt's delay
// independently jittered by up to 1 second, per spec §4.J's default retry
// schedule (1s+jitter, 2s+jitter, 4s+jitter).
func JitteredCustomRetryPolicy(delays []time.Duration) Policy {
	return &customPolicy{delays: delays, jitterCeiling: time.Second, rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *customPolicy) MaxAttempts() int { return len(p.delays) }

func (p *customPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.delays) {
		idx = len(p.delays) - 1
	}
	d := p.delays[idx]
	if p.jitterCeiling > 0 {
		d += time.Duration(p.rnd.Int63n(int64(p.jitterCeiling)))
	}
	return d
}

// Classifier inspects the error from an attempt and decides what the engine
// should do next.
type Classifier func(attempt int, err *ingesterrors.Error) Decision

// OnRetry is invoked after a Continue decision, before the delay sleep; it
// is the hook the managed-streaming dispatcher uses to reset a restartable
// stream before retrying.
type OnRetry func(attempt int, err *ingesterrors.Error)

// Action performs one attempt. A nil error is success.
type Action func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error)

// Run drives Action under Policy until success, exhaustion, Break or Throw.
//
// On Break, Run returns (nil, nil, true) — callers distinguish "took the
// alternate branch" from "succeeded with a nil result" via the third return
// value.
func Run(ctx context.Context, policy Policy, action Action, shouldRetry Classifier, onRetry OnRetry, throwOnExhausted bool) (result interface{}, err *ingesterrors.Error, broke bool) {
	var lastErr *ingesterrors.Error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, ingesterrors.E(ingesterrors.OpUnknown, ingesterrors.KindNetwork, err).SetTransient(), false
		}

		res, actErr := action(ctx, attempt)
		if actErr == nil {
			return res, nil, false
		}
		lastErr = actErr

		decision := shouldRetry(attempt, actErr)
		switch decision {
		case Break:
			return nil, nil, true
		case Throw:
			return nil, actErr, false
		case Continue:
			if onRetry != nil {
				onRetry(attempt, actErr)
			}
			if attempt >= policy.MaxAttempts() {
				if throwOnExhausted {
					return nil, lastErr, false
				}
				return nil, nil, false
			}
			if err := sleep(ctx, policy.Delay(attempt)); err != nil {
				return nil, ingesterrors.E(ingesterrors.OpUnknown, ingesterrors.KindNetwork, err).SetTransient(), false
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
