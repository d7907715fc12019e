package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/kusto-ingest-client/ingesterrors"
)

func fastPolicy(maxAttempts int) Policy {
	return SimpleRetryPolicy(maxAttempts, time.Millisecond, 10*time.Millisecond)
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	res, err, broke := Run(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		calls++
		return "ok", nil
	}, func(attempt int, err *ingesterrors.Error) Decision {
		t.Fatal("shouldRetry should not be called on success")
		return Throw
	}, nil, true)

	require.Nil(t, err)
	require.False(t, broke)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	calls := 0
	res, err, broke := Run(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		calls++
		if calls < 3 {
			return nil, ingesterrors.E(ingesterrors.OpStreamingSubmit, ingesterrors.KindThrottled, assertErr()).SetTransient()
		}
		return "ok", nil
	}, func(attempt int, err *ingesterrors.Error) Decision {
		return Continue
	}, nil, true)

	require.Nil(t, err)
	require.False(t, broke)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 3, calls)
}

func TestRunThrowPropagatesImmediately(t *testing.T) {
	calls := 0
	_, err, broke := Run(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		calls++
		return nil, ingesterrors.E(ingesterrors.OpStreamingSubmit, ingesterrors.KindIngestSubmit, assertErr()).SetPermanent()
	}, func(attempt int, err *ingesterrors.Error) Decision {
		return Throw
	}, nil, true)

	require.NotNil(t, err)
	require.False(t, broke)
	assert.Equal(t, 1, calls)
}

func TestRunBreakSignalsAlternateBranch(t *testing.T) {
	_, err, broke := Run(context.Background(), fastPolicy(5), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		return nil, ingesterrors.E(ingesterrors.OpStreamingSubmit, ingesterrors.KindServiceOff, assertErr()).SetPermanent()
	}, func(attempt int, err *ingesterrors.Error) Decision {
		return Break
	}, nil, true)

	require.Nil(t, err)
	require.True(t, broke)
}

func TestRunExhaustionThrowsWhenConfigured(t *testing.T) {
	calls := 0
	_, err, broke := Run(context.Background(), fastPolicy(3), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		calls++
		return nil, ingesterrors.E(ingesterrors.OpStreamingSubmit, ingesterrors.KindThrottled, assertErr()).SetTransient()
	}, func(attempt int, err *ingesterrors.Error) Decision {
		return Continue
	}, nil, true)

	require.NotNil(t, err)
	require.False(t, broke)
	assert.Equal(t, 3, calls)
}

func TestRunExhaustionReturnsNilWhenNotThrowing(t *testing.T) {
	_, err, broke := Run(context.Background(), fastPolicy(2), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		return nil, ingesterrors.E(ingesterrors.OpStreamingSubmit, ingesterrors.KindThrottled, assertErr()).SetTransient()
	}, func(attempt int, err *ingesterrors.Error) Decision {
		return Continue
	}, nil, false)

	require.Nil(t, err)
	require.False(t, broke)
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err, broke := Run(ctx, fastPolicy(3), func(ctx context.Context, attempt int) (interface{}, *ingesterrors.Error) {
		t.Fatal("action should not run after cancellation")
		return nil, nil
	}, nil, nil, true)

	require.NotNil(t, err)
	require.False(t, broke)
}

func TestCustomRetryPolicyFixedDelays(t *testing.T) {
	p := CustomRetryPolicy([]time.Duration{time.Second, 2 * time.Second})
	assert.Equal(t, 2, p.MaxAttempts())
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(5))
}

func TestJitteredCustomRetryPolicyAddsJitterPerAttempt(t *testing.T) {
	p := JitteredCustomRetryPolicy([]time.Duration{time.Second, 2 * time.Second})
	assert.Equal(t, 2, p.MaxAttempts())

	d1 := p.Delay(1)
	assert.GreaterOrEqual(t, d1, time.Second)
	assert.Less(t, d1, 2*time.Second)

	d2 := p.Delay(2)
	assert.GreaterOrEqual(t, d2, 2*time.Second)
	assert.Less(t, d2, 3*time.Second)

	d5 := p.Delay(5)
	assert.GreaterOrEqual(t, d5, 2*time.Second)
	assert.Less(t, d5, 3*time.Second)
}

func assertErr() error {
	return context.DeadlineExceeded
}
