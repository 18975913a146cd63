package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Interval: 100 * time.Millisecond, Multiplier: 2, MaxInterval: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 350*time.Millisecond, p.Delay(3))
	assert.Equal(t, 350*time.Millisecond, p.Delay(10))

	constant := Policy{Interval: time.Second}
	assert.Equal(t, time.Second, constant.Delay(5))
}

func TestPolicyDelayUncappedGrowthSaturates(t *testing.T) {
	p := Policy{Interval: 5 * time.Second, Multiplier: 2}
	prev := p.Delay(1)
	for attempt := 2; attempt <= 80; attempt++ {
		d := p.Delay(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(40))
}

func TestUntilSucceeds(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Policy{MaxAttempts: 5}, func(context.Context, int) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUntilExhausted(t *testing.T) {
	calls := 0
	err := Until(context.Background(), Policy{MaxAttempts: 4, Interval: time.Millisecond}, func(context.Context, int) (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, calls)
}

func TestUntilStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Until(context.Background(), Policy{MaxAttempts: 4}, func(context.Context, int) (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestUntilHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Until(ctx, Policy{MaxAttempts: 100, Interval: time.Hour}, func(context.Context, int) (bool, error) {
		cancel()
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoRetriesTransient(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(err error) bool {
		return errors.Is(err, transient)
	}, func(context.Context) error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(err error) bool {
		return false
	}, func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2}, nil, func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	assert.EqualError(t, err, "still down")
	assert.Equal(t, 2, calls)
}
