package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careflowhq/careflow/types"
)

func newInstantRetryer() *Retryer {
	r := NewRetryer(DefaultRetryConfig(), nil)
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	r := newInstantRetryer()

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryBudgetBySeverity(t *testing.T) {
	tests := []struct {
		severity types.Severity
		want     int
	}{
		{types.SeverityTransient, 5},
		{types.SeverityPersistent, 3},
		{types.SeverityCritical, 1},
	}
	for _, tt := range tests {
		t.Run(tt.severity.String(), func(t *testing.T) {
			r := newInstantRetryer()
			calls := 0
			err := r.Do(context.Background(), func(ctx context.Context) error {
				calls++
				return types.NewError(types.ErrStepFailed, "fails forever").
					WithSeverity(tt.severity)
			})
			require.Error(t, err)
			assert.Equal(t, tt.want, calls)

			var fe *types.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, types.ErrRecoveryExhausted, fe.Code)
			assert.Equal(t, tt.severity, fe.Severity)
		})
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		// No jitter so delays are exact.
	}
	r := NewRetryer(cfg, nil)

	assert.Equal(t, 100*time.Millisecond, r.Delay(0))
	assert.Equal(t, 200*time.Millisecond, r.Delay(1))
	assert.Equal(t, 400*time.Millisecond, r.Delay(2))
	assert.Equal(t, time.Second, r.Delay(5), "delay must cap at MaxDelay")
}

func TestRetryJitterStaysInBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.2,
	}
	r := NewRetryer(cfg, nil)

	for i := 0; i < 100; i++ {
		d := r.Delay(1) // nominal 200ms
		assert.GreaterOrEqual(t, d, 160*time.Millisecond)
		assert.LessOrEqual(t, d, 240*time.Millisecond)
	}
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	r := NewRetryer(DefaultRetryConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPlainErrorsRetryAsTransient(t *testing.T) {
	r := newInstantRetryer()
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("untyped")
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls, "untyped errors get the transient budget")
}
