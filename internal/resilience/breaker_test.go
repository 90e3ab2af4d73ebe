package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failing(ctx context.Context) error { return eris.New("downstream failure") }

func succeeding(ctx context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(ctx, failing))
	}
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	require.NoError(t, b.Execute(ctx, succeeding))
	require.Error(t, b.Execute(ctx, failing))
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, b.Execute(ctx, failing))
	now = now.Add(11 * time.Second)
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerTripsFilter(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		Trips:            Transient,
	})
	ctx := context.Background()

	// Permanent errors do not trip the breaker.
	require.Error(t, b.Execute(ctx, failing))
	assert.Equal(t, BreakerClosed, b.State())

	require.Error(t, b.Execute(ctx, func(ctx context.Context) error {
		return MarkTransient(eris.New("overloaded"), 503)
	}))
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerValPassesValue(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	val, err := BreakerVal(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	require.Error(t, b.Execute(context.Background(), failing))
	assert.Equal(t, []string{"closed->open"}, transitions)
}
