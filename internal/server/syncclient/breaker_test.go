package syncclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBreakerAt(threshold int, cooldown time.Duration, start time.Time) (*Breaker, *time.Time) {
	b := NewBreaker(threshold, cooldown)
	now := start
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b, _ := newBreakerAt(5, time.Minute, start)

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
		require.Equal(t, StateClosed, b.CurrentState(), "failure %d must not open", i+1)
	}

	require.True(t, b.Allow())
	require.Equal(t, StateOpen, b.RecordFailure())
	require.False(t, b.Allow(), "open breaker must fail fast")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b, _ := newBreakerAt(3, time.Minute, start)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.CurrentState())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b, now := newBreakerAt(1, time.Minute, start)

	b.Allow()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.CurrentState())

	// Before cooldown: still failing fast.
	*now = start.Add(30 * time.Second)
	require.False(t, b.Allow())

	// After cooldown: exactly one trial is admitted.
	*now = start.Add(61 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.CurrentState())
	require.False(t, b.Allow(), "second concurrent trial must be rejected")
}

func TestBreaker_TrialSuccessCloses(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b, now := newBreakerAt(1, time.Minute, start)

	b.Allow()
	b.RecordFailure()
	*now = start.Add(2 * time.Minute)
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.CurrentState())
	require.True(t, b.Allow())
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b, now := newBreakerAt(1, time.Minute, start)

	b.Allow()
	b.RecordFailure()
	*now = start.Add(2 * time.Minute)
	require.True(t, b.Allow())
	require.Equal(t, StateOpen, b.RecordFailure())
	require.False(t, b.Allow())

	// The cooldown restarts from the reopen.
	*now = start.Add(2*time.Minute + 59*time.Second)
	require.False(t, b.Allow())
	*now = start.Add(3*time.Minute + time.Second)
	require.True(t, b.Allow())
}
