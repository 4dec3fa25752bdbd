package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *fakeTime) {
	ft := &fakeTime{now: time.Unix(1_700_000_000, 0)}
	l := New(cfg)
	l.now = ft.Now
	l.sleep = ft.Sleep
	return l, ft
}

type fakeTime struct {
	now    time.Time
	slept  []time.Duration
	asleep time.Duration
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(d time.Duration) {
	f.slept = append(f.slept, d)
	f.asleep += d
	f.now = f.now.Add(d)
}

func TestWaitIfNeededFirstCallNeverWaits(t *testing.T) {
	t.Parallel()

	l, ft := newTestLimiter(Config{Interval: 3 * time.Second})
	require.Zero(t, l.WaitIfNeeded())
	require.Empty(t, ft.slept)
}

func TestWaitIfNeededEnforcesInterval(t *testing.T) {
	t.Parallel()

	l, ft := newTestLimiter(Config{Interval: 3 * time.Second})
	l.WaitIfNeeded()

	// One second passes between calls; the limiter owes two more.
	ft.now = ft.now.Add(time.Second)
	wait := l.WaitIfNeeded()
	require.Equal(t, 2*time.Second, wait)
	require.Equal(t, []time.Duration{2 * time.Second}, ft.slept)

	// A gap longer than the interval means no wait at all.
	ft.now = ft.now.Add(10 * time.Second)
	require.Zero(t, l.WaitIfNeeded())
}

func TestRecordFailureMonotonicUntilCap(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Interval:      time.Second,
		BackoffFactor: 1,
		MaxBackoff:    60 * time.Second,
	})

	prev := time.Duration(-1)
	for i := 0; i < 12; i++ {
		d := l.RecordFailure(0)
		require.GreaterOrEqual(t, d, prev, "delay decreased at failure %d", i+1)
		require.LessOrEqual(t, d, 60*time.Second)
		prev = d
	}
	require.Equal(t, 60*time.Second, prev)
}

func TestRecordFailureBackoffSequence(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Interval:      time.Second,
		BackoffFactor: 2,
		MaxBackoff:    time.Hour,
	})

	require.Equal(t, 2*time.Second, l.RecordFailure(0))
	require.Equal(t, 4*time.Second, l.RecordFailure(0))
	require.Equal(t, 8*time.Second, l.RecordFailure(0))

	l.ResetFailures()
	require.Equal(t, 2*time.Second, l.RecordFailure(0))
}

func TestRecordFailureThrottleMultiplier(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{
		Interval:      time.Second,
		BackoffFactor: 1,
		MaxBackoff:    time.Hour,
	})
	require.Equal(t, 2*time.Second, l.RecordFailure(http.StatusTooManyRequests))

	l.ResetFailures()
	require.Equal(t, 2*time.Second, l.RecordFailure(http.StatusServiceUnavailable))

	l.ResetFailures()
	require.Equal(t, time.Second, l.RecordFailure(http.StatusBadGateway))
}

func TestResetFailuresZeroesCounter(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(Config{Interval: time.Second, BackoffFactor: 1, MaxBackoff: time.Hour})
	l.RecordFailure(0)
	l.RecordFailure(0)
	require.Equal(t, 2, l.Failures())
	l.ResetFailures()
	require.Zero(t, l.Failures())
}
