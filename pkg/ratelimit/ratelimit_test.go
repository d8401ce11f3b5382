package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowCapacity(t *testing.T) {
	w := NewSlidingWindow(5, time.Second)
	now := time.Now()

	for i := 0; i < 5; i++ {
		d := w.TryAdmit(now)
		require.True(t, d.Allowed)
	}

	denied := w.TryAdmit(now)
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
}

func TestSlidingWindowExpiresOldEntries(t *testing.T) {
	w := NewSlidingWindow(1, 100*time.Millisecond)
	now := time.Now()
	require.True(t, w.TryAdmit(now).Allowed)
	assert.False(t, w.TryAdmit(now).Allowed)
	assert.True(t, w.TryAdmit(now.Add(200*time.Millisecond)).Allowed)
}

func TestPeriodBudgetResetsOnNextPeriod(t *testing.T) {
	b := NewPeriodBudget(100, time.Minute)
	now := time.Now()

	d := b.TryConsume(now, 60)
	require.True(t, d.Allowed)
	assert.Equal(t, int64(60), d.Used)

	denied := b.TryConsume(now, 50)
	assert.False(t, denied.Allowed)

	reset := b.TryConsume(now.Add(2*time.Minute), 10)
	assert.True(t, reset.Allowed)
	assert.Equal(t, int64(10), reset.Used)
}

func TestBlocklistNeverExpiresWithZeroExpiry(t *testing.T) {
	bl := NewBlocklist()
	now := time.Now()
	bl.Block("1.2.3.4", "permanent", time.Time{})

	_, blocked := bl.IsBlocked("1.2.3.4", now.Add(365*24*time.Hour))
	assert.True(t, blocked)
}

func TestBlocklistCleanupRemovesExpired(t *testing.T) {
	bl := NewBlocklist()
	now := time.Now()
	bl.Block("5.6.7.8", "temp", now.Add(time.Second))

	removed := bl.Cleanup(now.Add(2 * time.Second))
	assert.Equal(t, 1, removed)
	_, blocked := bl.IsBlocked("5.6.7.8", now.Add(2*time.Second))
	assert.False(t, blocked)
}

func TestReputationGoodIffAboveThreshold(t *testing.T) {
	rep := NewReputation(-15)
	now := time.Now()

	assert.True(t, rep.HasGoodReputation("9.9.9.9"))

	rep.RecordViolation("9.9.9.9", ViolationMalformed, now)
	assert.True(t, rep.HasGoodReputation("9.9.9.9"))

	rep.RecordViolation("9.9.9.9", ViolationMalformed, now)
	assert.False(t, rep.HasGoodReputation("9.9.9.9"))
}

func TestHandshakeWatchdogTimesOutSlowLoris(t *testing.T) {
	hw := NewHandshakeWatchdog(time.Second)
	now := time.Now()
	hw.Begin("3.3.3.3", now)

	assert.Empty(t, hw.CleanupTimedOut(now.Add(500*time.Millisecond)))
	timedOut := hw.CleanupTimedOut(now.Add(2 * time.Second))
	assert.Equal(t, []string{"3.3.3.3"}, timedOut)
}
