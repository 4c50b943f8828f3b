package expiry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func TestSchedule_FiresAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)

	var fired atomic.Int32
	s.Schedule(1, time.Minute, func() { fired.Add(1) })
	waitForTimers(t, clock, 1)
	assert.True(t, s.Pending(1))

	clock.Advance(59 * time.Second)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !s.Pending(1) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Len())
}

func TestSchedule_ReplacesExistingTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)

	var first, second atomic.Int32
	s.Schedule(7, time.Minute, func() { first.Add(1) })
	s.Schedule(7, 2*time.Minute, func() { second.Add(1) })
	assert.Equal(t, 1, s.Len())

	deadline, ok := s.Deadline(7)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(2*time.Minute), deadline)

	clock.Advance(90 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.True(t, s.Pending(7))

	clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestCancel_IsIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)

	var fired atomic.Int32
	s.Schedule(3, time.Second, func() { fired.Add(1) })

	assert.True(t, s.Cancel(3))
	assert.False(t, s.Cancel(3))
	assert.False(t, s.Cancel(99))

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, s.Len())
}

func TestSchedule_NonPositiveDelayFiresImmediately(t *testing.T) {
	s := NewScheduler(clockwork.NewFakeClock())

	var fired atomic.Int32
	s.Schedule(5, 0, func() { fired.Add(1) })
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStaleFiringDoesNotRemoveReplacement(t *testing.T) {
	s := NewScheduler(clockwork.NewFakeClock())

	s.Schedule(11, time.Minute, func() {})
	s.mu.Lock()
	staleGen := s.timers[11].gen
	s.mu.Unlock()

	s.Schedule(11, time.Hour, func() {})
	assert.False(t, s.release(11, staleGen))
	assert.True(t, s.Pending(11))
}

func TestStop_CancelsEverything(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(clock)

	var fired atomic.Int32
	for id := uint(1); id <= 3; id++ {
		s.Schedule(id, time.Minute, func() { fired.Add(1) })
	}
	s.Stop()
	assert.Equal(t, 0, s.Len())

	s.Schedule(4, time.Minute, func() { fired.Add(1) })
	assert.Equal(t, 0, s.Len())

	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}
