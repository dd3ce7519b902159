package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FiresOnceAfterDelay(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Shutdown()

	var fired atomic.Int32
	s.After(10*time.Second, "fire-once", func() { fired.Add(1) })
	clock.BlockUntil(1)

	clock.Advance(9 * time.Second)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(1 * time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	// No refire on further advances.
	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestScheduler_CancelBeforeFire(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Shutdown()

	var fired atomic.Int32
	task := s.After(10*time.Second, "cancelled", func() { fired.Add(1) })
	clock.BlockUntil(1)

	s.Cancel(task)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduler_CancelAfterFireIsNoop(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)
	defer s.Shutdown()

	var fired atomic.Int32
	task := s.After(time.Second, "already-fired", func() { fired.Add(1) })
	clock.BlockUntil(1)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	s.Cancel(task)
	s.Cancel(task) // double cancel is fine too
	assert.Equal(t, int32(1), fired.Load())

	s.Cancel(nil)
}

func TestScheduler_SlowTaskDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	release := make(chan struct{})
	var fastFired atomic.Int32

	s.After(time.Second, "slow", func() { <-release })
	s.After(2*time.Second, "fast", func() { fastFired.Add(1) })
	clock.BlockUntil(2)

	clock.Advance(2 * time.Second)

	// The fast task must fire while the slow one is still blocked.
	require.Eventually(t, func() bool { return fastFired.Load() == 1 }, time.Second, time.Millisecond)

	close(release)
	s.Shutdown()
}

func TestScheduler_ShutdownCancelsPending(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	s := New(clock)

	var fired atomic.Int32
	for i := 0; i < 5; i++ {
		s.After(time.Hour, "pending", func() { fired.Add(1) })
	}
	require.Equal(t, 5, s.Pending())

	s.Shutdown()
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, int32(0), fired.Load())

	// After shutdown, new tasks are dropped.
	assert.Nil(t, s.After(time.Second, "late", func() { fired.Add(1) }))
}
