package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestTimerUntilAndJust(t *testing.T) {
	clock := clockz.NewFakeClock()
	just := justTimer()
	assert.False(t, just.until(clock), "a just timer must report its deadline already passed")

	future := newTimer(clock, time.Second)
	assert.True(t, future.until(clock))
	clock.Advance(2 * time.Second)
	clock.BlockUntilReady()
	assert.False(t, future.until(clock))
}

func TestSortTimerEventsOrdersByDeadline(t *testing.T) {
	clock := clockz.NewFakeClock()
	e1 := OneShotTimerEvent(1, clock, 30*time.Millisecond)
	e2 := OneShotTimerEvent(2, clock, 10*time.Millisecond)
	e3 := OneShotTimerEvent(3, clock, 20*time.Millisecond)

	events := []TimerEvent{e1, e2, e3}
	sortTimerEvents(events)

	require.Len(t, events, 3)
	assert.Equal(t, ThreadHandle(2), events[0].oneShot)
	assert.Equal(t, ThreadHandle(3), events[1].oneShot)
	assert.Equal(t, ThreadHandle(1), events[2].oneShot)
}

type recordingNotifier struct {
	calls    int
	windowID uint64
	timerID  uint64
}

func (r *recordingNotifier) NotifyTimer(windowID, timerID uint64) {
	r.calls++
	r.windowID = windowID
	r.timerID = timerID
}

func TestWindowTimerEventFiresNotifierOnce(t *testing.T) {
	clock := clockz.NewFakeClock()
	notifier := &recordingNotifier{}
	ev := WindowTimerEvent(notifier, 7, 9, clock, time.Millisecond)

	ev.fire(&Scheduler{})

	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, uint64(7), notifier.windowID)
	assert.Equal(t, uint64(9), notifier.timerID)
}

func TestOneShotTimerEventFireWakesThread(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	th := newRawThread(nextThreadHandle(), 0, PriorityNormal, "sleeper", nil, nil, nil)
	sch.pool.add(th)
	th.attribute.Insert(attrAsleep)
	th.attribute.Insert(attrQueued) // QUEUED already set, so wake's enqueue leaves AWAKE in place instead of pushing and clearing it

	ev := OneShotTimerEvent(th.handle, sch.clock, time.Millisecond)
	ev.fire(sch)

	assert.True(t, th.attribute.Contains(attrAwake), "firing a one-shot timer event must wake its target thread")
}
