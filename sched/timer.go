package sched

import (
	"time"

	"github.com/zoobzio/clockz"
)

// timer holds an opaque deadline. The zero value is "just" — already
// expired (§3).
type timer struct {
	deadline time.Time
	just     bool
}

func justTimer() timer {
	return timer{just: true}
}

func newTimer(clock clockz.Clock, d time.Duration) timer {
	if d <= 0 {
		return justTimer()
	}
	return timer{deadline: clock.Now().Add(d)}
}

// until reports whether the deadline has not yet passed.
func (t timer) until(clock clockz.Clock) bool {
	if t.just {
		return false
	}
	return clock.Now().Before(t.deadline)
}

// timerType selects what fires when a timer event's deadline passes.
type timerType int

const (
	timerOneShot timerType = iota
	timerWindow
)

// WindowNotifier receives a posted timer id when a Window timer event
// fires (§4.4). It is the out-of-scope window-manager collaborator's
// narrow surface, dependency-injected by whatever owns window
// handles; kcore never constructs one itself.
type WindowNotifier interface {
	NotifyTimer(windowID uint64, timerID uint64)
}

// TimerEvent pairs a deadline with the action to take when it passes
// (§3, §4.4): wake a thread, or post a message to a window.
type TimerEvent struct {
	t          timer
	kind       timerType
	oneShot    ThreadHandle
	windowID   uint64
	windowTmID uint64
	notifier   WindowNotifier
}

// OneShotTimerEvent builds an event that wakes handle when duration
// elapses.
func OneShotTimerEvent(handle ThreadHandle, clock clockz.Clock, d time.Duration) TimerEvent {
	return TimerEvent{t: newTimer(clock, d), kind: timerOneShot, oneShot: handle}
}

// WindowTimerEvent builds an event that posts timerID to a window via
// notifier when duration elapses.
func WindowTimerEvent(notifier WindowNotifier, windowID, timerID uint64, clock clockz.Clock, d time.Duration) TimerEvent {
	return TimerEvent{t: newTimer(clock, d), kind: timerWindow, windowID: windowID, windowTmID: timerID, notifier: notifier}
}

func (e TimerEvent) until(clock clockz.Clock) bool { return e.t.until(clock) }

// deadlineNanos orders events for the timer thread's sort step. A
// "just" timer sorts before every real deadline, since time.Time's
// zero value already precedes any wall-clock instant the scheduler
// will ever observe.
func (e TimerEvent) deadlineNanos() int64 { return e.t.deadline.UnixNano() }

// fire performs the event's action. Called at most once, on or after
// the deadline (§8 property 7).
func (e TimerEvent) fire(sch *Scheduler) {
	switch e.kind {
	case timerOneShot:
		sch.wake(e.oneShot)
	case timerWindow:
		if e.notifier != nil {
			e.notifier.NotifyTimer(e.windowID, e.windowTmID)
		}
	}
}
