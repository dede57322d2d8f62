package sched

import (
	"sync/atomic"
	"time"
)

// localScheduler is the per-CPU scheduler of §4.3. Exactly one
// goroutine — the thread it currently holds the baton for — is ever
// "active" on it at a time, so current/retired are plain fields from
// that goroutine's point of view; they are stored behind atomics only
// so diagnostics and the tick source, running on other goroutines, can
// read them without racing.
type localScheduler struct {
	index int
	sch   *Scheduler

	idle *rawThread

	current atomic.Pointer[rawThread]
	retired atomic.Pointer[rawThread]
}

func newLocalScheduler(sch *Scheduler, index int) *localScheduler {
	l := &localScheduler{index: index, sch: sch}
	idle := newRawThread(nextThreadHandle(), 0, PriorityIdle, "idle/"+itoa(index), nil, nil, nil)
	idle.runningOn.Store(l)
	l.idle = idle
	l.current.Store(idle)
	sch.pool.add(idle)

	go idle.bootTrampoline(sch, l.runIdle)
	// Kick off this CPU's idle thread: there is no prior thread to
	// switch away from at boot, so the initial baton hand-off happens
	// directly rather than through switchContext.
	idle.bat.resume <- struct{}{}
	return l
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// bootTrampoline realizes §9's first-entry trampoline: a brand new
// thread's dedicated goroutine blocks until some local scheduler hands
// it the baton for the first time, performs the same post-switch
// bookkeeping any later resumption performs, and then invokes body —
// either the thread's own entry function (for ordinary threads) or the
// CPU's idle loop (for a CPU's idle thread, which has no start func).
func (t *rawThread) bootTrampoline(sch *Scheduler, idleBody func()) {
	<-t.bat.resume
	finishSwitch(sch, t)
	if idleBody != nil {
		idleBody()
		return
	}
	if t.start != nil {
		ctx := &ThreadContext{sch: sch, handle: t.handle}
		t.start(ctx, t.arg)
	}
	sch.exitThread(t.handle)
}

// finishSwitch is the bookkeeping a thread's own goroutine must run
// immediately upon regaining control, whether from its very first
// dispatch or any later resumption (§4.3 step 6): clear AWAKE/ASLEEP,
// reset the running-time measurement point, and retire whatever
// thread the dispatching CPU just switched away from. The dispatching
// CPU may differ from whichever one last ran this thread, since
// dispatch is global — that CPU is read back off t.runningOn, which
// the dispatcher set just before sending the baton.
func finishSwitch(sch *Scheduler, t *rawThread) {
	t.attribute.Remove(attrAwake | attrAsleep)
	t.measure.Store(sch.nowTicks())

	l := t.runningOn.Load()
	retired := l.retired.Swap(nil)
	if retired != nil {
		sch.retire(retired)
	}
}

// switchContext is the local scheduler's context_switch primitive
// (§4.3): account the outgoing thread's running time, ask the global
// scheduler for the next thread to run on this CPU, and — if it
// differs from the one already running — hand it the baton and park
// the outgoing thread on its own.
//
// l must be the local scheduler of the CPU the calling goroutine is
// currently dispatched on (i.e. current.runningOn.Load() == l); it is
// always called from that thread's own goroutine.
func (l *localScheduler) switchContext() {
	current := l.current.Load()
	current.accountRunning(l.sch.nowTicks())

	next := l.sch.next(l.index)
	if next == nil {
		next = l.idle
	}
	if next.handle == current.handle {
		return
	}

	l.retired.Store(current)
	l.current.Store(next)
	next.runningOn.Store(l)

	next.bat.resume <- struct{}{}
	<-current.bat.resume

	finishSwitch(l.sch, current)
}

// runIdle is a CPU's idle thread body (§4.2's "enable interrupts;
// halt" loop, hosted): repeatedly give the global scheduler a chance
// to hand this CPU real work, and back off briefly when it has none,
// standing in for the halted-CPU's wait for the next timer interrupt.
func (l *localScheduler) runIdle() {
	for {
		l.switchContext()
		if l.current.Load().isIdle() {
			time.Sleep(idleHaltInterval)
		}
	}
}

const idleHaltInterval = time.Millisecond
