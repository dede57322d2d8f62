package sched

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cobaltkernel/kcore/internal/ring"
)

const semaphoreWaitQueueCapacity = 256

// Semaphore is a counting semaphore built on a wait-queue of thread
// handles (§4.5): signal increments; wait decrements if positive, else
// records the caller as a waiter and blocks via the scheduler. Signal
// wakes exactly one waiter.
type Semaphore struct {
	count   atomic.Int64
	waiters *ring.Queue[ThreadHandle]
}

// NewSemaphore returns a semaphore initialised to value, with the
// default wait-queue capacity.
func NewSemaphore(value int64) *Semaphore {
	return NewSemaphoreSized(value, semaphoreWaitQueueCapacity)
}

// NewSemaphoreSized is NewSemaphore with an explicit wait-queue
// capacity, used for the scheduler's own internal semaphores where
// Config names a capacity.
func NewSemaphoreSized(value int64, capacity int) *Semaphore {
	s := &Semaphore{waiters: ring.New[ThreadHandle](capacity)}
	s.count.Store(value)
	return s
}

// Signal increments the semaphore, waking one waiter if any is
// queued.
func (s *Semaphore) Signal(sch *Scheduler) {
	for {
		c := s.count.Load()
		if c < 0 {
			// There is at least one queued waiter; hand the signal
			// straight to it instead of growing the count. A waiter
			// decrements the count before pushing its handle, so keep
			// polling until that handle is visible.
			if s.count.CompareAndSwap(c, c+1) {
				for {
					if h, ok := s.waiters.Pop(); ok {
						sch.wake(h)
						return
					}
					runtime.Gosched()
				}
			}
			continue
		}
		if s.count.CompareAndSwap(c, c+1) {
			return
		}
	}
}

// Wait decrements the semaphore if positive, else blocks the calling
// thread (via the scheduler) until a matching Signal. self is the
// calling thread's own handle.
func (s *Semaphore) Wait(sch *Scheduler, self ThreadHandle) {
	for {
		c := s.count.Load()
		if c > 0 {
			if s.count.CompareAndSwap(c, c-1) {
				return
			}
			continue
		}
		if s.count.CompareAndSwap(c, c-1) {
			break
		}
	}
	for !s.waiters.Push(self) {
		sch.YieldThread(self)
	}
	sch.parkAsleep(self)
}

// SignallingObject is a single-slot atomic "parking spot" used by
// wait_for: Set CASes from none to handle; Unbox swaps back to none;
// Signal wakes the parked thread, if any (§4.5).
type SignallingObject struct {
	slot atomic.Uint64 // 0 means empty
}

// NewSignallingObject returns an empty signalling object.
func NewSignallingObject() *SignallingObject {
	return &SignallingObject{}
}

// Set records handle as the parked thread, failing if the slot is
// already occupied.
func (o *SignallingObject) Set(handle ThreadHandle) bool {
	return o.slot.CompareAndSwap(0, uint64(handle))
}

// Unbox clears the slot and returns the previously parked handle, if
// any.
func (o *SignallingObject) Unbox() (ThreadHandle, bool) {
	v := o.slot.Swap(0)
	if v == 0 {
		return 0, false
	}
	return ThreadHandle(v), true
}

// Signal wakes the parked thread, if any.
func (o *SignallingObject) Signal(sch *Scheduler) {
	if h, ok := o.Unbox(); ok {
		sch.wake(h)
	}
}

// Wait parks the calling thread in obj until signalled or duration
// elapses. A zero duration blocks unconditionally until signalled,
// per the mature behavior noted in spec.md's Open Questions (the
// "draft" variant that returns immediately on a zero duration is not
// implemented).
func (o *SignallingObject) Wait(sch *Scheduler, self ThreadHandle, d time.Duration) {
	sch.WaitFor(self, o, d)
}
