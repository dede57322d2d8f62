// Package spinlock implements a test-and-set spinlock used to guard
// data that cannot be made lock-free, such as the scheduler's thread
// pool map. It never suspends the calling goroutine the way a
// sync.Mutex can; the critical sections it guards are expected to be
// O(1) or O(log n) map operations only.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const (
	unlocked = 0
	locked   = 1

	maxSpin = 8
)

// SpinLock is a mutex that busy-waits instead of parking the calling
// goroutine. The padding keeps the lock word off the cache line of
// any data placed immediately before or after it in a containing
// struct.
type SpinLock struct {
	_    cpu.CacheLinePad
	word atomic.Uint32
	_    cpu.CacheLinePad
}

// Lock blocks until the lock is acquired, spinning with exponential
// back-off and yielding to the Go scheduler between spin bursts so a
// single-P build does not deadlock against the goroutine holding the
// lock.
func (s *SpinLock) Lock() {
	spin := 1
	for !s.word.CompareAndSwap(unlocked, locked) {
		for i := 0; i < spin; i++ {
			procyield()
		}
		if spin < maxSpin {
			spin <<= 1
		} else {
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire the lock without spinning.
func (s *SpinLock) TryLock() bool {
	return s.word.CompareAndSwap(unlocked, locked)
}

// Unlock releases a held lock. Unlocking an already-unlocked lock is a
// programmer error and is not guarded against; callers never hold this
// lock across a context switch so the scheduler is the only caller.
func (s *SpinLock) Unlock() {
	s.word.Store(unlocked)
}

// Synchronized runs f with the lock held and releases it afterwards,
// including on panic.
func (s *SpinLock) Synchronized(f func()) {
	s.Lock()
	defer s.Unlock()
	f()
}

// procyield is one busy-wait step. In this hosted build it is a plain
// runtime.Gosched, so every spin iteration yields to the Go scheduler.
func procyield() {
	runtime.Gosched()
}
