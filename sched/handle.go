package sched

import "sync/atomic"

// ThreadHandle is the sole external reference to a thread: a non-zero
// identifier drawn from a monotonic counter. Handles never reappear.
type ThreadHandle uint64

var nextHandle atomic.Uint64

// nextThreadHandle allocates the next monotonic handle, starting at 1
// so the zero value can mean "no handle".
func nextThreadHandle() ThreadHandle {
	return ThreadHandle(nextHandle.Add(1))
}

// Valid reports whether h is a non-zero handle.
func (h ThreadHandle) Valid() bool {
	return h != 0
}
