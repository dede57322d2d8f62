// Package pid allocates process-grouping tags. A thread's pid is only
// a grouping label (spec Non-goals: no isolated address spaces), so
// allocation is a bare monotonic counter, mirroring how
// original_source's RuntimeEnvironment::raise_pid hands out process
// identifiers without any address-space bookkeeping.
package pid

import "sync/atomic"

// ID is a process-grouping tag. 0 means "kernel/idle".
type ID uint32

// Allocator hands out monotonically increasing, never-reused PIDs.
type Allocator struct {
	next atomic.Uint32
}

// Raise returns the next PID, starting at 1.
func (a *Allocator) Raise() ID {
	return ID(a.next.Add(1))
}
