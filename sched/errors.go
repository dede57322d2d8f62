package sched

import "errors"

// Sentinel errors surfaced directly to callers, per §7: no global
// error channel, no wrapping framework — the teacher's own style of
// bare, comparable error values.
var (
	// ErrQueueFull is returned when a bounded priority run-queue or the
	// timer ingress queue rejects an enqueue.
	ErrQueueFull = errors.New("sched: queue full")

	// ErrFrozen is returned by operations that cannot proceed once the
	// scheduler has been frozen (panic path).
	ErrFrozen = errors.New("sched: scheduler frozen")

	// ErrUnknownHandle names the condition of a handle that no longer
	// resolves to a live thread in the pool. No function in this package
	// returns it: the scheduler's own operations on such a handle return
	// without effect.
	ErrUnknownHandle = errors.New("sched: unknown thread handle")

	// ErrNoCPUs is returned by New when asked to build a scheduler with
	// zero logical CPUs.
	ErrNoCPUs = errors.New("sched: at least one CPU is required")
)
