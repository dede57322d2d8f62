package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cobaltkernel/kcore/internal/atomicflags"
	"github.com/cobaltkernel/kcore/internal/pid"
)

// Thread attribute bits, the state machine of §4.7.
const (
	attrQueued uint64 = 1 << iota
	attrAsleep
	attrAwake
	attrZombie
)

const maxThreadName = 31

// ThreadFunc is a thread's entry point. ctx exposes the cooperative
// preemption checkpoint that stands in for the timer-tick interrupt a
// freestanding kernel would deliver asynchronously (see SPEC_FULL.md,
// "hosted" adaptation of §6's architecture layer).
type ThreadFunc func(ctx *ThreadContext, arg any)

// Personality is an optional per-thread capability invoked when the
// thread exits (§3, §9 "dynamic dispatch for ... personality").
type Personality interface {
	OnExit(handle ThreadHandle)
}

// baton is the hand-rolled context-switch ABI (§6) realized as one
// unbuffered rendezvous channel per thread: sending on the target's
// resume is context_init/the "jump to this context" half, and blocking
// on its own resume after that send is a thread parking itself exactly
// as a register-save would.
type baton struct {
	resume chan struct{}
}

func newBaton() *baton {
	return &baton{resume: make(chan struct{})}
}

// rawThread is the thread-pool record for one live thread (§3).
type rawThread struct {
	handle ThreadHandle
	pid    pid.ID
	name   string

	priority Priority
	quantum  quantum

	attribute atomicflags.Bits

	measure atomic.Int64 // last measurement point, in the clock's ticks
	cpuTime atomic.Int64 // accumulated running time, in ticks
	load0   atomic.Uint32
	load    atomic.Uint32 // per-mille of one CPU, updated ~1/s

	sem *Semaphore

	personality Personality

	executorMu sync.Mutex
	executor   *Executor

	start ThreadFunc
	arg   any

	bat *baton

	// preempted is set by the tick ticker when this thread's quantum
	// has expired while it was current; Checkpoint observes and clears
	// it.
	preempted atomic.Bool

	// runningOn names the local scheduler that most recently dispatched
	// this thread. It is set by the dispatching CPU just before the
	// baton is handed over (§4.3 step 3) and is only ever read by this
	// thread's own goroutine while it is current, so no further
	// synchronization is needed beyond the atomic store/load pair.
	runningOn atomic.Pointer[localScheduler]
}

func newRawThread(h ThreadHandle, p pid.ID, priority Priority, name string, start ThreadFunc, arg any, personality Personality) *rawThread {
	if len(name) > maxThreadName {
		name = name[:maxThreadName]
	}
	return &rawThread{
		handle:      h,
		pid:         p,
		name:        name,
		priority:    priority,
		quantum:     newQuantum(priority),
		sem:         NewSemaphore(0),
		personality: personality,
		start:       start,
		arg:         arg,
		bat:         newBaton(),
	}
}

func (t *rawThread) isIdle() bool   { return t.priority == PriorityIdle }
func (t *rawThread) isZombie() bool { return t.attribute.Contains(attrZombie) }

// swapLoad0 zeroes the per-second load accumulator and returns
// the prior value, mirroring the statistics thread's read-and-zero of
// load0 in §4.2.
func (t *rawThread) swapLoad0() uint32 {
	return t.load0.Swap(0)
}

func (t *rawThread) accountRunning(now int64) {
	last := t.measure.Swap(now)
	if last == 0 {
		return
	}
	diff := now - last
	if diff <= 0 {
		return
	}
	t.cpuTime.Add(diff)
	t.load0.Add(uint32(diff))
}

// cpuTimeAsDuration renders the accumulated running time for
// print_statistics. measure/cpuTime accumulate in nanoseconds, so no
// further scaling is needed.
func (t *rawThread) cpuTimeAsDuration() time.Duration {
	return time.Duration(t.cpuTime.Load())
}

// acquireExecutor returns this thread's lazily-created async executor
// (§4.6's "spawn_async lazily installs an executor on the current
// thread").
func (t *rawThread) acquireExecutor(capacity int) *Executor {
	t.executorMu.Lock()
	defer t.executorMu.Unlock()
	if t.executor == nil {
		t.executor = newExecutor(capacity)
	}
	return t.executor
}

// ThreadContext is handed to a running thread's entry function. It
// binds the thread's own handle to §6's per-thread calls (sleep,
// yield, wait_for, exit, spawn_async, perform_tasks, semaphore wait),
// plus Checkpoint for cooperative preemption. ScheduleTimer and the
// Signal methods are called on the Scheduler directly.
type ThreadContext struct {
	sch    *Scheduler
	handle ThreadHandle
}

// Handle returns the thread's own handle.
func (c *ThreadContext) Handle() ThreadHandle { return c.handle }

// PID returns the thread's process-grouping tag, or 0 if the thread
// was spawned without RaisePID.
func (c *ThreadContext) PID() pid.ID {
	t := c.sch.pool.get(c.handle)
	if t == nil {
		return 0
	}
	return t.pid
}

// Exit terminates the calling thread immediately; it never returns.
func (c *ThreadContext) Exit() {
	c.sch.exitThread(c.handle)
}

// Checkpoint must be called periodically by CPU-bound thread bodies.
// It is the realization of "on each timer tick the running thread's
// quantum is decremented; when it reaches zero, the local scheduler
// context-switches" (§4.2) in a hosted runtime where Go provides no
// supported way to interrupt another goroutine's running code
// asynchronously. Threads that only ever block on Sleep/WaitFor/Yield
// never need to call it.
func (c *ThreadContext) Checkpoint() {
	c.sch.checkpoint(c.handle)
}

// Yield gives up the remainder of the current quantum voluntarily.
func (c *ThreadContext) Yield() {
	c.sch.YieldThread(c.handle)
}

// Sleep blocks the calling thread until duration has elapsed.
func (c *ThreadContext) Sleep(d time.Duration) {
	c.sch.Sleep(c.handle, d)
}

// WaitFor parks the thread in obj until signalled or duration elapses
// (a zero duration blocks unconditionally on obj, per §4.5).
func (c *ThreadContext) WaitFor(obj *SignallingObject, d time.Duration) {
	c.sch.WaitFor(c.handle, obj, d)
}

// SemaphoreWait blocks the calling thread on s until signalled.
func (c *ThreadContext) SemaphoreWait(s *Semaphore) {
	s.Wait(c.sch, c.handle)
}

// SpawnAsync installs an executor on the calling thread if needed and
// enqueues task onto it (§4.6).
func (c *ThreadContext) SpawnAsync(task func(context.Context)) {
	c.sch.SpawnAsync(c.handle, task)
}

// PerformTasks runs the calling thread's executor until its queue
// drains, then exits the thread (§4.6). Never returns.
func (c *ThreadContext) PerformTasks() {
	c.sch.PerformTasks(c.handle)
}
