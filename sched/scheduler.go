// Package sched implements the preemptive, multi-queue, per-CPU
// thread scheduler: priority run-queues, the timer subsystem, the
// semaphore/signalling primitives, and the async task executor built
// on top of them.
package sched

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cobaltkernel/kcore/internal/pid"
	"github.com/cobaltkernel/kcore/internal/ring"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"go.uber.org/zap"
)

// SchedulerState is the coarse load-driven operating mode of §4.2.
type SchedulerState int32

const (
	StateDisabled SchedulerState = iota
	StateSaving
	StateRunning
	StateFullThrottle
)

func (s SchedulerState) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateSaving:
		return "Saving"
	case StateRunning:
		return "Running"
	case StateFullThrottle:
		return "FullThrottle"
	default:
		return "Unknown"
	}
}

// Config bundles a Scheduler's construction-time parameters. Zero
// values are replaced by DefaultConfig's where sensible.
type Config struct {
	// CPUs is the number of logical CPUs (local schedulers) to create.
	CPUs int
	// PerformanceCPUs is how many of the low-indexed CPUs are
	// "Main" core type; the rest are treated as SMT siblings that
	// only dispatch work under FullThrottle (§4.2).
	PerformanceCPUs int

	QueueCapacity          int
	TimerQueueCapacity     int
	SemaphoreQueueCapacity int
	ExecutorQueueCapacity  int

	TickInterval  time.Duration
	StatsInterval time.Duration

	Clock  clockz.Clock
	Logger *zap.Logger
}

// DefaultConfig returns a single-CPU configuration suitable for tests
// and simple embeddings.
func DefaultConfig() Config {
	return Config{
		CPUs:                   1,
		PerformanceCPUs:        1,
		QueueCapacity:          1024,
		TimerQueueCapacity:     1024,
		SemaphoreQueueCapacity: semaphoreWaitQueueCapacity,
		ExecutorQueueCapacity:  256,
		TickInterval:           10 * time.Millisecond,
		StatsInterval:          time.Second,
		Clock:                  clockz.RealClock,
		Logger:                 zap.NewNop(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CPUs <= 0 {
		c.CPUs = d.CPUs
	}
	if c.PerformanceCPUs <= 0 || c.PerformanceCPUs > c.CPUs {
		c.PerformanceCPUs = c.CPUs
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.TimerQueueCapacity <= 0 {
		c.TimerQueueCapacity = d.TimerQueueCapacity
	}
	if c.SemaphoreQueueCapacity <= 0 {
		c.SemaphoreQueueCapacity = d.SemaphoreQueueCapacity
	}
	if c.ExecutorQueueCapacity <= 0 {
		c.ExecutorQueueCapacity = d.ExecutorQueueCapacity
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	if c.Clock == nil {
		c.Clock = d.Clock
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// Scheduler is the global scheduler of §4.2: priority run-queues, the
// thread pool, per-CPU local schedulers, load measurement and the
// Saving/Running/FullThrottle state machine, and the timer subsystem.
type Scheduler struct {
	cfg     Config
	clock   clockz.Clock
	logger  *zap.Logger
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[ExitEvent]
	metrics *metricz.Registry

	pids pid.Allocator
	pool *threadPool

	queues [5]*ring.Queue[ThreadHandle]
	locals []*localScheduler

	frozen atomic.Bool
	state  atomic.Int32

	usageTotal  atomic.Uint32
	usagePerCPU []atomic.Uint32

	timerIngress *ring.Queue[TimerEvent]
	timerSem     *Semaphore
	nextTimerAt  atomic.Int64 // UnixNano of the nearest known deadline, 0 = none known

	stop chan struct{}
}

// New builds a Scheduler per cfg, starts its per-CPU idle threads, and
// spawns the Realtime timer and statistics threads.
func New(cfg Config) (*Scheduler, error) {
	if cfg.CPUs < 1 {
		return nil, ErrNoCPUs
	}
	cfg = cfg.withDefaults()

	sch := &Scheduler{
		cfg:          cfg,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		tracer:       tracez.New(),
		hooks:        hookz.New[ExitEvent](),
		metrics:      newMetrics(),
		pool:         newThreadPool(),
		timerIngress: ring.New[TimerEvent](cfg.TimerQueueCapacity),
		timerSem:     NewSemaphoreSized(0, cfg.SemaphoreQueueCapacity),
		usagePerCPU:  make([]atomic.Uint32, cfg.CPUs),
		stop:         make(chan struct{}),
	}
	for p := PriorityLow; p <= PriorityRealtime; p++ {
		sch.queues[p] = ring.New[ThreadHandle](cfg.QueueCapacity)
	}

	sch.locals = make([]*localScheduler, cfg.CPUs)
	for i := 0; i < cfg.CPUs; i++ {
		sch.locals[i] = newLocalScheduler(sch, i)
	}

	if _, err := sch.Spawn(timerThreadBody, nil, SpawnOptions{Priority: PriorityRealtime, Name: "timer"}); err != nil {
		return nil, fmt.Errorf("sched: spawning timer thread: %w", err)
	}
	if _, err := sch.Spawn(sch.statisticsThreadBody, nil, SpawnOptions{Priority: PriorityRealtime, Name: "stats"}); err != nil {
		return nil, fmt.Errorf("sched: spawning statistics thread: %w", err)
	}

	go sch.runTickSource()

	sch.logger.Info("scheduler started", zap.Int("cpus", cfg.CPUs), zap.Int("performance_cpus", cfg.PerformanceCPUs))
	return sch, nil
}

// Close stops the scheduler's background tick source. The per-CPU
// idle loops and the timer/statistics kernel threads are left
// running; they hold no resources beyond goroutines and are expected
// to live for the process lifetime, matching a kernel scheduler that
// is never meaningfully "shut down" while the machine is up.
func (sch *Scheduler) Close() {
	select {
	case <-sch.stop:
	default:
		close(sch.stop)
	}
}

// runTickSource stands in for the architecture's timer-interrupt
// delivery (§4.2's "on each timer tick the running thread's quantum
// is decremented"): once per TickInterval, for every CPU whose
// current thread isn't Realtime, consume one tick of quantum and mark
// it preempted on expiry. The actual context switch only happens when
// that thread next calls ThreadContext.Checkpoint — see its doc
// comment.
func (sch *Scheduler) runTickSource() {
	for {
		select {
		case <-sch.stop:
			return
		case <-sch.clock.After(sch.cfg.TickInterval):
		}
		for _, l := range sch.locals {
			cur := l.current.Load()
			if cur == nil || cur.priority == PriorityRealtime {
				continue
			}
			if cur.quantum.consume() {
				cur.preempted.Store(true)
			}
		}
	}
}

// nowTicks returns the current instant in nanosecond "ticks", the
// unit rawThread.measure/cpuTime accumulate in.
func (sch *Scheduler) nowTicks() int64 {
	return sch.clock.Now().UnixNano()
}

// SpawnOptions configures a new thread (§6's spawn options: priority,
// raise-pid flag, personality).
type SpawnOptions struct {
	Priority    Priority
	Name        string
	RaisePID    bool
	Personality Personality
}

// Spawn creates a new thread record, adds it to the pool, and
// enqueues it onto its priority's run-queue (§3's Created lifecycle
// stage). It fails with ErrFrozen if the scheduler has been frozen,
// or ErrQueueFull if the target run-queue has no room.
func (sch *Scheduler) Spawn(fn ThreadFunc, arg any, opts SpawnOptions) (ThreadHandle, error) {
	if sch.frozen.Load() {
		return 0, ErrFrozen
	}
	h := nextThreadHandle()
	var p pid.ID
	if opts.RaisePID {
		p = sch.pids.Raise()
	}
	t := newRawThread(h, p, opts.Priority, opts.Name, fn, arg, opts.Personality)
	sch.pool.add(t)
	if !sch.enqueue(t) {
		sch.pool.drop(h)
		sch.metrics.Counter(MetricQueueRejects).Inc()
		return 0, ErrQueueFull
	}
	sch.metrics.Counter(MetricSpawnsTotal).Inc()
	sch.metrics.Gauge(MetricThreadsLive).Set(float64(sch.pool.len()))
	go t.bootTrampoline(sch, nil)
	return h, nil
}

// enqueue implements the add(handle) discipline of §4.2: Idle and
// Zombie threads are ignored; otherwise QUEUED is test-and-set, and on
// the clear→set edge the thread is pushed onto its priority queue
// (with ASLEEP/AWAKE cleared) — rolling the QUEUED bit back if the
// push itself fails, so the thread's attribute state never claims
// queue membership it doesn't have (§8 property 1, 8).
func (sch *Scheduler) enqueue(t *rawThread) bool {
	if t.isIdle() || t.isZombie() {
		return true
	}
	if t.attribute.TestAndSet(attrQueued) {
		return true
	}
	t.attribute.Remove(attrAsleep)
	t.attribute.Remove(attrAwake)
	if !sch.queues[t.priority].Push(t.handle) {
		t.attribute.Remove(attrQueued)
		return false
	}
	return true
}

// retire is the post-switch disposition of §4.2, run by the thread
// that was just dispatched in place of t: drop zombies from the pool,
// resolve the ASLEEP/AWAKE wake race, or re-enqueue.
func (sch *Scheduler) retire(t *rawThread) {
	if t.isIdle() {
		return
	}
	if t.isZombie() {
		sch.pool.drop(t.handle)
		sch.metrics.Counter(MetricExitsTotal).Inc()
		sch.metrics.Gauge(MetricThreadsLive).Set(float64(sch.pool.len()))
		if t.personality != nil {
			t.personality.OnExit(t.handle)
		}
		ctx, span := sch.tracer.StartSpan(context.Background(), SpanThreadExit)
		span.SetTag(TagHandle, fmt.Sprintf("%d", t.handle))
		span.SetTag(TagName, t.name)
		if err := sch.hooks.Emit(ctx, EventExit, ExitEvent{Handle: t.handle, Name: t.name}); err != nil {
			sch.logger.Warn("exit hook emit failed", zap.Error(err))
		}
		span.Finish()
		t.sem.Signal(sch)
		return
	}
	if t.attribute.TestAndClear(attrAwake) {
		t.attribute.Remove(attrAsleep)
		if !sch.enqueue(t) {
			sch.logger.Warn("dropped wake race re-enqueue, run-queue full", zap.Uint64("handle", uint64(t.handle)))
		}
		return
	}
	if t.attribute.Contains(attrAsleep) {
		t.attribute.Remove(attrQueued)
		return
	}
	if !sch.enqueue(t) {
		sch.logger.Warn("dropped preempted thread, run-queue full", zap.Uint64("handle", uint64(t.handle)))
	}
}

// next is the dispatch policy of §4.2.
func (sch *Scheduler) next(cpuIndex int) *rawThread {
	if sch.frozen.Load() {
		return nil
	}
	if !sch.mayDispatch(cpuIndex) {
		return nil
	}
	if deadline := sch.nextTimerAt.Load(); deadline != 0 && sch.clock.Now().UnixNano() >= deadline {
		sch.timerSem.Signal(sch)
	}
	for _, pr := range [...]Priority{PriorityRealtime, PriorityHigh, PriorityNormal, PriorityLow} {
		for {
			h, ok := sch.queues[pr].Pop()
			if !ok {
				break
			}
			if t := sch.pool.get(h); t != nil {
				// QUEUED is cleared here, the moment the thread leaves the
				// ring buffer, so a later enqueue's test_and_set dedup
				// sees an accurate "not currently queued" and actually
				// pushes the thread back rather than silently no-op'ing.
				t.attribute.Remove(attrQueued)
				return t
			}
		}
	}
	return nil
}

func (sch *Scheduler) mayDispatch(cpuIndex int) bool {
	switch SchedulerState(sch.state.Load()) {
	case StateFullThrottle:
		return true
	case StateSaving:
		return cpuIndex == 0
	default:
		return cpuIndex < sch.cfg.PerformanceCPUs
	}
}

// wake sets AWAKE and runs the add discipline, resolving to either an
// immediate re-enqueue (thread was Asleep) or the race case handled
// by retire (thread is mid-switch into Asleep).
func (sch *Scheduler) wake(handle ThreadHandle) {
	t := sch.pool.get(handle)
	if t == nil {
		return
	}
	t.attribute.Insert(attrAwake)
	sch.enqueue(t)
}

// YieldThread voluntarily gives up the remainder of the calling
// thread's quantum.
func (sch *Scheduler) YieldThread(self ThreadHandle) {
	sch.switchAway(self)
}

// checkpoint is invoked by ThreadContext.Checkpoint; see its doc
// comment for why this exists in a hosted runtime.
func (sch *Scheduler) checkpoint(self ThreadHandle) {
	t := sch.pool.get(self)
	if t == nil {
		return
	}
	if t.preempted.CompareAndSwap(true, false) {
		sch.switchAway(self)
	}
}

// parkAsleep sets ASLEEP on self and switches away, without scheduling
// a timer — used by Semaphore.Wait, where the wait-queue entry itself
// is the thing a future Signal looks for.
func (sch *Scheduler) parkAsleep(self ThreadHandle) {
	t := sch.pool.get(self)
	if t == nil {
		return
	}
	t.attribute.Insert(attrAsleep)
	sch.switchAway(self)
}

// Sleep blocks self until duration has elapsed, via a OneShot timer
// event (§4.4): schedule_timer is retried (yielding once per failure)
// until accepted, then the thread sets ASLEEP and switches.
func (sch *Scheduler) Sleep(self ThreadHandle, d time.Duration) {
	sch.scheduleBlocking(self, OneShotTimerEvent(self, sch.clock, d))
}

// WaitFor parks self in obj until Signal or duration elapses. obj may
// be nil, degenerating to a plain Sleep. A zero duration blocks
// unconditionally until signalled (§4.5, and the Open Questions'
// resolution of the mature vs. draft Timer.sleep(0) behavior).
func (sch *Scheduler) WaitFor(self ThreadHandle, obj *SignallingObject, d time.Duration) {
	if obj == nil {
		sch.Sleep(self, d)
		return
	}
	obj.Set(self)
	if d > 0 {
		sch.scheduleBlocking(self, OneShotTimerEvent(self, sch.clock, d))
	} else {
		t := sch.pool.get(self)
		if t == nil {
			return
		}
		t.attribute.Insert(attrAsleep)
		sch.switchAway(self)
	}
	// Whether woken by obj.Signal or by the timer firing, release the
	// slot so the object is reusable for the next wait_for.
	obj.Unbox()
}

// scheduleBlocking pushes ev to the timer ingress queue, retrying with
// a yield on backpressure (§4.4's sleep loop), then sets ASLEEP and
// switches self away.
func (sch *Scheduler) scheduleBlocking(self ThreadHandle, ev TimerEvent) {
	for sch.ScheduleTimer(ev) != nil {
		sch.YieldThread(self)
	}
	t := sch.pool.get(self)
	if t == nil {
		return
	}
	t.attribute.Insert(attrAsleep)
	sch.switchAway(self)
}

// ScheduleTimer pushes event onto the timer ingress queue and signals
// the timer thread (§4.4, §6). ErrQueueFull carries backpressure to
// the caller, who is expected to retry after yielding.
func (sch *Scheduler) ScheduleTimer(event TimerEvent) error {
	if !sch.timerIngress.Push(event) {
		return ErrQueueFull
	}
	sch.timerSem.Signal(sch)
	return nil
}

// switchAway looks up self's local scheduler and invokes its
// switch_context. It is the common tail of Yield/Sleep/WaitFor/
// Checkpoint/Semaphore.Wait.
func (sch *Scheduler) switchAway(self ThreadHandle) {
	t := sch.pool.get(self)
	if t == nil {
		return
	}
	l := t.runningOn.Load()
	if l == nil {
		return
	}
	l.switchContext()
}

// exitThread marks self a zombie and performs a final switch off of
// it. Control never returns to the caller, matching exit()'s "-> !"
// contract: once ZOMBIE is set, next() can never select this thread
// again, so the thread's own goroutine simply parks forever at the
// tail of switch_context.
func (sch *Scheduler) exitThread(self ThreadHandle) {
	t := sch.pool.get(self)
	if t == nil {
		return
	}
	t.attribute.Insert(attrZombie)
	sch.switchAway(self)
	select {}
}

// SpawnAsync lazily installs an executor on self and enqueues task
// onto it, retrying with a yield on backpressure (§4.6).
func (sch *Scheduler) SpawnAsync(self ThreadHandle, task func(context.Context)) {
	t := sch.pool.get(self)
	if t == nil {
		return
	}
	ex := t.acquireExecutor(sch.cfg.ExecutorQueueCapacity)
	for !ex.spawn(task) {
		sch.YieldThread(self)
	}
}

// PerformTasks runs self's executor to exhaustion and then exits the
// thread (§4.6). Never returns.
func (sch *Scheduler) PerformTasks(self ThreadHandle) {
	t := sch.pool.get(self)
	if t != nil {
		ex := t.acquireExecutor(sch.cfg.ExecutorQueueCapacity)
		ex.drain(context.Background())
	}
	sch.exitThread(self)
}

// Freeze halts dispatch scheduler-wide (§4.2, §7's panic path). force
// is accepted for interface parity with the architecture's panic
// handler but freezing is unconditional once called.
func (sch *Scheduler) Freeze(force bool) {
	sch.frozen.Store(true)
	sch.logger.Error("scheduler frozen", zap.Bool("force", force))
}

// Frozen reports whether Freeze has been called.
func (sch *Scheduler) Frozen() bool {
	return sch.frozen.Load()
}

// CurrentState returns the scheduler's coarse operating mode.
func (sch *Scheduler) CurrentState() SchedulerState {
	return SchedulerState(sch.state.Load())
}

// UsageTotal returns total measured usage across all non-idle
// threads, in per-mille of one CPU-second per CPU-second, clamped to
// CPUs*1000.
func (sch *Scheduler) UsageTotal() uint32 {
	return sch.usageTotal.Load()
}

// ThreadCount returns the number of threads currently held in the
// pool, including each CPU's idle thread.
func (sch *Scheduler) ThreadCount() int {
	return sch.pool.len()
}

// UsagePerCPU returns a snapshot of the approximate load contributed
// by whatever thread each CPU is currently running.
func (sch *Scheduler) UsagePerCPU() []uint32 {
	out := make([]uint32, len(sch.usagePerCPU))
	for i := range sch.usagePerCPU {
		out[i] = sch.usagePerCPU[i].Load()
	}
	return out
}

// GetIdleStatistics appends each CPU's idle-thread load (per-mille) to
// dst and returns the extended slice, for print_statistics-style
// reporting.
func (sch *Scheduler) GetIdleStatistics(dst []uint32) []uint32 {
	for _, l := range sch.locals {
		dst = append(dst, l.idle.load.Load())
	}
	return dst
}

// PrintStatistics renders one line per live thread (name, priority,
// cpu time, load), optionally excluding idle threads, in the
// teacher's plain fmt.Fprintf diagnostics style.
func (sch *Scheduler) PrintStatistics(w io.Writer, excludeIdle bool) {
	for _, t := range sch.pool.snapshot() {
		if excludeIdle && t.isIdle() {
			continue
		}
		fmt.Fprintf(w, "%-20s pid=%-6d pri=%-9s cpu_time=%-12s load=%d‰\n",
			t.name, t.pid, t.priority, t.cpuTimeAsDuration(), t.load.Load())
	}
}

// timerThreadBody is the Realtime kernel thread of §4.4: wait on the
// timer semaphore, drain and sort the ingress queue, fire everything
// whose deadline has passed, and record the next deadline.
func timerThreadBody(ctx *ThreadContext, _ any) {
	sch := ctx.sch
	var pending []TimerEvent
	for {
		ctx.SemaphoreWait(sch.timerSem)

		for {
			ev, ok := sch.timerIngress.Pop()
			if !ok {
				break
			}
			pending = append(pending, ev)
		}
		sortTimerEvents(pending)

		i := 0
		for i < len(pending) && !pending[i].until(sch.clock) {
			pending[i].fire(sch)
			i++
		}
		pending = pending[i:]

		if len(pending) > 0 {
			sch.nextTimerAt.Store(pending[0].deadlineNanos())
		} else {
			sch.nextTimerAt.Store(0)
		}
	}
}

func sortTimerEvents(events []TimerEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].deadlineNanos() < events[j-1].deadlineNanos(); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// statisticsThreadBody wakes every StatsInterval, re-measures each
// thread's load, and drives the Saving/Running/FullThrottle state
// machine (§4.2).
func (sch *Scheduler) statisticsThreadBody(ctx *ThreadContext, _ any) {
	lastTick := sch.nowTicks()
	for {
		ctx.Sleep(sch.cfg.StatsInterval)

		now := sch.nowTicks()
		actual := now - lastTick
		lastTick = now
		if actual <= 0 {
			continue
		}
		var total uint64
		for _, t := range sch.pool.snapshot() {
			load0 := uint64(t.swapLoad0())
			// load0 and actual are both nanoseconds; scale to per-mille.
			load := load0 * 1000 / uint64(actual)
			if load > 1000 {
				load = 1000
			}
			t.load.Store(uint32(load))
			if !t.isIdle() {
				total += load
			}
		}
		max := uint64(sch.cfg.CPUs) * 1000
		if total > max {
			total = max
		}
		sch.usageTotal.Store(uint32(total))
		sch.metrics.Gauge(MetricUsageTotal).Set(float64(total))

		for i, l := range sch.locals {
			sch.usagePerCPU[i].Store(l.current.Load().load.Load())
		}

		sch.transitionState(uint32(total))
	}
}

func (sch *Scheduler) transitionState(total uint32) {
	var next SchedulerState
	switch {
	case total < 666:
		next = StateSaving
	case total > uint32(sch.cfg.PerformanceCPUs)*750:
		next = StateFullThrottle
	default:
		next = StateRunning
	}
	prev := SchedulerState(sch.state.Swap(int32(next)))
	if prev == next {
		return
	}
	_, span := sch.tracer.StartSpan(context.Background(), SpanStateTransition)
	span.SetTag(TagFromState, prev.String())
	span.SetTag(TagToState, next.String())
	span.SetTag(TagUsage, fmt.Sprintf("%d", total))
	span.Finish()
	sch.logger.Info("scheduler state transition", zap.String("from", prev.String()), zap.String("to", next.String()), zap.Uint32("usage_total", total))
}
