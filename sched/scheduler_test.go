package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestThreadSurvivesRepeatedYields guards against a thread becoming
// permanently un-dispatchable after its first trip through the
// run-queue: next() must clear QUEUED on dequeue, or a later enqueue's
// test_and_set dedup would treat the thread as already queued forever
// and silently drop every subsequent re-enqueue.
func TestThreadSurvivesRepeatedYields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	done := make(chan struct{})
	_, err = sch.Spawn(func(ctx *ThreadContext, _ any) {
		for i := 0; i < 50; i++ {
			ctx.Yield()
		}
		close(done)
		ctx.Exit()
	}, nil, SpawnOptions{Priority: PriorityNormal, Name: "yielder"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("thread never completed 50 yields; it was likely dropped off the run-queue after its first dispatch")
	}
}

func TestEnqueueIgnoresIdleAndZombieThreads(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	idle := sch.locals[0].idle
	assert.True(t, sch.enqueue(idle))
	assert.False(t, idle.attribute.Contains(attrQueued), "an idle thread must never be on a run-queue")

	zombie := newRawThread(nextThreadHandle(), 0, PriorityNormal, "zombie", nil, nil, nil)
	zombie.attribute.Insert(attrZombie)
	assert.True(t, sch.enqueue(zombie))
	assert.False(t, zombie.attribute.Contains(attrQueued))
}

func TestEnqueueFullLeavesRunQueueUnchanged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	// Two slots: New itself queues the timer and statistics threads on
	// the Realtime queue, which shares this capacity.
	cfg.QueueCapacity = 2
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	// Freeze dispatch so the local scheduler's idle loop cannot drain
	// the queue out from under this test.
	sch.Freeze(false)

	t1 := newRawThread(nextThreadHandle(), 0, PriorityNormal, "t1", nil, nil, nil)
	t2 := newRawThread(nextThreadHandle(), 0, PriorityNormal, "t2", nil, nil, nil)
	t3 := newRawThread(nextThreadHandle(), 0, PriorityNormal, "t3", nil, nil, nil)
	sch.pool.add(t1)
	sch.pool.add(t2)
	sch.pool.add(t3)

	require.True(t, sch.enqueue(t1))
	require.True(t, sch.enqueue(t2))
	require.Equal(t, 2, sch.queues[PriorityNormal].Len())

	ok := sch.enqueue(t3)
	assert.False(t, ok, "enqueueing into a full priority queue must fail")
	assert.Equal(t, 2, sch.queues[PriorityNormal].Len(), "run-queue contents must be unchanged after a rejected enqueue")
	assert.False(t, t3.attribute.Contains(attrQueued), "a rejected thread must not be left marked QUEUED")
}

func TestRealtimeThreadNeverMarkedPreempted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	cfg.TickInterval = time.Millisecond
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	stop := make(chan struct{})
	body := func(ctx *ThreadContext, _ any) {
		for {
			select {
			case <-stop:
				ctx.Exit()
			default:
			}
		}
	}
	h, err := sch.Spawn(body, nil, SpawnOptions{Priority: PriorityRealtime, Name: "rt"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // several tick intervals
	th := sch.pool.get(h)
	require.NotNil(t, th)
	assert.False(t, th.preempted.Load(), "a Realtime thread must never be flagged preempted by quantum expiry")

	close(stop)
}

func TestSavingStateOnlyCPUZeroDispatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 4
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	sch.state.Store(int32(StateSaving))
	assert.True(t, sch.mayDispatch(0))
	for i := 1; i < 4; i++ {
		assert.False(t, sch.mayDispatch(i), "CPU %d must not dispatch while Saving", i)
	}
}

func TestFullThrottleAllCPUsDispatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 4
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	sch.state.Store(int32(StateFullThrottle))
	for i := 0; i < 4; i++ {
		assert.True(t, sch.mayDispatch(i))
	}
}

func TestExitRemovesThreadExactlyOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 2
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	var exits atomic.Int64
	p := onExitCounter{counter: &exits}
	h, err := sch.Spawn(func(ctx *ThreadContext, _ any) {
		ctx.Exit()
	}, nil, SpawnOptions{Priority: PriorityNormal, Name: "once", Personality: p})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return exits.Load() == 1
	}, 2*time.Second, 5*time.Millisecond, "exit hook was never observed exactly once")

	time.Sleep(20 * time.Millisecond) // give any duplicate retire a chance to show up, if one exists
	assert.Equal(t, int64(1), exits.Load(), "a thread must be removed from the pool exactly once")
	assert.Nil(t, sch.pool.get(h), "an exited thread must not remain in the pool")
}

type onExitCounter struct {
	counter *atomic.Int64
}

func (o onExitCounter) OnExit(ThreadHandle) {
	o.counter.Add(1)
}
