package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreSignalBeforeWaitDoesNotBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	sem := NewSemaphore(0)
	sem.Signal(sch)

	done := make(chan struct{})
	_, err = sch.Spawn(func(ctx *ThreadContext, _ any) {
		ctx.SemaphoreWait(sem)
		close(done)
		ctx.Exit()
	}, nil, SpawnOptions{Priority: PriorityNormal, Name: "waiter"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter blocked despite a signal already outstanding")
	}
}

func TestSemaphoreWaitBlocksUntilSignalled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 2
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	sem := NewSemaphore(0)
	waiterDone := make(chan struct{})

	_, err = sch.Spawn(func(ctx *ThreadContext, _ any) {
		ctx.SemaphoreWait(sem)
		close(waiterDone)
		ctx.Exit()
	}, nil, SpawnOptions{Priority: PriorityNormal, Name: "waiter"})
	require.NoError(t, err)

	select {
	case <-waiterDone:
		t.Fatal("waiter woke before any signal was sent")
	case <-time.After(30 * time.Millisecond):
	}

	sem.Signal(sch)
	select {
	case <-waiterDone:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after a signal")
	}
}

func TestSignallingObjectSetRejectsSecondOccupant(t *testing.T) {
	o := NewSignallingObject()
	require.True(t, o.Set(1))
	assert.False(t, o.Set(2), "a signalling object must hold only one parked handle at a time")

	h, ok := o.Unbox()
	assert.True(t, ok)
	assert.Equal(t, ThreadHandle(1), h)

	_, ok = o.Unbox()
	assert.False(t, ok, "unboxing an empty signalling object must report nothing parked")
}

func TestSignallingObjectSignalWakesParkedThread(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 1
	sch, err := New(cfg)
	require.NoError(t, err)
	defer sch.Close()

	obj := NewSignallingObject()
	woke := make(chan struct{})
	var started atomic.Bool

	_, err = sch.Spawn(func(ctx *ThreadContext, _ any) {
		started.Store(true)
		ctx.WaitFor(obj, 2*time.Second)
		close(woke)
		ctx.Exit()
	}, nil, SpawnOptions{Priority: PriorityNormal, Name: "waiter"})
	require.NoError(t, err)

	for !started.Load() {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	obj.Signal(sch)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke on Signal")
	}
}
