package sched

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadPoolAddGetDrop(t *testing.T) {
	p := newThreadPool()
	th := newRawThread(nextThreadHandle(), 0, PriorityNormal, "t", nil, nil, nil)

	assert.Nil(t, p.get(th.handle))
	p.add(th)
	require.NotNil(t, p.get(th.handle))
	assert.Equal(t, 1, p.len())

	p.drop(th.handle)
	assert.Nil(t, p.get(th.handle))
	assert.Equal(t, 0, p.len())
}

func TestThreadPoolWithInvokesOnlyWhenPresent(t *testing.T) {
	p := newThreadPool()
	th := newRawThread(nextThreadHandle(), 0, PriorityNormal, "t", nil, nil, nil)
	p.add(th)

	var seen *rawThread
	ok := p.with(th.handle, func(t *rawThread) { seen = t })
	assert.True(t, ok)
	assert.Same(t, th, seen)

	ok = p.with(nextThreadHandle(), func(t *rawThread) { t.name = "should not run" })
	assert.False(t, ok)
}

func TestThreadPoolSnapshotReturnsAllLiveThreads(t *testing.T) {
	p := newThreadPool()
	want := make([]ThreadHandle, 0, 5)
	for i := 0; i < 5; i++ {
		th := newRawThread(nextThreadHandle(), 0, PriorityNormal, "t", nil, nil, nil)
		p.add(th)
		want = append(want, th.handle)
	}

	got := make([]ThreadHandle, 0, 5)
	for _, th := range p.snapshot() {
		got = append(got, th.handle)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot handle set mismatch (-want +got):\n%s", diff)
	}
}
