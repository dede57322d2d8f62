package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](4)
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestPushFullReturnsFalseAndLeavesQueueUnchanged(t *testing.T) {
	q := New[int](2) // rounds to capacity 2
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	assert.False(t, q.Push(3), "enqueueing into a full queue must fail, not block or overwrite")
	assert.Equal(t, 2, q.Len())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestConcurrentProducersConsumersPreserveCount(t *testing.T) {
	const n = 4000
	q := New[int](256)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sent := 0
		for sent < n {
			if q.Push(sent) {
				sent++
			}
		}
	}()

	received := make([]bool, n)
	go func() {
		defer wg.Done()
		got := 0
		for got < n {
			if v, ok := q.Pop(); ok {
				received[v] = true
				got++
			}
		}
	}()

	wg.Wait()
	for i, ok := range received {
		assert.True(t, ok, "value %d was never observed by the consumer", i)
	}
}
