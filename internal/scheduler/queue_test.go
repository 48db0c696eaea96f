package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueDeduplicates(t *testing.T) {
	q := NewPrefetchQueue(10)

	q.Enqueue("A")
	q.Enqueue("A")
	q.Enqueue("A")
	q.Enqueue("A")

	key, ok := q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "A", key)

	_, ok = q.Dequeue(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueueIsLIFO(t *testing.T) {
	q := NewPrefetchQueue(10)

	q.Enqueue("first")
	q.Enqueue("second")
	q.Enqueue("third")

	key, ok := q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "third", key)

	key, ok = q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "second", key)

	key, ok = q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "first", key)
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := NewPrefetchQueue(3)

	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")
	q.Enqueue("d") // evicts "a"

	var popped []string
	for {
		key, ok := q.Dequeue(10 * time.Millisecond)
		if !ok {
			break
		}
		popped = append(popped, key)
	}
	assert.Equal(t, []string{"d", "c", "b"}, popped)

	// The evicted key can be enqueued again
	q.Enqueue("a")
	key, ok := q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "a", key)
}

func TestQueueDedupWhileInProduction(t *testing.T) {
	q := NewPrefetchQueue(10)

	q.Enqueue("A")
	key, ok := q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "A", key)

	// The key is being produced: a second enqueue is still dropped
	q.Enqueue("A")
	_, ok = q.Dequeue(10 * time.Millisecond)
	assert.False(t, ok)

	// After Done it becomes eligible again
	q.Done("A")
	q.Enqueue("A")
	key, ok = q.Dequeue(10 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "A", key)
}

func TestQueueDequeueTimeout(t *testing.T) {
	q := NewPrefetchQueue(10)

	start := time.Now()
	_, ok := q.Dequeue(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestQueueDequeueWakesOnEnqueue(t *testing.T) {
	q := NewPrefetchQueue(10)

	done := make(chan string, 1)
	go func() {
		key, ok := q.Dequeue(5 * time.Second)
		if ok {
			done <- key
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("wake")

	select {
	case key := <-done:
		assert.Equal(t, "wake", key)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up on Enqueue")
	}
}
