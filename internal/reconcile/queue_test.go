package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
)

func event(key string) ir.ChangeEvent {
	return ir.ChangeEvent{Kind: ir.KindTag, Op: ir.ChangeUpdate, Record: ir.WireRecord{"id": key}}
}

func TestEventQueue_FIFO(t *testing.T) {
	q := NewEventQueue()
	for _, k := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(event(k)))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"A", "B", "C"} {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, got.Record["id"])
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue(event("A"))
	q.Enqueue(event("B"))

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("second signal should be coalesced")
	default:
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue(event("A"))
	q.Close()
	q.Close() // idempotent

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(event("B")), "enqueue after close should fail")

	<-q.Wait() // buffered signal from the enqueue
	_, ok := <-q.Wait()
	assert.False(t, ok, "signal channel is closed")

	got, ok := q.TryDequeue()
	require.True(t, ok, "queued events survive close")
	assert.Equal(t, "A", got.Record["id"])
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := NewEventQueue()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Enqueue(event("x"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, q.Len())
}
