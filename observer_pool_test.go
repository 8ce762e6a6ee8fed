package xstream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverPool_DispatchesAndSurvivesPanics(t *testing.T) {
	pool := NewObserverPool(context.Background(), 2, 16)

	var acks atomic.Int64
	counting := ObserverFunc(func(e Event) {
		if e.Type == Ack {
			acks.Add(1)
		}
	})
	panicking := ObserverFunc(func(Event) { panic("observer bug") })

	for i := 0; i < 10; i++ {
		pool.Notify(Event{Type: Ack}, []Observer{panicking, counting})
	}
	require.NoError(t, pool.Close(time.Second))

	assert.Equal(t, int64(10), acks.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(10), stats.Processed)
	assert.Equal(t, uint64(10), stats.ObserverPanics)
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, 16, stats.BufferSize)

	pool.Notify(Event{Type: Ack}, []Observer{counting})
	assert.Equal(t, uint64(1), pool.Stats().Dropped, "closed pool drops")
	assert.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_DropsWhenFull(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)

	release := make(chan struct{})
	blocking := ObserverFunc(func(Event) { <-release })

	for i := 0; i < 50; i++ {
		pool.Notify(Event{Type: Nack}, []Observer{blocking})
	}
	assert.Positive(t, pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_UrgentEventsBypassFullBuffer(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 1)

	release := make(chan struct{})
	blocking := ObserverFunc(func(Event) { <-release })
	for i := 0; i < 20; i++ {
		pool.Notify(Event{Type: ConsumeStart}, []Observer{blocking})
	}
	require.Positive(t, pool.Stats().Dropped, "routine lane is saturated")

	var mu sync.Mutex
	var seen []EventType
	recorder := ObserverFunc(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	dropped := pool.Stats().Dropped
	pool.Notify(Event{Type: Degraded}, []Observer{recorder})
	pool.Notify(Event{Type: DeadLetter}, []Observer{recorder})

	// Delivered while the routine worker is still stuck.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{Degraded, DeadLetter}, seen)
	assert.Equal(t, dropped, pool.Stats().Dropped)
	assert.Equal(t, uint64(2), pool.Stats().Urgent)

	close(release)
	require.NoError(t, pool.Close(time.Second))
}

func TestObserverPool_UrgentEventsAfterCloseAreDeliveredInline(t *testing.T) {
	pool := NewObserverPool(context.Background(), 1, 4)
	require.NoError(t, pool.Close(time.Second))

	var got []EventType
	recorder := ObserverFunc(func(e Event) { got = append(got, e.Type) })
	pool.Notify(Event{Type: Ack}, []Observer{recorder})
	pool.Notify(Event{Type: Degraded}, []Observer{recorder})

	assert.Equal(t, []EventType{Degraded}, got)
	assert.Equal(t, uint64(1), pool.Stats().Dropped)
}
