package xstream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool delivers events to observers off the consumer path so a slow
// observer never stalls polling, dispatch or acknowledgment.
//
// Events travel on two lanes. Routine events (consume, ack, nack, reclaim, send)
// share a bounded buffer and are dropped when it is full. Events that report lost
// work or a stopped channel (Degraded, DeadLetter) go through an unbounded queue
// served by a dedicated goroutine and are never dropped; once the pool is closed
// they are delivered on the caller's goroutine.
type ObserverPool struct {
	routine chan *Event
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool

	urgentMu   sync.Mutex
	urgent     []*Event
	urgentDone bool
	urgentWake chan struct{}

	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
	urgentN   atomic.Uint64
}

// isUrgent reports whether an event must reach observers even under load.
func isUrgent(t EventType) bool {
	return t == Degraded || t == DeadLetter
}

// NewObserverPool starts workers routine-lane goroutines with a buffer of
// bufferSize events, plus the urgent-lane goroutine.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		routine:    make(chan *Event, bufferSize),
		workers:    workers,
		ctx:        poolCtx,
		cancel:     cancel,
		urgentWake: make(chan struct{}, 1),
	}

	op.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go op.routineWorker()
	}
	go op.urgentWorker()
	return op
}

// Notify queues e for observers, captured at call time. It never blocks on an
// observer.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	e.observers = append([]Observer(nil), observers...)

	if isUrgent(e.Type) {
		op.notifyUrgent(&e)
		return
	}
	if op.closed.Load() {
		op.dropped.Add(1)
		return
	}
	select {
	case op.routine <- &e:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) notifyUrgent(e *Event) {
	op.urgentN.Add(1)

	op.urgentMu.Lock()
	if op.urgentDone {
		op.urgentMu.Unlock()
		op.dispatch(e)
		return
	}
	op.urgent = append(op.urgent, e)
	op.urgentMu.Unlock()

	select {
	case op.urgentWake <- struct{}{}:
	default:
	}
}

func (op *ObserverPool) routineWorker() {
	defer op.wg.Done()
	for {
		select {
		case e := <-op.routine:
			op.dispatch(e)
		case <-op.ctx.Done():
			for {
				select {
				case e := <-op.routine:
					op.dispatch(e)
				default:
					return
				}
			}
		}
	}
}

func (op *ObserverPool) urgentWorker() {
	defer op.wg.Done()
	for {
		op.urgentMu.Lock()
		batch := op.urgent
		op.urgent = nil
		op.urgentMu.Unlock()

		for _, e := range batch {
			op.dispatch(e)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-op.urgentWake:
		case <-op.ctx.Done():
			// Anything queued from here on is delivered by Notify itself.
			op.urgentMu.Lock()
			rest := op.urgent
			op.urgent = nil
			op.urgentDone = true
			op.urgentMu.Unlock()
			for _, e := range rest {
				op.dispatch(e)
			}
			return
		}
	}
}

// dispatch calls every observer of e, recovering observer panics.
func (op *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					op.panics.Add(1)
				}
			}()
			obs.OnEvent(*e)
		}()
	}
	op.processed.Add(1)
}

// Close stops accepting routine events and waits up to timeout for both lanes
// to drain.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}
	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	op.urgentMu.Lock()
	queued := len(op.urgent)
	op.urgentMu.Unlock()

	return PoolStats{
		Dropped:        op.dropped.Load(),
		Processed:      op.processed.Load(),
		ObserverPanics: op.panics.Load(),
		Urgent:         op.urgentN.Load(),
		ActiveEvents:   len(op.routine) + queued,
		Workers:        op.workers,
		BufferSize:     cap(op.routine),
	}
}
