package xstream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// dispatcher runs the handler for each delivery on a bounded worker pool and maps
// the outcome to ack or nack.
type dispatcher struct {
	cfg     ChannelConfig
	handler Handler
	tracker *tracker
	rt      *runtime

	// baseCtx carries codec, logger and clock; it is not canceled on shutdown so
	// handlers being drained can finish.
	baseCtx context.Context

	work     chan *delivery
	wg       sync.WaitGroup
	stopping atomic.Bool
}

func newDispatcher(cfg ChannelConfig, handler Handler, tr *tracker, rt *runtime) *dispatcher {
	base := RecoveryMiddleware()(handler)
	return &dispatcher{
		cfg:     cfg,
		handler: Chain(base, rt.middlewares...),
		tracker: tr,
		rt:      rt,
		baseCtx: InjectAll(context.Background(), rt.codec, rt.logger, rt.clock),
		work:    make(chan *delivery, cfg.BatchSize),
	}
}

func (d *dispatcher) workers() int {
	if d.cfg.Ordered {
		return 1
	}
	return min(d.cfg.Concurrency, d.cfg.BatchSize)
}

func (d *dispatcher) start() {
	for i := 0; i < d.workers(); i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for dl := range d.work {
				if d.stopping.Load() {
					d.tracker.abandon(dl)
					continue
				}
				d.process(dl)
			}
		}()
	}
}

// submit queues dl. Credits bound the queue, so it only blocks when ctx ends first.
func (d *dispatcher) submit(ctx context.Context, dl *delivery) bool {
	select {
	case d.work <- dl:
		return true
	default:
	}
	select {
	case d.work <- dl:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *dispatcher) process(dl *delivery) {
	md := dl.msg.Metadata

	if dl.decodeErr != nil {
		d.rt.metrics.errors.Add(1)
		_ = d.tracker.onNack(dl, dl.decodeErr)
		return
	}
	if md.DeliveryCount > d.cfg.maxDeliveries() {
		_ = d.tracker.onExhausted(dl)
		return
	}

	d.rt.metrics.consumed.Add(1)
	d.rt.notify(d.tracker.event(ConsumeStart, dl, nil))

	start := d.rt.clock.Now()
	err := d.invoke(withMetadata(d.baseCtx, md), dl.msg)
	duration := d.rt.clock.Since(start)
	d.rt.metrics.recordProcessingTime(duration.Nanoseconds())

	done := d.tracker.event(ConsumeDone, dl, err)
	done.Duration = duration
	d.rt.notify(done)

	if err == nil {
		_ = d.tracker.onAck(dl)
		return
	}
	_ = d.tracker.onNack(dl, &ProcessingError{EntryID: md.EntryID, Err: err})
}

// invoke runs the wrapped handler; panics raised by middlewares are caught here.
func (d *dispatcher) invoke(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.rt.metrics.errors.Add(1)
			d.rt.logger.Warn().Str("entry_id", msg.Metadata.EntryID).Msg("xstream: handler panic (recovered)")
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return d.handler(ctx, msg)
}

// drain closes the queue and waits for workers up to timeout. On timeout, queued
// deliveries are abandoned (left pending) and drain reports false.
func (d *dispatcher) drain(timeout time.Duration) bool {
	close(d.work)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
	}

	d.stopping.Store(true)
	for dl := range d.work {
		d.tracker.abandon(dl)
	}
	return false
}
