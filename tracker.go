package xstream

import (
	"context"
	"sync"
	"sync/atomic"
)

// delivery is one attempt at processing one entry. It owns one credit until settled.
type delivery struct {
	msg       *Message
	decodeErr error
	reclaimed bool
	settled   atomic.Bool
}

func (d *delivery) id() string { return d.msg.Metadata.EntryID }

// tracker settles deliveries against the broker: ack on success, leave pending or
// dead-letter on failure. It is the only place credits are returned after dispatch.
type tracker struct {
	cfg     ChannelConfig
	broker  Broker
	credits *Credits
	rt      *runtime
	fail    func(error)

	// ctx bounds settlement calls; it outlives polling so drained work can still ack.
	ctx context.Context

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func newTracker(ctx context.Context, cfg ChannelConfig, broker Broker, credits *Credits, rt *runtime, fail func(error)) *tracker {
	return &tracker{
		cfg:      cfg,
		broker:   broker,
		credits:  credits,
		rt:       rt,
		fail:     fail,
		ctx:      ctx,
		inFlight: make(map[string]struct{}, cfg.BatchSize),
	}
}

// begin registers d as in flight. It returns false when the entry is already being
// processed locally; the caller then owns the credit and must release it.
func (t *tracker) begin(d *delivery) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inFlight[d.id()]; ok {
		return false
	}
	t.inFlight[d.id()] = struct{}{}
	return true
}

func (t *tracker) isInFlight(id string) bool {
	t.mu.Lock()
	_, ok := t.inFlight[id]
	t.mu.Unlock()
	return ok
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

func (t *tracker) finish(d *delivery) {
	t.mu.Lock()
	delete(t.inFlight, d.id())
	t.mu.Unlock()
	t.credits.Release(1)
}

// onAck acknowledges a successfully processed delivery.
func (t *tracker) onAck(d *delivery) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer t.finish(d)

	if err := t.ack(d.id()); err != nil {
		t.fail(err)
		return err
	}
	t.rt.metrics.acked.Add(1)
	t.rt.notify(t.event(Ack, d, nil))
	return nil
}

// onNack records a failed attempt. Failures before the delivery budget is spent leave
// the entry pending for redelivery; the last one dead-letters and acknowledges it.
func (t *tracker) onNack(d *delivery, cause error) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer t.finish(d)

	t.rt.metrics.nacked.Add(1)
	t.rt.notify(t.event(Nack, d, cause))

	count := d.msg.Metadata.DeliveryCount
	if count < t.cfg.maxDeliveries() {
		return nil
	}
	return t.terminal(d, count+1, cause)
}

// onExhausted settles a delivery whose count was already past the budget when it
// arrived, without running the handler.
func (t *tracker) onExhausted(d *delivery) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer t.finish(d)
	return t.terminal(d, d.msg.Metadata.DeliveryCount, ErrRetriesExhausted)
}

// abandon drops a delivery without touching the broker; the entry stays pending.
func (t *tracker) abandon(d *delivery) {
	if d.settled.CompareAndSwap(false, true) {
		t.finish(d)
	}
}

// terminal routes a copy to the dead-letter sink, then acknowledges the entry.
// The route happens first so a crash in between redelivers instead of losing it.
func (t *tracker) terminal(d *delivery, count int64, cause error) error {
	dead := d.msg.clone()
	dead.Metadata.DeliveryCount = count

	err := t.cfg.Retry.do(t.ctx, "dead-letter", func(ctx context.Context) error {
		return t.rt.sink.Route(ctx, dead, cause)
	})
	if err != nil {
		t.fail(err)
		return err
	}
	if err := t.ack(d.id()); err != nil {
		t.fail(err)
		return err
	}
	t.rt.metrics.deadLettered.Add(1)
	ev := t.event(DeadLetter, d, cause)
	ev.DeliveryCount = count
	t.rt.notify(ev)
	return nil
}

func (t *tracker) ack(id string) error {
	err := t.cfg.Retry.do(t.ctx, "ack", func(ctx context.Context) error {
		actx, cancel := t.attemptCtx(ctx)
		defer cancel()
		_, err := t.broker.Ack(actx, t.cfg.Stream, t.cfg.Group, id)
		return err
	})
	if err != nil || !t.cfg.DeleteOnAck {
		return err
	}

	// The entry is already out of the pending list; a failed delete only leaves it in the stream.
	derr := t.cfg.Retry.do(t.ctx, "delete", func(ctx context.Context) error {
		actx, cancel := t.attemptCtx(ctx)
		defer cancel()
		return t.broker.Delete(actx, t.cfg.Stream, id)
	})
	if derr != nil {
		t.rt.metrics.errors.Add(1)
		t.rt.logger.Warn().Err(derr).Str("entry_id", id).Msg("xstream: delete after ack failed")
	}
	return nil
}

func (t *tracker) attemptCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.AckTimeout > 0 {
		return context.WithTimeout(ctx, t.cfg.AckTimeout)
	}
	return ctx, func() {}
}

func (t *tracker) event(typ EventType, d *delivery, err error) Event {
	return Event{
		Type:          typ,
		Channel:       t.cfg.Name,
		Stream:        t.cfg.Stream,
		Group:         t.cfg.Group,
		EntryID:       d.id(),
		DeliveryCount: d.msg.Metadata.DeliveryCount,
		Err:           err,
	}
}
