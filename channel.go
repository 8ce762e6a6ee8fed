package xstream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// runtime is what a channel borrows from its connector.
type runtime struct {
	codec       Codec
	logger      *xlog.Logger
	clock       xclock.Clock
	middlewares []Middleware
	sink        DeadLetterSink
	notify      func(Event)
	metrics     *connectorMetrics
}

// ChannelStats is a point-in-time view of a channel's backpressure state.
type ChannelStats struct {
	Capacity  int
	Available int
	InFlight  int
}

// Channel is one running consumer: a poller, a worker pool and a tracker bound to
// a stream consumer group. It stops when Close is called, when the context given
// to Consume ends, or when the broker stays unreachable past the retry budget.
type Channel struct {
	cfg        ChannelConfig
	rt         *runtime
	credits    *Credits
	tracker    *tracker
	dispatcher *dispatcher
	poller     *poller

	pollCtx      context.Context
	pollCancel   context.CancelFunc
	settleCtx    context.Context
	settleCancel context.CancelFunc
	pollerDone   chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	onStop       func(*Channel)

	degraded atomic.Bool
	errMu    sync.Mutex
	err      error
}

func startChannel(ctx context.Context, cfg ChannelConfig, broker Broker, handler Handler, rt *runtime, onStop func(*Channel)) (*Channel, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, configErrorf("handler", "required")
	}

	if cfg.AutoCreateGroup {
		err := cfg.Retry.do(ctx, "ensure-group", func(ctx context.Context) error {
			return broker.EnsureGroup(ctx, cfg.Stream, cfg.Group, cfg.StartID)
		})
		if err != nil {
			return nil, err
		}
	}

	c := &Channel{
		cfg:        cfg,
		rt:         rt,
		credits:    NewCredits(cfg.BatchSize),
		pollerDone: make(chan struct{}),
		done:       make(chan struct{}),
		onStop:     onStop,
	}
	c.pollCtx, c.pollCancel = context.WithCancel(ctx)
	c.settleCtx, c.settleCancel = context.WithCancel(context.WithoutCancel(ctx))

	c.tracker = newTracker(c.settleCtx, cfg, broker, c.credits, rt, c.fail)
	c.dispatcher = newDispatcher(cfg, handler, c.tracker, rt)
	entries := NewEntryCodec(cfg.PayloadField)
	c.poller = &poller{
		cfg:        cfg,
		broker:     broker,
		entries:    entries,
		credits:    c.credits,
		tracker:    c.tracker,
		dispatcher: c.dispatcher,
		reclaimer:  newReclaimer(cfg, broker, c.credits, c.tracker, c.dispatcher, rt),
		rt:         rt,
		fail:       c.fail,
	}

	c.dispatcher.start()
	go func() {
		defer close(c.pollerDone)
		c.poller.run(c.pollCtx)
	}()
	go c.watch()

	rt.logger.Info().
		Str("channel", cfg.Name).
		Str("stream", cfg.Stream).
		Str("group", cfg.Group).
		Str("consumer", cfg.Consumer).
		Msg("xstream: channel started")
	return c, nil
}

// watch performs the shutdown sequence once polling stops for any reason.
func (c *Channel) watch() {
	<-c.pollCtx.Done()
	<-c.pollerDone

	if !c.dispatcher.drain(c.cfg.ShutdownTimeout) {
		c.rt.logger.Warn().
			Str("channel", c.cfg.Name).
			Dur("timeout", c.cfg.ShutdownTimeout).
			Msg("xstream: shutdown timeout; unfinished entries left pending")
	}
	c.settleCancel()
	close(c.done)
	if c.onStop != nil {
		c.onStop(c)
	}
	c.rt.logger.Info().Str("channel", c.cfg.Name).Msg("xstream: channel stopped")
}

// fail marks the channel degraded and stops polling. Only the first error is kept.
func (c *Channel) fail(err error) {
	if c.settleCtx.Err() != nil {
		return
	}
	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.errMu.Unlock()
	if !first {
		return
	}

	c.degraded.Store(true)
	c.rt.metrics.errors.Add(1)
	c.rt.logger.Error().Err(err).Str("channel", c.cfg.Name).Msg("xstream: channel degraded")
	c.rt.notify(Event{
		Type:    Degraded,
		Channel: c.cfg.Name,
		Stream:  c.cfg.Stream,
		Group:   c.cfg.Group,
		Err:     err,
	})
	c.pollCancel()
}

func (c *Channel) isStopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close stops reading, drains in-flight work up to ShutdownTimeout and waits for
// the channel to stop or ctx to end. It returns the degradation error, if any.
func (c *Channel) Close(ctx context.Context) error {
	c.stopOnce.Do(c.pollCancel)
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the channel has fully stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the error that degraded the channel, or nil.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Config returns the effective configuration, defaults applied.
func (c *Channel) Config() ChannelConfig { return c.cfg }

// Stats returns the current credit state.
func (c *Channel) Stats() ChannelStats {
	inFlight := c.credits.InFlight()
	return ChannelStats{
		Capacity:  c.credits.Capacity(),
		Available: c.credits.Capacity() - inFlight,
		InFlight:  inFlight,
	}
}

// Health reports degraded after a transport failure and unhealthy once stopped.
func (c *Channel) Health(_ context.Context) HealthStatus {
	now := c.rt.clock.Now()
	switch {
	case c.degraded.Load():
		return HealthStatus{Status: StatusDegraded, Timestamp: now, Message: c.Err().Error()}
	case c.isStopping() || c.pollCtx.Err() != nil:
		return HealthStatus{Status: StatusUnhealthy, Timestamp: now, Message: "channel is closed"}
	}
	return HealthStatus{Status: StatusHealthy, Timestamp: now}
}
