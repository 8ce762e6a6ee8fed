package xstream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Connector is the central Facade binding handlers and producers to a Broker.
type Connector struct {
	broker       Broker
	codec        Codec
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	sink         DeadLetterSink
	ackTimeout   time.Duration
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []registeredObserver
	observerSeq  uint64
	metrics      *connectorMetrics
	rt           *runtime

	channelsMu sync.Mutex
	channels   map[*Channel]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

type registeredObserver struct {
	id  uint64
	obs Observer
}

// connectorMetrics uses lock-free atomics shared by every channel and producer.
type connectorMetrics struct {
	sent         atomic.Uint64
	consumed     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	deadLettered atomic.Uint64
	reclaimed    atomic.Uint64
	errors       atomic.Uint64
	processingNs atomic.Int64
	sendNs       atomic.Int64
}

// recordProcessingTime folds one handler run into the processing-time average.
func (m *connectorMetrics) recordProcessingTime(ns int64) { recordEMA(&m.processingNs, ns) }

// recordSendTime folds one producer append into the send-time average.
func (m *connectorMetrics) recordSendTime(ns int64) { recordEMA(&m.sendNs, ns) }

// recordEMA updates an exponential moving average held in v.
func recordEMA(v *atomic.Int64, ns int64) {
	const alpha = 0.2
	for {
		current := v.Load()
		next := ns
		if current != 0 {
			next = int64(float64(ns)*alpha + float64(current)*(1-alpha))
		}
		if v.CompareAndSwap(current, next) {
			return
		}
	}
}

func newConnector(broker Broker, codec Codec, clock xclock.Clock, logger *xlog.Logger, sink DeadLetterSink, pool *ObserverPool, mws []Middleware, ackTimeout time.Duration) *Connector {
	c := &Connector{
		broker:       broker,
		codec:        codec,
		clock:        clock,
		logger:       logger,
		middlewares:  mws,
		sink:         sink,
		ackTimeout:   ackTimeout,
		observerPool: pool,
		metrics:      &connectorMetrics{},
		channels:     make(map[*Channel]struct{}),
	}
	c.rt = &runtime{
		codec:       codec,
		logger:      logger,
		clock:       clock,
		middlewares: mws,
		sink:        sink,
		notify:      c.notifyAsync,
		metrics:     c.metrics,
	}
	return c
}

// Codec returns the configured codec (Strategy).
func (c *Connector) Codec() Codec { return c.codec }

// Broker returns the underlying broker.
func (c *Connector) Broker() Broker { return c.broker }

// Consume starts a channel delivering entries of cfg.Stream to handler. Canceling
// ctx stops the channel the same way Channel.Close does.
func (c *Connector) Consume(ctx context.Context, cfg ChannelConfig, handler Handler) (*Channel, error) {
	if c.closed.Load() {
		return nil, ErrConnectorClosed
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = c.ackTimeout
	}

	ch, err := startChannel(ctx, cfg, c.broker, handler, c.rt, c.forget)
	if err != nil {
		return nil, err
	}
	c.channelsMu.Lock()
	if c.closed.Load() {
		// Close already took its snapshot of channels; this one would outlive the broker.
		c.channelsMu.Unlock()
		_ = ch.Close(context.WithoutCancel(ctx))
		return nil, ErrConnectorClosed
	}
	if !ch.isStopping() {
		c.channels[ch] = struct{}{}
	}
	c.channelsMu.Unlock()
	return ch, nil
}

func (c *Connector) forget(ch *Channel) {
	c.channelsMu.Lock()
	delete(c.channels, ch)
	c.channelsMu.Unlock()
}

// Producer returns a producer for cfg.Stream.
func (c *Connector) Producer(cfg ProducerConfig) (*Producer, error) {
	if c.closed.Load() {
		return nil, ErrConnectorClosed
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{
		cfg:     cfg,
		broker:  c.broker,
		codec:   c.codec,
		entries: NewEntryCodec(cfg.PayloadField),
		clock:   c.clock,
		closed:  c.closed.Load,
		notify:  c.notifyAsync,
		metrics: c.metrics,
	}, nil
}

// Send appends one message to stream with the default producer settings.
func (c *Connector) Send(ctx context.Context, stream string, payload any, fields map[string]string) (string, error) {
	p, err := c.Producer(ProducerConfig{Stream: stream})
	if err != nil {
		return "", err
	}
	return p.Send(ctx, payload, fields)
}

// GetMetrics returns current connector metrics.
func (c *Connector) GetMetrics() Metrics {
	var dropped uint64
	if c.observerPool != nil {
		dropped = c.observerPool.Stats().Dropped
	}
	return Metrics{
		Sent:                c.metrics.sent.Load(),
		Consumed:            c.metrics.consumed.Load(),
		Acked:               c.metrics.acked.Load(),
		Nacked:              c.metrics.nacked.Load(),
		DeadLettered:        c.metrics.deadLettered.Load(),
		Reclaimed:           c.metrics.reclaimed.Load(),
		Errors:              c.metrics.errors.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(c.metrics.processingNs.Load()) / 1e6,
		AvgSendTimeMs:       float64(c.metrics.sendNs.Load()) / 1e6,
	}
}

// ObserverStats returns telemetry of the async observer pool.
func (c *Connector) ObserverStats() PoolStats {
	if c.observerPool == nil {
		return PoolStats{}
	}
	return c.observerPool.Stats()
}

// Health checks connector health for probes: unhealthy when closed or the broker
// does not answer, degraded when a channel is degraded or errors exceed 5% of traffic.
func (c *Connector) Health(ctx context.Context) HealthStatus {
	now := c.clock.Now()
	if c.closed.Load() {
		return HealthStatus{Status: StatusUnhealthy, Timestamp: now, Message: "connector is closed"}
	}

	metrics := c.GetMetrics()
	if err := c.broker.Ping(ctx); err != nil {
		return HealthStatus{Status: StatusUnhealthy, Metrics: metrics, Timestamp: now, Message: err.Error()}
	}

	for _, ch := range c.activeChannels() {
		if ch.degraded.Load() {
			return HealthStatus{
				Status:    StatusDegraded,
				Metrics:   metrics,
				Timestamp: now,
				Message:   "channel " + ch.cfg.Name + " degraded: " + ch.Err().Error(),
			}
		}
	}

	status := StatusHealthy
	if traffic := metrics.Sent + metrics.Consumed; metrics.Errors > 0 && traffic > 0 {
		if float64(metrics.Errors)/float64(traffic) > 0.05 {
			status = StatusDegraded
		}
	}
	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

func (c *Connector) activeChannels() []*Channel {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Close stops every channel (draining in-flight work), the observer pool and the broker.
// Idempotent.
func (c *Connector) Close(ctx context.Context) error {
	var errs []error

	c.closeOnce.Do(func() {
		c.closed.Store(true)

		// 1. Stop channels; they keep acking until drained.
		for _, ch := range c.activeChannels() {
			if err := ch.Close(ctx); err != nil {
				c.logger.Warn().Err(err).Str("channel", ch.cfg.Name).Msg("xstream: channel close")
				errs = append(errs, err)
			}
		}

		// 2. Drain observer pool
		if c.observerPool != nil {
			if err := c.observerPool.Close(5 * time.Second); err != nil {
				c.logger.Warn().Err(err).Msg("xstream: observer pool shutdown timeout")
				errs = append(errs, err)
			}
		}

		// 3. Close broker
		if err := c.broker.Close(ctx); err != nil {
			c.logger.Error().Err(err).Msg("xstream: broker close failed")
			errs = append(errs, err)
		}
	})

	return errors.Join(errs...)
}

// AddObserver registers an observer (thread-safe). The returned func removes
// exactly this registration and is the way to remove function observers.
func (c *Connector) AddObserver(obs Observer) (remove func()) {
	if obs == nil {
		return func() {}
	}
	c.observersMu.Lock()
	c.observerSeq++
	id := c.observerSeq
	c.observers = append(c.observers, registeredObserver{id: id, obs: obs})
	c.observersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeObserverWhere(func(r registeredObserver) bool { return r.id == id })
		})
	}
}

// RemoveObserver removes the first registration equal to obs. Observers of
// uncomparable types such as ObserverFunc cannot be matched by value; remove them
// with the func returned by AddObserver.
func (c *Connector) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	t := reflect.TypeOf(obs)
	c.removeObserverWhere(func(r registeredObserver) bool {
		return reflect.TypeOf(r.obs) == t && r.obs == obs
	})
}

func (c *Connector) removeObserverWhere(match func(registeredObserver) bool) {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()
	for i, r := range c.observers {
		if match(r) {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

// notifyAsync hands events to the observer pool; it never blocks the caller.
func (c *Connector) notifyAsync(e Event) {
	if c.observerPool == nil {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	for i, r := range c.observers {
		observers[i] = r.obs
	}
	c.observersMu.RUnlock()

	c.observerPool.Notify(e, observers)
}
