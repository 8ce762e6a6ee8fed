package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xstream"
)

func init() {
	if err := xstream.RegisterBroker(BrokerName, func(cfg map[string]any) (xstream.Broker, error) {
		return NewBroker(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xstream: failed to register broker %q: %w", BrokerName, err))
	}
}

// Use builds a Connector on a fresh in-memory broker and sets it as the default.
//
// Example:
//
//	conn, br := memory.Use(memory.Config{MaxLen: 10_000},
//	    memory.WithLogger(logger),
//	    memory.WithObserver(observer),
//	)
//	br.Advance(time.Minute) // age pending entries in tests
func Use(cfg Config, opts ...Option) (*xstream.Connector, *Broker) {
	c, br, err := Build(cfg, opts...)
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	xstream.SetDefault(c)
	return c, br
}

// Build is Use without the global install. The broker is returned so tests can
// inspect pending lists and move its clock.
func Build(cfg Config, opts ...Option) (*xstream.Connector, *Broker, error) {
	br := NewBroker(cfg)
	cb := xstream.NewConnectorBuilder().WithBrokerInstance(br)
	if cfg.Clock != nil {
		cb.WithClock(cfg.Clock)
	}
	for _, o := range opts {
		if o != nil {
			o(cb)
		}
	}
	c, err := cb.Build()
	if err != nil {
		return nil, nil, err
	}
	return c, br, nil
}

// toMap converts Config to the generic map expected by the broker factory.
func (c Config) toMap() map[string]any {
	m := map[string]any{"max_len": c.MaxLen}
	if c.Clock != nil {
		m["clock"] = c.Clock
	}
	return m
}

// Option configures the xstream.Connector when calling Use.
type Option func(*xstream.ConnectorBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock into the connector.
func WithClock(c xclock.Clock) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xstream.Middleware) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout bounds each acknowledgment attempt (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xstream.Observer) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// WithDeadLetter sets the sink for exhausted messages.
func WithDeadLetter(s xstream.DeadLetterSink) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithDeadLetter(s) }
}
