package xstream

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ConnectorBuilder constructs Connector instances (Builder pattern).
type ConnectorBuilder struct {
	brokerName string
	brokerCfg  map[string]any
	brokerInst Broker

	codecName string
	codecInst Codec

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration
	deadLetter  DeadLetterSink

	observerWorkers int
	observerBuffer  int
}

// NewConnectorBuilder returns a new builder with sensible defaults.
func NewConnectorBuilder() *ConnectorBuilder {
	return &ConnectorBuilder{
		codecName:       "json",
		ackTimeout:      5 * time.Second,
		observerWorkers: 4,
		observerBuffer:  1000,
	}
}

// WithBroker selects a registered broker by name (see RegisterBroker).
func (cb *ConnectorBuilder) WithBroker(name string, cfg map[string]any) *ConnectorBuilder {
	cb.brokerName = name
	cb.brokerCfg = cfg
	return cb
}

// WithBrokerInstance accepts a ready Broker instance (e.g., from adapter Use()).
func (cb *ConnectorBuilder) WithBrokerInstance(b Broker) *ConnectorBuilder {
	cb.brokerInst = b
	return cb
}

func (cb *ConnectorBuilder) WithCodec(name string) *ConnectorBuilder {
	cb.codecName = name
	return cb
}

// WithCodecInstance accepts a ready Codec instance.
func (cb *ConnectorBuilder) WithCodecInstance(c Codec) *ConnectorBuilder {
	cb.codecInst = c
	return cb
}

func (cb *ConnectorBuilder) WithMiddleware(mw ...Middleware) *ConnectorBuilder {
	cb.middlewares = append(cb.middlewares, mw...)
	return cb
}

func (cb *ConnectorBuilder) WithObserver(obs ...Observer) *ConnectorBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

// WithObserverPool sizes the async observer dispatch pool.
func (cb *ConnectorBuilder) WithObserverPool(workers, bufferSize int) *ConnectorBuilder {
	cb.observerWorkers = workers
	cb.observerBuffer = bufferSize
	return cb
}

func (cb *ConnectorBuilder) WithLogger(l *xlog.Logger) *ConnectorBuilder {
	cb.logger = l
	return cb
}

func (cb *ConnectorBuilder) WithClock(c xclock.Clock) *ConnectorBuilder {
	cb.clock = c
	return cb
}

// WithAckTimeout bounds each acknowledgment attempt for channels that do not set their own.
func (cb *ConnectorBuilder) WithAckTimeout(d time.Duration) *ConnectorBuilder {
	if d > 0 {
		cb.ackTimeout = d
	}
	return cb
}

// WithDeadLetter sets the sink for messages whose retries are exhausted.
// Without one, terminal failures are logged and acknowledged.
func (cb *ConnectorBuilder) WithDeadLetter(s DeadLetterSink) *ConnectorBuilder {
	cb.deadLetter = s
	return cb
}

func (cb *ConnectorBuilder) Build() (*Connector, error) {
	var br Broker
	var err error

	switch {
	case cb.brokerInst != nil:
		br = cb.brokerInst
	case cb.brokerName != "":
		br, err = NewBroker(cb.brokerName, cb.brokerCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoBrokerConfigured
	}

	var cd Codec
	if cb.codecInst != nil {
		cd = cb.codecInst
	} else {
		cd, err = NewCodec(cb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	sink := cb.deadLetter
	if sink == nil {
		sink = LoggingDeadLetter{Logger: lg}
	}

	pool := NewObserverPool(context.Background(), cb.observerWorkers, cb.observerBuffer)
	c := newConnector(br, cd, clk, lg, sink, pool, cb.middlewares, cb.ackTimeout)

	// Attach logging observer first unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range cb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		c.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range cb.observers {
		c.AddObserver(o)
	}

	return c, nil
}

// New constructs a Connector via Builder and returns a close func for convenience.
func New(init func(b *ConnectorBuilder)) (*Connector, func() error, error) {
	b := NewConnectorBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}
