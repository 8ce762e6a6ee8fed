package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xstream"
)

func init() {
	if err := xstream.RegisterBroker(BrokerName, func(cfg map[string]any) (xstream.Broker, error) {
		return NewBroker(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xstream: failed to register broker %q: %w", BrokerName, err))
	}
}

// Use builds a Connector on Redis Streams, installs it as the process-wide default
// and returns it. It panics when Redis is unreachable or cfg is invalid.
func Use(cfg Config, opts ...Option) *xstream.Connector {
	c, err := Build(cfg, opts...)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	xstream.SetDefault(c)
	return c
}

// Build is Use without the global install and without panicking.
func Build(cfg Config, opts ...Option) (*xstream.Connector, error) {
	br, err := NewBroker(cfg)
	if err != nil {
		return nil, err
	}

	cb := xstream.NewConnectorBuilder().WithBrokerInstance(br)
	if cfg.DeadLetterStream != "" {
		dl := xstream.NewStreamDeadLetter(br, cfg.DeadLetterStream)
		dl.MaxLen = cfg.DeadLetterMaxLen
		cb.WithDeadLetter(dl)
	}
	for _, o := range opts {
		if o != nil {
			o(cb)
		}
	}
	return cb.Build()
}
