package xstream

import (
	"context"
	"sync"
)

var (
	defaultConnector   *Connector
	defaultConnectorMu sync.Mutex
)

// Default returns the process-wide Connector installed by SetDefault (typically
// through an adapter's Use), or ErrNoBrokerConfigured.
func Default() (*Connector, error) {
	defaultConnectorMu.Lock()
	defer defaultConnectorMu.Unlock()

	if defaultConnector == nil {
		return nil, ErrNoBrokerConfigured
	}
	return defaultConnector, nil
}

// SetDefault replaces the process-wide default Connector.
func SetDefault(c *Connector) {
	if c == nil {
		panic("xstream: SetDefault called with nil Connector")
	}
	defaultConnectorMu.Lock()
	defaultConnector = c
	defaultConnectorMu.Unlock()
}

// Consume is the Facade using the default connector.
func Consume(ctx context.Context, cfg ChannelConfig, handler Handler) (*Channel, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Consume(ctx, cfg, handler)
}

// Send is the Facade using the default connector.
func Send(ctx context.Context, stream string, payload any, fields map[string]string) (string, error) {
	c, err := Default()
	if err != nil {
		return "", err
	}
	return c.Send(ctx, stream, payload, fields)
}
