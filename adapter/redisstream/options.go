package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xstream"
)

// Option configures the xstream.Connector construction when calling Use.
type Option func(*xstream.ConnectorBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xstream.Middleware) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout bounds each acknowledgment attempt.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xstream.Observer) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithObserver(obs...) }
}

// WithDeadLetter sets the sink for exhausted messages. It takes precedence over
// Config.DeadLetterStream.
func WithDeadLetter(s xstream.DeadLetterSink) Option {
	return func(b *xstream.ConnectorBuilder) { b.WithDeadLetter(s) }
}
