package xstream

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type (
	depsKey     struct{}
	metadataKey struct{}
)

// handlerDeps is what a channel hands every handler invocation through its context.
type handlerDeps struct {
	codec  Codec
	logger *xlog.Logger
	clock  xclock.Clock
}

func depsFrom(ctx context.Context) handlerDeps {
	d, _ := ctx.Value(depsKey{}).(handlerDeps)
	return d
}

// InjectAll attaches the codec, logger and clock a handler resolves through the
// *FromContext accessors. Nil values are reported as absent.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	return context.WithValue(ctx, depsKey{}, handlerDeps{codec: codec, logger: logger, clock: clock})
}

// CodecFromContext returns the channel codec, used by Decode.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	c := depsFrom(ctx).codec
	return c, c != nil
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	l := depsFrom(ctx).logger
	return l, l != nil
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	c := depsFrom(ctx).clock
	return c, c != nil
}

func withMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata of the message being handled.
func MetadataFromContext(ctx context.Context) (Metadata, bool) {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	return md, ok
}
