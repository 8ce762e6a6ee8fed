package xstream

import (
	"context"
	"maps"
	"strconv"

	"github.com/trickstertwo/xlog"
)

// Fields added to dead-lettered entries by StreamDeadLetter.
const (
	FieldOrigStream    = "orig_stream"
	FieldOrigID        = "orig_id"
	FieldOrigGroup     = "orig_group"
	FieldDeliveryCount = "delivery_count"
	FieldError         = "error"
)

// DeadLetterFunc is an Adapter that lets a plain function satisfy DeadLetterSink.
type DeadLetterFunc func(ctx context.Context, msg *Message, cause error) error

func (f DeadLetterFunc) Route(ctx context.Context, msg *Message, cause error) error {
	return f(ctx, msg, cause)
}

// LoggingDeadLetter logs terminal failures and keeps nothing. It is the sink used
// when none is configured.
type LoggingDeadLetter struct {
	Logger *xlog.Logger
}

func (s LoggingDeadLetter) Route(_ context.Context, msg *Message, cause error) error {
	if s.Logger == nil {
		return nil
	}
	md := msg.Metadata
	s.Logger.Error().
		Err(cause).
		Str("stream", md.StreamKey).
		Str("group", md.ConsumerGroup).
		Str("entry_id", md.EntryID).
		Float64("delivery_count", float64(md.DeliveryCount)).
		Msg("xstream: message dead-lettered")
	return nil
}

// StreamDeadLetter appends terminal failures to another stream, keeping the
// original fields and payload plus origin metadata.
type StreamDeadLetter struct {
	Broker       Broker
	Stream       string
	PayloadField string
	// MaxLen bounds the dead-letter stream (approximate trimming); 0 keeps everything.
	MaxLen int64
}

// NewStreamDeadLetter returns a sink appending to stream through b.
func NewStreamDeadLetter(b Broker, stream string) *StreamDeadLetter {
	return &StreamDeadLetter{Broker: b, Stream: stream, PayloadField: DefaultPayloadField}
}

func (s *StreamDeadLetter) Route(ctx context.Context, msg *Message, cause error) error {
	md := msg.Metadata
	extra := maps.Clone(md.AdditionalFields)
	if extra == nil {
		extra = make(map[string]string, 5)
	}
	extra[FieldOrigStream] = md.StreamKey
	extra[FieldOrigID] = md.EntryID
	extra[FieldOrigGroup] = md.ConsumerGroup
	extra[FieldDeliveryCount] = strconv.FormatInt(md.DeliveryCount, 10)
	if cause != nil {
		extra[FieldError] = cause.Error()
	}

	fields := extra
	if msg.Payload != nil {
		fields = NewEntryCodec(s.PayloadField).Encode(msg.Payload, extra)
	}
	_, err := s.Broker.Append(ctx, AppendArgs{
		Stream: s.Stream,
		Fields: fields,
		MaxLen: s.MaxLen,
		Approx: true,
	})
	return err
}
