package xstream

import (
	"context"
	"encoding/json"
	"fmt"
)

// Codec is the Strategy for encoding/decoding payloads on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default JSON implementation.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// encodePayload turns an outbound payload into bytes. Raw bytes and strings are
// written as-is so non-Go producers and consumers interoperate.
func encodePayload(c Codec, payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, ErrInvalidPayload
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	}
	return c.Marshal(payload)
}

// DecodeCodec unmarshals the message payload into T with c.
func DecodeCodec[T any](c Codec, msg *Message) (T, error) {
	var v T
	if msg == nil || msg.Payload == nil {
		return v, ErrInvalidPayload
	}
	if err := c.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("xstream: %s payload of %s: %w", c.Name(), msg.Metadata.EntryID, err)
	}
	return v, nil
}

// Decode unmarshals msg.Payload into T with the channel codec carried by ctx,
// or JSON when the handler runs outside a channel.
func Decode[T any](ctx context.Context, msg *Message) (T, error) {
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return DecodeCodec[T](c, msg)
}
