package xstream

import "maps"

// EntryCodec maps stream entries to messages and back. One field carries the
// payload; every other field travels as additional metadata.
type EntryCodec struct {
	PayloadField string
}

// DecodeContext is what the codec cannot read from the entry itself.
type DecodeContext struct {
	Stream        string
	Group         string
	DeliveryCount int64
}

// NewEntryCodec returns a codec for payloadField ("message" when empty).
func NewEntryCodec(payloadField string) EntryCodec {
	if payloadField == "" {
		payloadField = DefaultPayloadField
	}
	return EntryCodec{PayloadField: payloadField}
}

// Decode builds a Message from entry. When the payload field is missing it still
// returns the message (nil payload, every field kept) together with a *DecodeError,
// so the caller can nack it instead of dropping it.
func (c EntryCodec) Decode(entry StreamEntry, dc DecodeContext) (*Message, error) {
	msg := &Message{
		Metadata: Metadata{
			StreamKey:        dc.Stream,
			EntryID:          entry.ID,
			ConsumerGroup:    dc.Group,
			DeliveryCount:    dc.DeliveryCount,
			AdditionalFields: make(map[string]string, len(entry.Fields)),
		},
	}
	payload, ok := entry.Fields[c.PayloadField]
	for k, v := range entry.Fields {
		if k == c.PayloadField {
			continue
		}
		msg.Metadata.AdditionalFields[k] = v
	}
	if !ok {
		return msg, &DecodeError{EntryID: entry.ID, Field: c.PayloadField, Reason: "payload field missing"}
	}
	msg.Payload = []byte(payload)
	return msg, nil
}

// Encode builds the field map for an outbound entry. Overrides are copied first,
// so the payload field always wins.
func (c EntryCodec) Encode(payload []byte, overrides map[string]string) map[string]string {
	fields := make(map[string]string, len(overrides)+1)
	maps.Copy(fields, overrides)
	fields[c.PayloadField] = string(payload)
	return fields
}
