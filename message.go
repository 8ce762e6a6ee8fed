package xstream

import (
	"maps"
	"time"
)

// StreamEntry is a raw entry as stored by the broker: a stream-assigned ID and its field map.
type StreamEntry struct {
	// ID is the broker-assigned identifier ("<ms>-<seq>"), strictly increasing per stream.
	ID string
	// Fields holds the entry's field/value pairs.
	Fields map[string]string
}

// Metadata describes where an inbound message came from.
type Metadata struct {
	StreamKey     string
	EntryID       string
	ConsumerGroup string
	// DeliveryCount is the broker-tracked number of deliveries, 1 on the first read.
	DeliveryCount int64
	// AdditionalFields holds every entry field except the payload field.
	AdditionalFields map[string]string
}

// Message is the envelope handed to a Handler. The Payload is the raw payload field;
// use Decode to unmarshal it with the channel codec.
type Message struct {
	Payload  []byte
	Metadata Metadata
}

// clone returns a deep copy safe to hand to a sink after the delivery is gone.
func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{Metadata: m.Metadata}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	c.Metadata.AdditionalFields = maps.Clone(m.Metadata.AdditionalFields)
	return c
}

// PendingRecord mirrors one entry of the consumer group's pending entries list.
// It is only valid for the scan that produced it.
type PendingRecord struct {
	EntryID       string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}
