package xstream

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
)

// Producer appends messages to one stream. Append failures are returned to the
// caller as-is; there is no retry on the send path.
type Producer struct {
	cfg     ProducerConfig
	broker  Broker
	codec   Codec
	entries EntryCodec
	clock   xclock.Clock
	closed  func() bool
	notify  func(Event)
	metrics *connectorMetrics
}

// Config returns the effective producer configuration.
func (p *Producer) Config() ProducerConfig { return p.cfg }

// Send encodes payload with the connector codec ([]byte and string pass through)
// and appends it with fields as additional entry fields. It returns the entry ID.
func (p *Producer) Send(ctx context.Context, payload any, fields map[string]string) (string, error) {
	if p.closed() {
		return "", ErrConnectorClosed
	}
	data, err := encodePayload(p.codec, payload)
	if err != nil {
		p.metrics.errors.Add(1)
		return "", err
	}

	args := AppendArgs{
		Stream: p.cfg.Stream,
		Fields: p.entries.Encode(data, fields),
		MaxLen: p.cfg.MaxLen,
		Approx: !p.cfg.ExactMaxLen,
	}
	if p.cfg.TTL > 0 {
		args.MinID = minIDFor(p.clock.Now().Add(-p.cfg.TTL))
	}

	start := p.clock.Now()
	id, err := p.broker.Append(ctx, args)
	duration := p.clock.Since(start)
	p.metrics.recordSendTime(duration.Nanoseconds())

	p.notify(Event{
		Type:     SendDone,
		Stream:   p.cfg.Stream,
		EntryID:  id,
		Duration: duration,
		Err:      err,
	})
	if err != nil {
		p.metrics.errors.Add(1)
		return "", &TransportError{Op: "append", Err: err}
	}
	p.metrics.sent.Add(1)
	return id, nil
}

// minIDFor returns the smallest entry ID at or after t.
func minIDFor(t time.Time) string {
	return fmt.Sprintf("%d-0", t.UnixMilli())
}
