// Package xstream connects application handlers to Redis Streams consumer groups
// with at-least-once delivery, bounded retries, dead-lettering, pending-entry
// reclamation and credit-based backpressure.
package xstream

import (
	"context"
	"time"
)

// Handler processes a single message. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Broker is the Strategy interface for the stream backend. Every method is a short,
// bounded remote call except ReadGroup, which blocks up to ReadArgs.Block.
type Broker interface {
	// EnsureGroup creates the consumer group (and the stream) when missing.
	// An already existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group, startID string) error
	// ReadGroup reads new entries for consumer. A timeout returns (nil, nil).
	ReadGroup(ctx context.Context, args ReadArgs) ([]StreamEntry, error)
	// Ack removes ids from the group's pending list and reports how many were removed.
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	// Pending lists pending entries idle for at least args.MinIdle, in ID order.
	Pending(ctx context.Context, args PendingArgs) ([]PendingRecord, error)
	// Claim transfers ownership of ids idle for at least args.MinIdle to args.Consumer.
	// Entries that are no longer claimable are skipped.
	Claim(ctx context.Context, args ClaimArgs) ([]StreamEntry, error)
	// Append adds an entry and returns its ID.
	Append(ctx context.Context, args AppendArgs) (string, error)
	// Delete removes entries from the stream.
	Delete(ctx context.Context, stream string, ids ...string) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ReadArgs parameterizes a consumer-group read of never-delivered entries.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int
	Block    time.Duration
}

// PendingArgs parameterizes a pending-entries scan.
type PendingArgs struct {
	Stream  string
	Group   string
	MinIdle time.Duration
	Count   int
}

// ClaimArgs parameterizes an ownership transfer.
type ClaimArgs struct {
	Stream   string
	Group    string
	Consumer string
	MinIdle  time.Duration
	IDs      []string
}

// AppendArgs parameterizes a stream append.
type AppendArgs struct {
	Stream string
	Fields map[string]string
	// MaxLen trims the stream (approximately when Approx) after the append; 0 disables.
	MaxLen int64
	Approx bool
	// MinID trims entries older than this ID; empty disables.
	MinID string
}

// DeadLetterSink is the terminal destination for messages that exhausted their retries.
type DeadLetterSink interface {
	Route(ctx context.Context, msg *Message, cause error) error
}

// Observer receives connector lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xstream surface for extensibility.
type API interface {
	Consume(ctx context.Context, cfg ChannelConfig, handler Handler) (*Channel, error)
	Producer(cfg ProducerConfig) (*Producer, error)
	Send(ctx context.Context, stream string, payload any, fields map[string]string) (string, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer) (remove func())
	RemoveObserver(obs Observer)
}

var _ API = (*Connector)(nil)
var _ HealthChecker = (*Connector)(nil)
