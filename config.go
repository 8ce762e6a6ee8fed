package xstream

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultPayloadField is the entry field holding the application payload.
const DefaultPayloadField = "message"

// ChannelConfig describes one inbound channel bound to a stream consumer group.
// A Channel keeps its own copy, so the config is immutable once the channel starts.
type ChannelConfig struct {
	// Name identifies the channel in logs and telemetry (defaults to Stream).
	Name string

	// Consumer group
	Stream          string
	Group           string
	Consumer        string // unique per running instance
	AutoCreateGroup bool
	StartID         string // group start position when created ("$" new entries, "0" whole stream)
	PayloadField    string

	// Reading and backpressure
	BatchSize    int // max in-flight entries for this channel
	BlockTimeout time.Duration

	// Processing
	Concurrency int
	Ordered     bool // single worker, completion in stream order

	// Retries
	// MaxRetries is the delivery count at which a failure becomes terminal
	// (dead-lettered and acknowledged). Zero behaves like one.
	MaxRetries int

	// Pending entry recovery
	ReclaimIdleThreshold time.Duration // must exceed the slowest expected handler
	ReclaimInterval      time.Duration
	ReclaimBatch         int

	// Acknowledgment & shutdown
	DeleteOnAck     bool
	AckTimeout      time.Duration
	ShutdownTimeout time.Duration

	// Retry is the transport-level retry budget for broker calls.
	Retry RetryPolicy
}

// RetryPolicy bounds exponential backoff for broker calls. It is independent of
// the message retry count.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy mirrors the poller backoff window (100ms doubling up to 5s).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      30 * time.Second,
	}
}

// DefaultConsumerName returns "<hostname>-<uuid>", unique per running instance.
func DefaultConsumerName() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xstream"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString())
}

// DefaultChannelConfig returns a ChannelConfig with production-safe defaults for stream/group.
func DefaultChannelConfig(stream, group string) ChannelConfig {
	return ChannelConfig{
		Name:                 stream,
		Stream:               stream,
		Group:                group,
		Consumer:             DefaultConsumerName(),
		AutoCreateGroup:      true,
		StartID:              "$",
		PayloadField:         DefaultPayloadField,
		BatchSize:            128,
		BlockTimeout:         5 * time.Second,
		Concurrency:          8,
		MaxRetries:           3,
		ReclaimIdleThreshold: 30 * time.Second,
		ReclaimInterval:      15 * time.Second,
		ReclaimBatch:         128,
		AckTimeout:           5 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		Retry:                DefaultRetryPolicy(),
	}
}

// withDefaults fills zero values from DefaultChannelConfig; it never overrides
// values the caller set. MaxRetries, AutoCreateGroup and DeleteOnAck keep their zero values.
func (c ChannelConfig) withDefaults() ChannelConfig {
	d := DefaultChannelConfig(c.Stream, c.Group)
	if c.Name == "" {
		c.Name = c.Stream
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.StartID == "" {
		c.StartID = d.StartID
	}
	if c.PayloadField == "" {
		c.PayloadField = d.PayloadField
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ReclaimIdleThreshold == 0 {
		c.ReclaimIdleThreshold = d.ReclaimIdleThreshold
	}
	if c.ReclaimInterval == 0 {
		c.ReclaimInterval = d.ReclaimInterval
	}
	if c.ReclaimBatch == 0 {
		c.ReclaimBatch = c.BatchSize
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = d.Retry
	}
	return c
}

// Validate checks the configuration; every failure is a *ConfigError.
func (c ChannelConfig) Validate() error {
	switch {
	case c.Stream == "":
		return configErrorf("stream", "required")
	case c.Group == "":
		return configErrorf("group", "required")
	case c.Consumer == "":
		return configErrorf("consumer", "required")
	case c.PayloadField == "":
		return configErrorf("payload_field", "required")
	case c.BatchSize < 1:
		return configErrorf("batch_size", "must be >= 1, got %d", c.BatchSize)
	case c.BlockTimeout <= 0:
		return configErrorf("block_timeout", "must be > 0, got %v", c.BlockTimeout)
	case c.Concurrency < 1:
		return configErrorf("concurrency", "must be >= 1, got %d", c.Concurrency)
	case c.MaxRetries < 0:
		return configErrorf("max_retries", "must be >= 0, got %d", c.MaxRetries)
	case c.ReclaimIdleThreshold <= 0:
		return configErrorf("reclaim_idle_threshold", "must be > 0, got %v", c.ReclaimIdleThreshold)
	case c.ReclaimInterval <= 0:
		return configErrorf("reclaim_interval", "must be > 0, got %v", c.ReclaimInterval)
	case c.ReclaimBatch < 1:
		return configErrorf("reclaim_batch", "must be >= 1, got %d", c.ReclaimBatch)
	case c.ShutdownTimeout < 0:
		return configErrorf("shutdown_timeout", "must be >= 0, got %v", c.ShutdownTimeout)
	case c.AckTimeout < 0:
		return configErrorf("ack_timeout", "must be >= 0, got %v", c.AckTimeout)
	case c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval:
		return configErrorf("retry", "intervals must satisfy 0 < initial <= max")
	case c.Retry.MaxElapsed <= 0:
		return configErrorf("retry.max_elapsed", "must be > 0, got %v", c.Retry.MaxElapsed)
	}
	return nil
}

func (c ChannelConfig) maxDeliveries() int64 {
	return int64(max(c.MaxRetries, 1))
}

// ProducerConfig describes one outbound channel.
type ProducerConfig struct {
	Stream       string
	PayloadField string
	// MaxLen trims the stream after each append; 0 keeps everything.
	MaxLen      int64
	ExactMaxLen bool
	// TTL drops entries older than TTL on append (MINID trimming); 0 disables.
	TTL time.Duration
}

func (c ProducerConfig) withDefaults() ProducerConfig {
	if c.PayloadField == "" {
		c.PayloadField = DefaultPayloadField
	}
	return c
}

// Validate checks the producer configuration.
func (c ProducerConfig) Validate() error {
	switch {
	case c.Stream == "":
		return configErrorf("stream", "required")
	case c.MaxLen < 0:
		return configErrorf("max_len", "must be >= 0, got %d", c.MaxLen)
	case c.TTL < 0:
		return configErrorf("ttl", "must be >= 0, got %v", c.TTL)
	}
	return nil
}
