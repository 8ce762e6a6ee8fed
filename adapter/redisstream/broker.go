package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xstream"
)

// ErrNoGroup reports a read or claim against a consumer group that does not exist.
var ErrNoGroup = errors.New("redisstream: consumer group does not exist")

var _ xstream.Broker = (*Broker)(nil)

// Broker implements xstream.Broker on Redis Streams commands
// (XGROUP CREATE, XREADGROUP, XACK, XPENDING, XCLAIM, XADD, XDEL).
type Broker struct {
	client redis.UniversalClient
	owned  bool

	closeOnce sync.Once
	closed    atomic.Bool

	metrics brokerMetrics
}

// brokerMetrics tracks command-level telemetry.
type brokerMetrics struct {
	appended   atomic.Uint64
	read       atomic.Uint64
	acked      atomic.Uint64
	claimed    atomic.Uint64
	readErrors atomic.Uint64
	ackErrors  atomic.Uint64
}

// Stats is a snapshot of broker command counters.
type Stats struct {
	Appended   uint64
	Read       uint64
	Acked      uint64
	Claimed    uint64
	ReadErrors uint64
	AckErrors  uint64
}

// NewBroker dials Redis with cfg and verifies the connection with PING.
func NewBroker(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewUniversalClient(opts)
	if err := ping(context.Background(), client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Broker{client: client, owned: true}, nil
}

// NewBrokerFromClient wraps an existing client. Close leaves the client open.
func NewBrokerFromClient(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

// Client exposes the underlying go-redis client.
func (b *Broker) Client() redis.UniversalClient { return b.client }

// EnsureGroup creates group on stream (and the stream itself) starting at startID.
func (b *Broker) EnsureGroup(ctx context.Context, stream, group, startID string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), errBusyGroup) {
		return err
	}
	return nil
}

// ReadGroup runs XREADGROUP ... STREAMS stream >. A block timeout returns (nil, nil).
func (b *Broker) ReadGroup(ctx context.Context, args xstream.ReadArgs) ([]xstream.StreamEntry, error) {
	block := args.Block
	if block <= 0 {
		block = -1 // no BLOCK argument
	}
	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, newEntries},
		Count:    int64(max(1, args.Count)),
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() == nil {
			b.metrics.readErrors.Add(1)
		}
		return nil, mapErr(err)
	}

	var out []xstream.StreamEntry
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, toEntry(m))
		}
	}
	b.metrics.read.Add(uint64(len(out)))
	return out, nil
}

// Ack runs XACK and returns how many entries left the pending list.
func (b *Broker) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := b.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		b.metrics.ackErrors.Add(1)
		return 0, mapErr(err)
	}
	b.metrics.acked.Add(uint64(n))
	return n, nil
}

// Pending runs the extended XPENDING form with an IDLE filter (Redis >= 6.2).
func (b *Broker) Pending(ctx context.Context, args xstream.PendingArgs) ([]xstream.PendingRecord, error) {
	res, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: args.Stream,
		Group:  args.Group,
		Idle:   args.MinIdle,
		Start:  streamStart,
		End:    streamEnd,
		Count:  int64(max(1, args.Count)),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapErr(err)
	}

	out := make([]xstream.PendingRecord, 0, len(res))
	for _, p := range res {
		out = append(out, xstream.PendingRecord{
			EntryID:       p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

// Claim runs XCLAIM; Redis re-checks MinIdle so entries taken by someone else in
// the meantime are not returned.
func (b *Broker) Claim(ctx context.Context, args xstream.ClaimArgs) ([]xstream.StreamEntry, error) {
	if len(args.IDs) == 0 {
		return nil, nil
	}
	res, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   args.Stream,
		Group:    args.Group,
		Consumer: args.Consumer,
		MinIdle:  args.MinIdle,
		Messages: args.IDs,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, mapErr(err)
	}

	out := make([]xstream.StreamEntry, 0, len(res))
	for _, m := range res {
		out = append(out, toEntry(m))
	}
	b.metrics.claimed.Add(uint64(len(out)))
	return out, nil
}

// Append runs XADD with an auto-generated ID. MaxLen and MinID trimming are both
// honored; when both are set the MINID trim runs in the same pipeline.
func (b *Broker) Append(ctx context.Context, args xstream.AppendArgs) (string, error) {
	vals := make(map[string]any, len(args.Fields))
	for k, v := range args.Fields {
		vals[k] = v
	}
	xargs := &redis.XAddArgs{
		Stream: args.Stream,
		ID:     "*",
		Values: vals,
		Approx: args.Approx,
	}
	switch {
	case args.MaxLen > 0:
		xargs.MaxLen = args.MaxLen
	case args.MinID != "":
		xargs.MinID = args.MinID
	}

	if args.MaxLen == 0 || args.MinID == "" {
		id, err := b.client.XAdd(ctx, xargs).Result()
		if err != nil {
			return "", err
		}
		b.metrics.appended.Add(1)
		return id, nil
	}

	pipe := b.client.Pipeline()
	add := pipe.XAdd(ctx, xargs)
	if args.Approx {
		pipe.XTrimMinIDApprox(ctx, args.Stream, args.MinID, 0)
	} else {
		pipe.XTrimMinID(ctx, args.Stream, args.MinID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	b.metrics.appended.Add(1)
	return add.Val(), nil
}

// Delete runs XDEL.
func (b *Broker) Delete(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.client.XDel(ctx, stream, ids...).Err()
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if b.closed.Load() {
		return xstream.ErrConnectorClosed
	}
	return ping(ctx, b.client)
}

// Stats returns command counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Appended:   b.metrics.appended.Load(),
		Read:       b.metrics.read.Load(),
		Acked:      b.metrics.acked.Load(),
		Claimed:    b.metrics.claimed.Load(),
		ReadErrors: b.metrics.readErrors.Load(),
		AckErrors:  b.metrics.ackErrors.Load(),
	}
}

// Close releases the client when the broker created it.
func (b *Broker) Close(_ context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		if b.owned {
			err = b.client.Close()
		}
	})
	return err
}

// Helper functions

func toEntry(m redis.XMessage) xstream.StreamEntry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			fields[k] = fmt.Sprint(s)
		}
	}
	return xstream.StreamEntry{ID: m.ID, Fields: fields}
}

func mapErr(err error) error {
	if err != nil && strings.HasPrefix(err.Error(), errNoGroup) {
		return fmt.Errorf("%w: %v", ErrNoGroup, err)
	}
	return err
}

func ping(ctx context.Context, c redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
