package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xstream"
)

func appendN(t *testing.T, br *Broker, stream string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		id, err := br.Append(context.Background(), xstream.AppendArgs{
			Stream: stream,
			Fields: map[string]string{"message": fmt.Sprintf("m-%d", i)},
		})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestBroker_IDsAreStrictlyIncreasing(t *testing.T) {
	br := NewBroker(Config{})
	ids := appendN(t, br, "s", 50)
	for i := 1; i < len(ids); i++ {
		prev, err := parseID(ids[i-1])
		require.NoError(t, err)
		cur, err := parseID(ids[i])
		require.NoError(t, err)
		assert.True(t, prev.less(cur), "%s !< %s", ids[i-1], ids[i])
	}
}

func TestBroker_EnsureGroupStartPositions(t *testing.T) {
	ctx := context.Background()
	br := NewBroker(Config{})
	appendN(t, br, "s", 3)

	require.NoError(t, br.EnsureGroup(ctx, "s", "tail", "$"))
	require.NoError(t, br.EnsureGroup(ctx, "s", "all", "0"))
	// Existing group is left alone.
	require.NoError(t, br.EnsureGroup(ctx, "s", "tail", "0"))

	got, err := br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "tail", Consumer: "c", Count: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "all", Consumer: "c", Count: 10})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, "m-0", got[0].Fields["message"])
}

func TestBroker_ReadGroupMissingGroup(t *testing.T) {
	br := NewBroker(Config{})
	_, err := br.ReadGroup(context.Background(), xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 1})
	assert.ErrorIs(t, err, ErrNoGroup)
}

func TestBroker_ReadAckPending(t *testing.T) {
	ctx := context.Background()
	br := NewBroker(Config{})
	require.NoError(t, br.EnsureGroup(ctx, "s", "g", "0"))
	ids := appendN(t, br, "s", 5)

	got, err := br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, br.PendingCount("s", "g"))

	n, err := br.Ack(ctx, "s", "g", ids[0], ids[0], ids[4])
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "duplicate and undelivered ids are not counted")
	assert.Equal(t, []AckRecord{{Stream: "s", Group: "g", ID: ids[0]}}, br.Acks())

	pending, err := br.Pending(ctx, xstream.PendingArgs{Stream: "s", Group: "g", Count: 10})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].EntryID)
	assert.Equal(t, ids[2], pending[1].EntryID)
	assert.Equal(t, "c", pending[0].Consumer)
	assert.Equal(t, int64(1), pending[0].DeliveryCount)
}

func TestBroker_ReadGroupBlocksUntilAppend(t *testing.T) {
	ctx := context.Background()
	br := NewBroker(Config{})
	require.NoError(t, br.EnsureGroup(ctx, "s", "g", "$"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = br.Append(ctx, xstream.AppendArgs{Stream: "s", Fields: map[string]string{"message": "late"}})
	}()

	got, err := br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: 2 * time.Second})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "late", got[0].Fields["message"])
}

func TestBroker_ReadGroupTimeoutAndCancel(t *testing.T) {
	br := NewBroker(Config{})
	require.NoError(t, br.EnsureGroup(context.Background(), "s", "g", "$"))

	start := time.Now()
	got, err := br.ReadGroup(context.Background(), xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: 30 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroker_ClaimHonorsIdleAndCountsDeliveries(t *testing.T) {
	ctx := context.Background()
	br := NewBroker(Config{})
	require.NoError(t, br.EnsureGroup(ctx, "s", "g", "0"))
	ids := appendN(t, br, "s", 2)

	_, err := br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "dead", Count: 2})
	require.NoError(t, err)

	// Not idle long enough yet.
	claimed, err := br.Claim(ctx, xstream.ClaimArgs{Stream: "s", Group: "g", Consumer: "alive", MinIdle: time.Minute, IDs: ids})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	pending, err := br.Pending(ctx, xstream.PendingArgs{Stream: "s", Group: "g", MinIdle: time.Minute, Count: 10})
	require.NoError(t, err)
	assert.Empty(t, pending)

	br.Advance(2 * time.Minute)
	pending, err = br.Pending(ctx, xstream.PendingArgs{Stream: "s", Group: "g", MinIdle: time.Minute, Count: 1})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.GreaterOrEqual(t, pending[0].Idle, 2*time.Minute)

	// The second entry is deleted from the stream; the claim drops it.
	require.NoError(t, br.Delete(ctx, "s", ids[1]))
	claimed, err = br.Claim(ctx, xstream.ClaimArgs{Stream: "s", Group: "g", Consumer: "alive", MinIdle: time.Minute, IDs: ids})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, 1, br.PendingCount("s", "g"))

	pending, err = br.Pending(ctx, xstream.PendingArgs{Stream: "s", Group: "g", Count: 10})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alive", pending[0].Consumer)
	assert.Equal(t, int64(2), pending[0].DeliveryCount)
	assert.Less(t, pending[0].Idle, time.Minute, "claim resets idle time")
}

func TestBroker_AppendTrimming(t *testing.T) {
	ctx := context.Background()
	br := NewBroker(Config{MaxLen: 10})
	appendN(t, br, "capped", 25)
	assert.Equal(t, 10, br.Len("capped"))
	assert.Equal(t, "m-15", br.Entries("capped")[0].Fields["message"])

	_, err := br.Append(ctx, xstream.AppendArgs{Stream: "capped", Fields: map[string]string{"message": "x"}, MaxLen: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, br.Len("capped"))

	appendN(t, br, "ttl", 3)
	br.Advance(time.Hour)
	minID := fmt.Sprintf("%d-0", br.now().Add(-time.Minute).UnixMilli())
	_, err = br.Append(ctx, xstream.AppendArgs{Stream: "ttl", Fields: map[string]string{"message": "fresh"}, MinID: minID})
	require.NoError(t, err)
	entries := br.Entries("ttl")
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Fields["message"])
}

func TestBroker_InjectFaultAndClose(t *testing.T) {
	ctx := context.Background()
	br := NewBroker(Config{})
	boom := errors.New("boom")
	br.InjectFault(func(op string) error {
		if op == "ack" {
			return boom
		}
		return nil
	})
	_, err := br.Ack(ctx, "s", "g", "1-0")
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, br.Ping(ctx))
	assert.Equal(t, uint64(1), br.Stats().Faults)

	br.InjectFault(nil)
	_, err = br.Ack(ctx, "s", "g", "1-0")
	assert.NoError(t, err)

	require.NoError(t, br.EnsureGroup(ctx, "s", "g", "$"))
	readErr := make(chan error, 1)
	go func() {
		_, err := br.ReadGroup(ctx, xstream.ReadArgs{Stream: "s", Group: "g", Consumer: "c", Count: 1, Block: 5 * time.Second})
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, br.Close(ctx))
	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked read not woken by Close")
	}
	assert.ErrorIs(t, br.Ping(ctx), ErrClosed)
}

func TestConfigFromMap(t *testing.T) {
	assert.Equal(t, int64(64), ConfigFromMap(map[string]any{"max_len": 64}).MaxLen)
	assert.Equal(t, int64(0), ConfigFromMap(map[string]any{"max_len": -1}).MaxLen)
	assert.Equal(t, Config{MaxLen: 5}, ConfigFromMap(Config{MaxLen: 5}.toMap()))
}

func TestRegistry_BuildsByName(t *testing.T) {
	c, err := xstream.NewConnectorBuilder().
		WithBroker(BrokerName, Config{MaxLen: 100}.toMap()).
		Build()
	require.NoError(t, err)
	defer func() { _ = c.Close(context.Background()) }()

	_, ok := c.Broker().(*Broker)
	assert.True(t, ok)
}

func TestConnector_ConsumesAllMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, br, err := Build(Config{})
	require.NoError(t, err)
	defer func() { _ = c.Close(context.Background()) }()

	const total = 200
	var (
		received atomic.Int64
		mu       sync.Mutex
		seen     = make(map[string]int)
		done     = make(chan struct{})
	)

	cfg := xstream.DefaultChannelConfig("orders", "billing")
	cfg.StartID = "0"
	cfg.BlockTimeout = 20 * time.Millisecond
	cfg.BatchSize = 16
	ch, err := c.Consume(ctx, cfg, func(ctx context.Context, msg *xstream.Message) error {
		mu.Lock()
		seen[msg.Metadata.EntryID]++
		mu.Unlock()
		if received.Add(1) == total {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		_, err := c.Send(ctx, "orders", map[string]int{"n": i}, nil)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("timeout: received %d/%d", received.Load(), total)
	}
	require.NoError(t, ch.Close(ctx))

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s handled more than once", id)
	}
	assert.Equal(t, 0, br.PendingCount("orders", "billing"))
	assert.Len(t, br.Acks(), total)
}
