package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xstream"
)

const BrokerName = "memory"

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("memory broker is closed")
	// ErrNoGroup reports a read or claim against a consumer group that does not exist.
	ErrNoGroup = errors.New("memory broker: no such stream or consumer group")
)

// Config controls memory broker behavior.
type Config struct {
	// MaxLen caps every stream, trimming the oldest entries on append (default: 0 = unbounded).
	MaxLen int64
	// Clock drives entry IDs and idle times (default: xclock.Default()).
	Clock xclock.Clock
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt64 := func(k string, d int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		default:
			return d
		}
	}

	c := Config{MaxLen: max(0, getInt64("max_len", 0))}
	if clk, ok := cfg["clock"].(xclock.Clock); ok {
		c.Clock = clk
	}
	return c
}

// Broker implements xstream.Broker in process with Redis Streams consumer-group
// semantics: per-group cursors, pending entries lists with delivery counts and
// idle times, idle-checked claims and blocking reads. For development and tests.
type Broker struct {
	cfg   Config
	clock xclock.Clock

	mu      sync.Mutex
	streams map[string]*stream
	offset  time.Duration
	wake    chan struct{}
	fault   func(op string) error
	acks    []AckRecord

	closed atomic.Bool

	metrics brokerMetrics
}

type brokerMetrics struct {
	appended atomic.Uint64
	read     atomic.Uint64
	acked    atomic.Uint64
	claimed  atomic.Uint64
	faults   atomic.Uint64
}

// AckRecord is one entry removed from a pending list by Ack.
type AckRecord struct {
	Stream string
	Group  string
	ID     string
}

// Stats is a snapshot of broker counters.
type Stats struct {
	Appended uint64
	Read     uint64
	Acked    uint64
	Claimed  uint64
	Faults   uint64
}

var _ xstream.Broker = (*Broker)(nil)

// NewBroker creates an empty in-memory broker.
func NewBroker(cfg Config) *Broker {
	clk := cfg.Clock
	if clk == nil {
		clk = xclock.Default()
	}
	return &Broker{
		cfg:     cfg,
		clock:   clk,
		streams: make(map[string]*stream),
		wake:    make(chan struct{}),
	}
}

// Internal types

type entryID struct{ ms, seq uint64 }

func (id entryID) String() string { return fmt.Sprintf("%d-%d", id.ms, id.seq) }

func (id entryID) less(o entryID) bool {
	return id.ms < o.ms || (id.ms == o.ms && id.seq < o.seq)
}

func parseID(s string) (entryID, error) {
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream ID %q", s)
	}
	if !found {
		return entryID{ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return entryID{}, fmt.Errorf("invalid stream ID %q", s)
	}
	return entryID{ms: ms, seq: seq}, nil
}

type entry struct {
	id     entryID
	fields map[string]string
}

type stream struct {
	entries []entry
	last    entryID
	groups  map[string]*group
}

type group struct {
	cursor  entryID
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	id           entryID
	consumer     string
	lastDelivery time.Time
	count        int64
}

func (s *stream) find(id entryID) (entry, bool) {
	i := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].id.less(id) })
	if i < len(s.entries) && s.entries[i].id == id {
		return s.entries[i], true
	}
	return entry{}, false
}

func (e entry) toStreamEntry() xstream.StreamEntry {
	fields := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return xstream.StreamEntry{ID: e.id.String(), Fields: fields}
}

// now is the broker clock shifted by Advance. Callers hold b.mu.
func (b *Broker) now() time.Time { return b.clock.Now().Add(b.offset) }

// check runs the closed and context guards, then the injected fault. Callers must
// not hold b.mu.
func (b *Broker) check(ctx context.Context, op string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	fault := b.fault
	b.mu.Unlock()
	if fault == nil {
		return nil
	}
	if err := fault(op); err != nil {
		b.metrics.faults.Add(1)
		return err
	}
	return nil
}

func (b *Broker) group(streamName, groupName string) (*stream, *group, error) {
	s, ok := b.streams[streamName]
	if !ok {
		return nil, nil, ErrNoGroup
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil, ErrNoGroup
	}
	return s, g, nil
}

// EnsureGroup creates the group (and the stream) when missing.
func (b *Broker) EnsureGroup(ctx context.Context, streamName, groupName, startID string) error {
	if err := b.check(ctx, "ensure-group"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.ensureStream(streamName)
	if _, ok := s.groups[groupName]; ok {
		return nil
	}
	var cursor entryID
	switch startID {
	case "$":
		cursor = s.last
	case "", "0", "0-0":
	default:
		id, err := parseID(startID)
		if err != nil {
			return err
		}
		cursor = id
	}
	s.groups[groupName] = &group{cursor: cursor, pending: make(map[string]*pendingEntry)}
	return nil
}

func (b *Broker) ensureStream(name string) *stream {
	s, ok := b.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		b.streams[name] = s
	}
	return s
}

// ReadGroup delivers entries after the group cursor, blocking up to args.Block.
func (b *Broker) ReadGroup(ctx context.Context, args xstream.ReadArgs) ([]xstream.StreamEntry, error) {
	if err := b.check(ctx, "read"); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if args.Block > 0 {
		timer := time.NewTimer(args.Block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		b.mu.Lock()
		s, g, err := b.group(args.Stream, args.Group)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		out := b.deliverNew(s, g, args.Consumer, max(1, args.Count))
		wake := b.wake
		b.mu.Unlock()

		if len(out) > 0 {
			b.metrics.read.Add(uint64(len(out)))
			return out, nil
		}
		if timeout == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, nil
		case <-wake:
			if b.closed.Load() {
				return nil, ErrClosed
			}
		}
	}
}

func (b *Broker) deliverNew(s *stream, g *group, consumer string, count int) []xstream.StreamEntry {
	start := sort.Search(len(s.entries), func(i int) bool { return g.cursor.less(s.entries[i].id) })
	end := min(len(s.entries), start+count)
	if start >= end {
		return nil
	}
	now := b.now()
	out := make([]xstream.StreamEntry, 0, end-start)
	for _, e := range s.entries[start:end] {
		g.cursor = e.id
		g.pending[e.id.String()] = &pendingEntry{id: e.id, consumer: consumer, lastDelivery: now, count: 1}
		out = append(out, e.toStreamEntry())
	}
	return out
}

// Ack removes ids from the group's pending list.
func (b *Broker) Ack(ctx context.Context, streamName, groupName string, ids ...string) (int64, error) {
	if err := b.check(ctx, "ack"); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, g, err := b.group(streamName, groupName)
	if err != nil {
		return 0, nil
	}
	var n int64
	for _, id := range ids {
		if _, ok := g.pending[id]; !ok {
			continue
		}
		delete(g.pending, id)
		b.acks = append(b.acks, AckRecord{Stream: streamName, Group: groupName, ID: id})
		n++
	}
	b.metrics.acked.Add(uint64(n))
	return n, nil
}

// Pending lists pending entries idle for at least args.MinIdle, in ID order.
func (b *Broker) Pending(ctx context.Context, args xstream.PendingArgs) ([]xstream.PendingRecord, error) {
	if err := b.check(ctx, "pending"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, g, err := b.group(args.Stream, args.Group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	out := make([]xstream.PendingRecord, 0, len(g.pending))
	for _, p := range g.sortedPending() {
		idle := now.Sub(p.lastDelivery)
		if idle < args.MinIdle {
			continue
		}
		out = append(out, xstream.PendingRecord{
			EntryID:       p.id.String(),
			Consumer:      p.consumer,
			Idle:          idle,
			DeliveryCount: p.count,
		})
		if args.Count > 0 && len(out) == args.Count {
			break
		}
	}
	return out, nil
}

func (g *group) sortedPending() []*pendingEntry {
	out := make([]*pendingEntry, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *pendingEntry) int {
		switch {
		case a.id.less(b.id):
			return -1
		case b.id.less(a.id):
			return 1
		}
		return 0
	})
	return out
}

// Claim transfers pending ids idle for at least args.MinIdle to args.Consumer,
// incrementing their delivery count. Entries deleted from the stream are dropped
// from the pending list and not returned.
func (b *Broker) Claim(ctx context.Context, args xstream.ClaimArgs) ([]xstream.StreamEntry, error) {
	if err := b.check(ctx, "claim"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, g, err := b.group(args.Stream, args.Group)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var out []xstream.StreamEntry
	for _, id := range args.IDs {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.lastDelivery) < args.MinIdle {
			continue
		}
		e, ok := s.find(p.id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer = args.Consumer
		p.lastDelivery = now
		p.count++
		out = append(out, e.toStreamEntry())
	}
	b.metrics.claimed.Add(uint64(len(out)))
	return out, nil
}

// Append adds an entry with a time-based ID and applies MaxLen/MinID trimming.
func (b *Broker) Append(ctx context.Context, args xstream.AppendArgs) (string, error) {
	if err := b.check(ctx, "append"); err != nil {
		return "", err
	}
	var minID entryID
	if args.MinID != "" {
		id, err := parseID(args.MinID)
		if err != nil {
			return "", err
		}
		minID = id
	}

	b.mu.Lock()
	s := b.ensureStream(args.Stream)
	id := entryID{ms: uint64(b.now().UnixMilli())}
	if !s.last.less(id) {
		id = entryID{ms: s.last.ms, seq: s.last.seq + 1}
	}
	fields := make(map[string]string, len(args.Fields))
	for k, v := range args.Fields {
		fields[k] = v
	}
	s.entries = append(s.entries, entry{id: id, fields: fields})
	s.last = id

	maxLen := args.MaxLen
	if maxLen == 0 {
		maxLen = b.cfg.MaxLen
	}
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		s.entries = slices.Delete(s.entries, 0, len(s.entries)-int(maxLen))
	}
	if args.MinID != "" {
		i := sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].id.less(minID) })
		s.entries = slices.Delete(s.entries, 0, i)
	}

	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()

	b.metrics.appended.Add(1)
	return id.String(), nil
}

// Delete removes entries from the stream; pending lists keep referring to them.
func (b *Broker) Delete(ctx context.Context, streamName string, ids ...string) error {
	if err := b.check(ctx, "delete"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamName]
	if !ok {
		return nil
	}
	drop := make(map[entryID]bool, len(ids))
	for _, raw := range ids {
		id, err := parseID(raw)
		if err != nil {
			return err
		}
		drop[id] = true
	}
	s.entries = slices.DeleteFunc(s.entries, func(e entry) bool { return drop[e.id] })
	return nil
}

// Ping reports ErrClosed after Close and any injected "ping" fault.
func (b *Broker) Ping(ctx context.Context) error {
	return b.check(ctx, "ping")
}

// Close wakes blocked readers and rejects further calls.
func (b *Broker) Close(_ context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	close(b.wake)
	b.wake = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Advance moves the broker clock forward, aging every pending entry by d.
func (b *Broker) Advance(d time.Duration) {
	b.mu.Lock()
	b.offset += d
	b.mu.Unlock()
}

// InjectFault installs fn, called with the operation name ("read", "ack",
// "pending", "claim", "append", "delete", "ensure-group", "ping") before each
// call; a non-nil result fails that call. nil removes the fault.
func (b *Broker) InjectFault(fn func(op string) error) {
	b.mu.Lock()
	b.fault = fn
	b.mu.Unlock()
}

// Entries returns a copy of the entries currently in the stream.
func (b *Broker) Entries(streamName string) []xstream.StreamEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamName]
	if !ok {
		return nil
	}
	out := make([]xstream.StreamEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.toStreamEntry()
	}
	return out
}

// Len returns the number of entries in the stream.
func (b *Broker) Len(streamName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[streamName]; ok {
		return len(s.entries)
	}
	return 0
}

// PendingCount returns the size of the group's pending list.
func (b *Broker) PendingCount(streamName, groupName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, g, err := b.group(streamName, groupName)
	if err != nil {
		return 0
	}
	return len(g.pending)
}

// Acks returns every successful acknowledgment in order.
func (b *Broker) Acks() []AckRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.acks)
}

// Stats returns current broker counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Appended: b.metrics.appended.Load(),
		Read:     b.metrics.read.Load(),
		Acked:    b.metrics.acked.Load(),
		Claimed:  b.metrics.claimed.Load(),
		Faults:   b.metrics.faults.Load(),
	}
}
