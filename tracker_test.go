package xstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// recordingBroker records settlement calls; only Ack and Delete are exercised here.
type recordingBroker struct {
	Broker

	mu          sync.Mutex
	calls       []string
	acked       []string
	ackErr      error
	ackFailures int // transient failures before acks succeed
	deleted     []string
}

func (b *recordingBroker) Ack(_ context.Context, _, _ string, ids ...string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "ack")
	if b.ackErr != nil {
		return 0, b.ackErr
	}
	if b.ackFailures > 0 {
		b.ackFailures--
		return 0, errors.New("i/o timeout")
	}
	b.acked = append(b.acked, ids...)
	return int64(len(ids)), nil
}

func (b *recordingBroker) Delete(_ context.Context, _ string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, ids...)
	return nil
}

func (b *recordingBroker) record(call string) {
	b.mu.Lock()
	b.calls = append(b.calls, call)
	b.mu.Unlock()
}

type trackerFixture struct {
	tracker       *tracker
	broker        *recordingBroker
	credits       *Credits
	routed        []*Message
	causes        []error
	routeFailures int
	failed        []error
	events        []Event
}

func newTrackerFixture(t *testing.T, maxRetries int) *trackerFixture {
	t.Helper()
	f := &trackerFixture{broker: &recordingBroker{}}
	cfg := DefaultChannelConfig("orders", "billing")
	cfg.MaxRetries = maxRetries
	cfg.Retry = RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: 50 * time.Millisecond}
	cfg.DeleteOnAck = true

	rt := &runtime{
		codec:   JSONCodec{},
		logger:  xlog.Default(),
		clock:   xclock.Default(),
		notify:  func(e Event) { f.events = append(f.events, e) },
		metrics: &connectorMetrics{},
		sink: DeadLetterFunc(func(_ context.Context, msg *Message, cause error) error {
			f.broker.record("route")
			if f.routeFailures > 0 {
				f.routeFailures--
				return errors.New("dlq unavailable")
			}
			f.routed = append(f.routed, msg)
			f.causes = append(f.causes, cause)
			return nil
		}),
	}
	f.credits = NewCredits(cfg.BatchSize)
	f.tracker = newTracker(context.Background(), cfg, f.broker, f.credits, rt, func(err error) {
		f.failed = append(f.failed, err)
	})
	return f
}

func (f *trackerFixture) begin(t *testing.T, id string, count int64) *delivery {
	t.Helper()
	require.Equal(t, 1, f.credits.Reserve(1))
	d := &delivery{msg: &Message{
		Payload:  []byte("p"),
		Metadata: Metadata{StreamKey: "orders", EntryID: id, ConsumerGroup: "billing", DeliveryCount: count},
	}}
	require.True(t, f.tracker.begin(d))
	return d
}

func TestTracker_AckExactlyOnce(t *testing.T) {
	f := newTrackerFixture(t, 3)
	d := f.begin(t, "1-0", 1)

	require.NoError(t, f.tracker.onAck(d))
	assert.ErrorIs(t, f.tracker.onAck(d), ErrAlreadySettled)
	assert.ErrorIs(t, f.tracker.onNack(d, errors.New("late")), ErrAlreadySettled)

	assert.Equal(t, []string{"1-0"}, f.broker.acked)
	assert.Equal(t, []string{"1-0"}, f.broker.deleted)
	assert.Equal(t, 0, f.credits.InFlight(), "credit returned exactly once")
	assert.False(t, f.tracker.isInFlight("1-0"))
}

func TestTracker_BeginRejectsDuplicates(t *testing.T) {
	f := newTrackerFixture(t, 3)
	f.begin(t, "1-0", 1)
	assert.False(t, f.tracker.begin(&delivery{msg: &Message{Metadata: Metadata{EntryID: "1-0"}}}))
	assert.Equal(t, 1, f.tracker.count())
}

func TestTracker_NackBeforeBudgetLeavesPending(t *testing.T) {
	f := newTrackerFixture(t, 2)
	d := f.begin(t, "1-0", 1)

	require.NoError(t, f.tracker.onNack(d, errors.New("transient")))
	assert.Empty(t, f.broker.acked)
	assert.Empty(t, f.routed)
	assert.Equal(t, 0, f.credits.InFlight())
}

func TestTracker_LastFailureDeadLettersThenAcks(t *testing.T) {
	f := newTrackerFixture(t, 2)
	d := f.begin(t, "1-0", 2)
	cause := errors.New("still broken")

	require.NoError(t, f.tracker.onNack(d, cause))
	require.Len(t, f.routed, 1)
	assert.Equal(t, int64(3), f.routed[0].Metadata.DeliveryCount)
	assert.Equal(t, int64(2), d.msg.Metadata.DeliveryCount, "the live message is not mutated")
	assert.Same(t, cause, f.causes[0])
	assert.Equal(t, []string{"route", "ack"}, f.broker.calls)
}

func TestTracker_ExhaustedOnArrival(t *testing.T) {
	f := newTrackerFixture(t, 1)
	d := f.begin(t, "1-0", 4)

	require.NoError(t, f.tracker.onExhausted(d))
	require.Len(t, f.routed, 1)
	assert.Equal(t, int64(4), f.routed[0].Metadata.DeliveryCount)
	assert.ErrorIs(t, f.causes[0], ErrRetriesExhausted)
	assert.Equal(t, []string{"1-0"}, f.broker.acked)
}

func TestTracker_AckFailureDegrades(t *testing.T) {
	f := newTrackerFixture(t, 1)
	f.broker.ackErr = errors.New("connection refused")
	d := f.begin(t, "1-0", 1)

	err := f.tracker.onAck(d)
	var tErr *TransportError
	require.True(t, errors.As(err, &tErr))
	assert.Equal(t, "ack", tErr.Op)
	require.Len(t, f.failed, 1)
	assert.Equal(t, 0, f.credits.InFlight())
}

func TestTracker_AbandonLeavesEntryPending(t *testing.T) {
	f := newTrackerFixture(t, 1)
	d := f.begin(t, "1-0", 1)

	f.tracker.abandon(d)
	f.tracker.abandon(d)
	assert.ErrorIs(t, f.tracker.onAck(d), ErrAlreadySettled)
	assert.Empty(t, f.broker.calls)
	assert.Equal(t, 0, f.credits.InFlight())
}

func (f *trackerFixture) eventTypes() []EventType {
	out := make([]EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func TestTracker_TransientAckFailureIsRetriedNotNacked(t *testing.T) {
	f := newTrackerFixture(t, 2)
	f.broker.ackFailures = 1
	d := f.begin(t, "1-0", 1)

	require.NoError(t, f.tracker.onAck(d))

	assert.Equal(t, []string{"ack", "ack"}, f.broker.calls, "one failed attempt, one retry")
	assert.Equal(t, []string{"1-0"}, f.broker.acked)
	assert.Empty(t, f.routed)
	assert.Empty(t, f.failed)
	assert.Equal(t, []EventType{Ack}, f.eventTypes())
	assert.Equal(t, int64(1), f.events[0].DeliveryCount)
	assert.Equal(t, int64(1), d.msg.Metadata.DeliveryCount)
	assert.Zero(t, f.tracker.rt.metrics.nacked.Load())
	assert.Equal(t, 0, f.credits.InFlight())
}

func TestTracker_TransientDeadLetterFailureRoutesOnce(t *testing.T) {
	f := newTrackerFixture(t, 2)
	f.routeFailures = 1
	d := f.begin(t, "1-0", 2)

	require.NoError(t, f.tracker.onNack(d, errors.New("still broken")))

	assert.Equal(t, []string{"route", "route", "ack"}, f.broker.calls)
	require.Len(t, f.routed, 1)
	assert.Equal(t, int64(3), f.routed[0].Metadata.DeliveryCount, "retrying the sink does not add deliveries")
	assert.Equal(t, []string{"1-0"}, f.broker.acked)
	assert.Empty(t, f.failed)
	assert.Equal(t, []EventType{Nack, DeadLetter}, f.eventTypes())
	assert.Equal(t, int64(3), f.events[1].DeliveryCount)
	assert.Equal(t, uint64(1), f.tracker.rt.metrics.nacked.Load())
	assert.Equal(t, uint64(1), f.tracker.rt.metrics.deadLettered.Load())
}
