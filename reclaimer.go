package xstream

import (
	"context"

	"golang.org/x/time/rate"
)

// reclaimer moves entries that sat idle in the group's pending list (a crashed or
// stalled consumer, or a failed attempt awaiting retry) to this consumer and
// redelivers them through the normal dispatch path.
type reclaimer struct {
	cfg        ChannelConfig
	broker     Broker
	entries    EntryCodec
	credits    *Credits
	tracker    *tracker
	dispatcher *dispatcher
	rt         *runtime

	// limiter paces the extra cycles triggered by empty reads.
	limiter *rate.Limiter
}

func newReclaimer(cfg ChannelConfig, broker Broker, credits *Credits, tr *tracker, disp *dispatcher, rt *runtime) *reclaimer {
	return &reclaimer{
		cfg:        cfg,
		broker:     broker,
		entries:    NewEntryCodec(cfg.PayloadField),
		credits:    credits,
		tracker:    tr,
		dispatcher: disp,
		rt:         rt,
		limiter:    rate.NewLimiter(rate.Every(cfg.BlockTimeout), 1),
	}
}

func (r *reclaimer) allow() bool { return r.limiter.Allow() }

// scan lists pending records idle past the threshold that are not in flight here.
func (r *reclaimer) scan(ctx context.Context) ([]PendingRecord, error) {
	var records []PendingRecord
	err := r.cfg.Retry.do(ctx, "pending", func(ctx context.Context) error {
		var err error
		records, err = r.broker.Pending(ctx, PendingArgs{
			Stream:  r.cfg.Stream,
			Group:   r.cfg.Group,
			MinIdle: r.cfg.ReclaimIdleThreshold,
			Count:   r.cfg.ReclaimBatch,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := records[:0]
	for _, rec := range records {
		if rec.Idle < r.cfg.ReclaimIdleThreshold || r.tracker.isInFlight(rec.EntryID) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// reclaimOnce runs one scan/claim/dispatch cycle. It holds a credit for every
// record it claims and releases the ones the broker did not hand over.
func (r *reclaimer) reclaimOnce(ctx context.Context) error {
	if r.credits.Available() == 0 {
		return nil
	}
	records, err := r.scan(ctx)
	if err != nil || len(records) == 0 {
		return err
	}

	n := r.credits.Reserve(len(records))
	if n == 0 {
		return nil
	}
	records = records[:n]

	ids := make([]string, len(records))
	counts := make(map[string]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.EntryID
		counts[rec.EntryID] = rec.DeliveryCount
	}

	var claimed []StreamEntry
	err = r.cfg.Retry.do(ctx, "claim", func(ctx context.Context) error {
		var err error
		claimed, err = r.broker.Claim(ctx, ClaimArgs{
			Stream:   r.cfg.Stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.ReclaimIdleThreshold,
			IDs:      ids,
		})
		return err
	})
	if err != nil {
		r.credits.Release(n)
		return err
	}

	// Claims only ever shrink the requested set; anything else stays pending.
	kept := claimed[:0]
	for _, e := range claimed {
		if _, ok := counts[e.ID]; ok {
			kept = append(kept, e)
		}
	}
	claimed = kept
	r.credits.Release(n - len(claimed))
	if len(claimed) == 0 {
		return nil
	}

	r.rt.metrics.reclaimed.Add(uint64(len(claimed)))
	r.rt.notify(Event{
		Type:    Reclaim,
		Channel: r.cfg.Name,
		Stream:  r.cfg.Stream,
		Group:   r.cfg.Group,
		Count:   len(claimed),
	})

	for i, e := range claimed {
		// The claim itself counts as a delivery on the broker side.
		msg, decodeErr := r.entries.Decode(e, DecodeContext{
			Stream:        r.cfg.Stream,
			Group:         r.cfg.Group,
			DeliveryCount: counts[e.ID] + 1,
		})
		d := &delivery{msg: msg, decodeErr: decodeErr, reclaimed: true}
		if !handOff(ctx, d, r.credits, r.tracker, r.dispatcher) {
			r.credits.Release(len(claimed) - i - 1)
			return nil
		}
	}
	return nil
}
