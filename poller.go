package xstream

import (
	"context"
	"time"
)

// poller reads never-delivered entries for this consumer, sized by the credits it
// holds, and feeds them to the dispatcher without waiting for outcomes. Reclaim
// cycles are interleaved between reads: on the reclaim ticker, and after an empty
// read when the reclaimer's rate limit allows.
type poller struct {
	cfg        ChannelConfig
	broker     Broker
	entries    EntryCodec
	credits    *Credits
	tracker    *tracker
	dispatcher *dispatcher
	reclaimer  *reclaimer
	rt         *runtime
	fail       func(error)
}

func (p *poller) run(ctx context.Context) {
	defer p.rt.logger.Debug().Str("channel", p.cfg.Name).Msg("xstream: poller stopped")

	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		if err := p.credits.Wait(ctx); err != nil {
			return
		}

		select {
		case <-ticker.C:
			if !p.reclaim(ctx) {
				return
			}
		default:
		}

		n := p.credits.Reserve(p.credits.Available())
		if n == 0 {
			continue
		}

		entries, err := p.read(ctx, n)
		if err != nil {
			p.credits.Release(n)
			if ctx.Err() == nil {
				p.fail(err)
			}
			return
		}
		if len(entries) > n {
			p.rt.logger.Warn().
				Str("channel", p.cfg.Name).
				Float64("requested", float64(n)).
				Float64("received", float64(len(entries))).
				Msg("xstream: broker returned more entries than requested; extras stay pending")
			entries = entries[:n]
		}
		p.credits.Release(n - len(entries))

		if len(entries) == 0 {
			if p.reclaimer.allow() && !p.reclaim(ctx) {
				return
			}
			continue
		}

		for i, e := range entries {
			if !p.dispatch(ctx, e) {
				// Shutdown between read and dispatch: the rest stays pending.
				p.credits.Release(len(entries) - i - 1)
				return
			}
		}
	}
}

// reclaim runs one reclaim cycle and reports whether polling should continue.
func (p *poller) reclaim(ctx context.Context) bool {
	if err := p.reclaimer.reclaimOnce(ctx); err != nil {
		if ctx.Err() == nil {
			p.fail(err)
		}
		return false
	}
	return true
}

func (p *poller) read(ctx context.Context, n int) ([]StreamEntry, error) {
	var entries []StreamEntry
	err := p.cfg.Retry.do(ctx, "read", func(ctx context.Context) error {
		var err error
		entries, err = p.broker.ReadGroup(ctx, ReadArgs{
			Stream:   p.cfg.Stream,
			Group:    p.cfg.Group,
			Consumer: p.cfg.Consumer,
			Count:    n,
			Block:    p.cfg.BlockTimeout,
		})
		return err
	})
	return entries, err
}

// dispatch hands one entry (holding one credit) to the dispatcher.
func (p *poller) dispatch(ctx context.Context, e StreamEntry) bool {
	msg, decodeErr := p.entries.Decode(e, DecodeContext{
		Stream:        p.cfg.Stream,
		Group:         p.cfg.Group,
		DeliveryCount: 1,
	})
	return handOff(ctx, &delivery{msg: msg, decodeErr: decodeErr}, p.credits, p.tracker, p.dispatcher)
}

// handOff registers d and submits it. It returns false only when ctx ended first,
// in which case d was abandoned.
func handOff(ctx context.Context, d *delivery, credits *Credits, tr *tracker, disp *dispatcher) bool {
	if !tr.begin(d) {
		credits.Release(1)
		return true
	}
	if !disp.submit(ctx, d) {
		tr.abandon(d)
		return false
	}
	return true
}
