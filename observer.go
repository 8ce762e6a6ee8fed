package xstream

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits connector events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("channel", e.Channel),
		xlog.Str("stream", e.Stream),
		xlog.Str("group", e.Group),
		xlog.Str("entry_id", e.EntryID),
	)
	dc := float64(e.DeliveryCount)
	switch e.Type {
	case Degraded:
		ev.Error().Err(e.Err).Msg("xstream event")
	case Error, Nack, DeadLetter:
		ev.Warn().Err(e.Err).Float64("delivery_count", dc).Msg("xstream event")
	case Reclaim:
		ev.Info().Float64("count", float64(e.Count)).Msg("xstream event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Float64("delivery_count", dc).Msg("xstream event")
	}
}
