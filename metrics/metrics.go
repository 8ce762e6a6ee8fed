// Package metrics exports connector lifecycle events as Prometheus metrics.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	obs, err := metrics.NewObserver(reg, metrics.DefaultConfig())
//	conn := redisstream.Use(cfg, redisstream.WithObserver(obs))
//	http.Handle("/metrics", metrics.Handler(reg))
//
// Consumer-side series are labeled by stream and group; producer-side series by stream.
//
// PROMQL:
//
//	# dead-letter rate per group
//	rate(xstream_messages_dead_lettered_total[5m])
//	# p99 handler latency
//	histogram_quantile(0.99, rate(xstream_processing_duration_seconds_bucket[5m]))
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trickstertwo/xstream"
)

// Config controls metric naming.
type Config struct {
	// Namespace is the prefix for all metrics (default: "xstream").
	Namespace string
	// HistogramBuckets for latency measurements, in seconds.
	HistogramBuckets []float64
}

// DefaultConfig returns buckets dense between 1ms and 10s.
func DefaultConfig() Config {
	return Config{
		Namespace: "xstream",
		HistogramBuckets: []float64{
			0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
			0.1, 0.25, 0.5, 1, 2.5, 5, 10,
		},
	}
}

var consumerLabels = []string{"stream", "group"}

// Observer implements xstream.Observer on top of Prometheus collectors.
type Observer struct {
	Sent               *prometheus.CounterVec
	SendErrors         *prometheus.CounterVec
	SendDuration       *prometheus.HistogramVec
	Consumed           *prometheus.CounterVec
	Acked              *prometheus.CounterVec
	Nacked             *prometheus.CounterVec
	DeadLettered       *prometheus.CounterVec
	Reclaimed          *prometheus.CounterVec
	Degraded           *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
}

var _ xstream.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer, cfg Config) (*Observer, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if len(cfg.HistogramBuckets) == 0 {
		cfg.HistogramBuckets = DefaultConfig().HistogramBuckets
	}

	counter := func(name, help string, labels []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels []string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      name,
			Help:      help,
			Buckets:   cfg.HistogramBuckets,
		}, labels)
	}

	o := &Observer{
		Sent:               counter("messages_sent_total", "Entries appended by producers.", []string{"stream"}),
		SendErrors:         counter("send_errors_total", "Failed appends.", []string{"stream"}),
		SendDuration:       histogram("send_duration_seconds", "Append latency.", []string{"stream"}),
		Consumed:           counter("messages_consumed_total", "Deliveries handed to a handler.", consumerLabels),
		Acked:              counter("messages_acked_total", "Deliveries acknowledged after success.", consumerLabels),
		Nacked:             counter("messages_nacked_total", "Failed delivery attempts.", consumerLabels),
		DeadLettered:       counter("messages_dead_lettered_total", "Entries routed to the dead-letter sink.", consumerLabels),
		Reclaimed:          counter("messages_reclaimed_total", "Pending entries claimed from idle consumers.", consumerLabels),
		Degraded:           counter("channel_degraded_total", "Channels stopped by transport failures.", consumerLabels),
		ProcessingDuration: histogram("processing_duration_seconds", "Handler latency.", consumerLabels),
	}

	for _, c := range []prometheus.Collector{
		o.Sent, o.SendErrors, o.SendDuration,
		o.Consumed, o.Acked, o.Nacked, o.DeadLettered, o.Reclaimed, o.Degraded,
		o.ProcessingDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OnEvent updates the matching collector. Unknown event types are ignored.
func (o *Observer) OnEvent(e xstream.Event) {
	switch e.Type {
	case xstream.SendDone:
		o.SendDuration.WithLabelValues(e.Stream).Observe(e.Duration.Seconds())
		if e.Err != nil {
			o.SendErrors.WithLabelValues(e.Stream).Inc()
			return
		}
		o.Sent.WithLabelValues(e.Stream).Inc()
	case xstream.ConsumeStart:
		o.Consumed.WithLabelValues(e.Stream, e.Group).Inc()
	case xstream.ConsumeDone:
		o.ProcessingDuration.WithLabelValues(e.Stream, e.Group).Observe(e.Duration.Seconds())
	case xstream.Ack:
		o.Acked.WithLabelValues(e.Stream, e.Group).Inc()
	case xstream.Nack:
		o.Nacked.WithLabelValues(e.Stream, e.Group).Inc()
	case xstream.DeadLetter:
		o.DeadLettered.WithLabelValues(e.Stream, e.Group).Inc()
	case xstream.Reclaim:
		o.Reclaimed.WithLabelValues(e.Stream, e.Group).Add(float64(e.Count))
	case xstream.Degraded:
		o.Degraded.WithLabelValues(e.Stream, e.Group).Inc()
	}
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
