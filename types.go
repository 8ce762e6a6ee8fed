package xstream

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	SendDone     EventType = "send_done"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	DeadLetter   EventType = "dead_letter"
	Reclaim      EventType = "reclaim"
	Degraded     EventType = "degraded"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	Channel       string
	Stream        string
	Group         string
	EntryID       string
	DeliveryCount int64
	// Count is the number of entries an event covers (reclaim batches).
	Count    int
	Duration time.Duration
	Err      error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped        uint64 // Events dropped due to full buffer
	Processed      uint64 // Events dispatched to observers
	ObserverPanics uint64 // Observer panics recovered by the pool
	Urgent         uint64 // Degraded and DeadLetter events, never dropped
	ActiveEvents   int    // Current queue depth
	Workers        int    // Routine-lane dispatch goroutines
	BufferSize     int    // Routine-lane capacity
}

// Metrics defines observable telemetry for the connector.
type Metrics struct {
	Sent                uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	DeadLettered        uint64
	Reclaimed           uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64 // Handler run time, moving average
	AvgSendTimeMs       float64 // Producer append latency, moving average
}

// HealthStatus indicates connector or channel health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)
