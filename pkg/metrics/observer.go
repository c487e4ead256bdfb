package metrics

import "time"

// Event names emitted by the broker components.
const (
	EventBroadcast        = "broadcast"
	EventUpstreamState    = "upstream_state"
	EventBufferOverflow   = "upstream_buffer_overflow"
	EventQueueOverflow    = "queue_overflow"
	EventQueueOpFailed    = "queue_operation_failed"
	EventQueueStatus      = "queue_status"
	EventRecordingStarted = "recording_started"
	EventRecordingStopped = "recording_stopped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
