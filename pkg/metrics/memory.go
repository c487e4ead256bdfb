package metrics

import (
	"maps"
	"sync"
)

// MemoryObserver tallies events by name and optionally retains the events
// themselves. The engine uses a counting-only instance for /health.
type MemoryObserver struct {
	mu     sync.Mutex
	retain bool
	events []MetricsEvent
	counts map[string]int64
}

// NewMemoryObserver retains every event.
func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{retain: true, counts: make(map[string]int64)}
}

// NewEventCounter only counts.
func NewEventCounter() *MemoryObserver {
	return &MemoryObserver{counts: make(map[string]int64)}
}

func (m *MemoryObserver) RecordEvent(ev MetricsEvent) {
	m.mu.Lock()
	m.counts[ev.Name]++
	if m.retain {
		m.events = append(m.events, ev)
	}
	m.mu.Unlock()
}

func (m *MemoryObserver) Events() []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Named returns retained events with the given name, oldest first.
func (m *MemoryObserver) Named(name string) []MetricsEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MetricsEvent
	for _, ev := range m.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Counts returns a copy of the per-name tallies.
func (m *MemoryObserver) Counts() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.counts)
}
