package queue

import "github.com/vietddude/outpost/internal/core/domain"

// EventType names a queue state change.
type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventApplied      EventType = "applied"
	EventEvicted      EventType = "evicted"
	EventRemoved      EventType = "removed"
	EventCleared      EventType = "cleared"
	EventDeadLettered EventType = "dead_lettered"
)

// Event notifies subscribers of a queue change. Op is nil for
// EventCleared.
type Event struct {
	Type EventType
	Op   *domain.Operation
}

// Subscribe registers a change listener. The returned cancel func must
// be called to release it. Slow subscribers drop events rather than
// block the queue.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Event, 16)
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// notify fans an event out without blocking. Callers hold m.mu.
func (m *Manager) notify(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
