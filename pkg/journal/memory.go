package journal

import "sync"

// Memory is an in-memory journaler, primarily used for testing. A zero-value
// instance is a valid instance.
type Memory struct {
	mutex  sync.Mutex
	events []Event
}

var _ Journaler = (*Memory)(nil)

// Write appends a journal event into the internal store.
func (m *Memory) Write(ev Event) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	events := make([]Event, len(m.events))
	copy(events, m.events)
	return events
}

// Count returns how many events of the given type were recorded.
func (m *Memory) Count(eventType string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	count := 0
	for _, ev := range m.events {
		if ev.Type() == eventType {
			count++
		}
	}
	return count
}
