package plugin

import (
	"sync"
	"time"
)

// Event describes one committed lifecycle transition. Removed plugins
// emit an event with an empty To state.
type Event struct {
	Key  string    `json:"key"`
	From State     `json:"from,omitempty"`
	To   State     `json:"to,omitempty"`
	At   time.Time `json:"at"`
}

// Removed reports whether the event marks an uninstall.
func (e Event) Removed() bool {
	return e.To == ""
}

// Listener receives lifecycle events. Listeners run synchronously after
// the transition commits, outside all registry locks; slow listeners
// delay subsequent lifecycle calls for the same plugin only.
type Listener func(Event)

// listenerSet is a concurrency-safe fan-out of lifecycle events.
type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
}

func (s *listenerSet) add(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) notify(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, e := range events {
		for _, l := range listeners {
			l(e)
		}
	}
}
