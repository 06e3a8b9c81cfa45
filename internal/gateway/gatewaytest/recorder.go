// Package gatewaytest provides an in-memory gateway.Notifier that records
// every event for assertions in tests.
package gatewaytest

import "sync"

// Event is one recorded delivery.
type Event struct {
	To      string
	Type    string
	Payload interface{}
}

// Recorder records events instead of delivering them.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records one event.
func (r *Recorder) Send(connID, msgType string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, Event{To: connID, Type: msgType, Payload: payload})
	r.mu.Unlock()
}

// Notify records one event per connection.
func (r *Recorder) Notify(connIDs []string, msgType string, payload interface{}) {
	for _, id := range connIDs {
		r.Send(id, msgType, payload)
	}
}

// Events returns the events delivered to connID, in order. An empty connID
// returns every event.
func (r *Recorder) Events(connID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if connID == "" || e.To == connID {
			out = append(out, e)
		}
	}
	return out
}

// OfType returns the events of msgType delivered to connID.
func (r *Recorder) OfType(connID, msgType string) []Event {
	var out []Event
	for _, e := range r.Events(connID) {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of msgType connID received.
func (r *Recorder) Count(connID, msgType string) int {
	return len(r.OfType(connID, msgType))
}

// Last returns the most recent event of msgType delivered to connID.
func (r *Recorder) Last(connID, msgType string) (Event, bool) {
	events := r.OfType(connID, msgType)
	if len(events) == 0 {
		return Event{}, false
	}
	return events[len(events)-1], true
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
