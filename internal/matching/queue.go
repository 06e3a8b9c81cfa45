package matching

import (
	"time"

	"github.com/whisper/rendezvous/internal/profile"
)

// QueueEntry is a connection waiting for a partner.
type QueueEntry struct {
	SessionID string
	Profile   profile.Profile
	Filter    profile.Filter
	JoinedAt  time.Time
}

// Queue is the FIFO of waiting connections. It holds each session at most
// once. It is not safe for concurrent use; the Matcher guards it.
type Queue struct {
	entries []*QueueEntry
	index   map[string]*QueueEntry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*QueueEntry)}
}

// Enqueue appends e unless its session is already queued. It reports
// whether the entry was added.
func (q *Queue) Enqueue(e QueueEntry) bool {
	if _, ok := q.index[e.SessionID]; ok {
		return false
	}
	entry := e
	q.entries = append(q.entries, &entry)
	q.index[e.SessionID] = &entry
	return true
}

// Remove deletes a session from the queue. It reports whether it was queued.
func (q *Queue) Remove(sessionID string) bool {
	if _, ok := q.index[sessionID]; !ok {
		return false
	}
	delete(q.index, sessionID)
	for i, e := range q.entries {
		if e.SessionID == sessionID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether a session is queued.
func (q *Queue) Contains(sessionID string) bool {
	_, ok := q.index[sessionID]
	return ok
}

// FindFirst returns the oldest entry satisfying match, or nil.
func (q *Queue) FindFirst(match func(*QueueEntry) bool) *QueueEntry {
	for _, e := range q.entries {
		if match(e) {
			return e
		}
	}
	return nil
}

// Len returns the number of queued sessions.
func (q *Queue) Len() int {
	return len(q.entries)
}

// IDs returns the queued sessions in insertion order.
func (q *Queue) IDs() []string {
	out := make([]string, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.SessionID
	}
	return out
}
