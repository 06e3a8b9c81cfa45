// Package profile keeps the per-connection attributes supplied by clients:
// the public profile, the partner filter and back-references to the rooms a
// connection belongs to. Room membership itself is owned by the room
// registry; the back-references here are for lookup only.
package profile

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// TombstoneTTL is how long a closed connection id keeps being refused. It
// only has to outlive an event that was already being dispatched when the
// connection went away.
const TombstoneTTL = time.Minute

// Profile is the public description of a connection shown to partners.
type Profile struct {
	Name    string
	Age     int
	Gender  string
	Country string
}

// Filter restricts which partners a connection accepts. An empty field
// accepts anything; a set field requires a case-insensitive match.
type Filter struct {
	Gender  string
	Country string
}

// Accepts reports whether p satisfies the filter.
func (f Filter) Accepts(p Profile) bool {
	return fieldAccepts(f.Gender, p.Gender) && fieldAccepts(f.Country, p.Country)
}

func fieldAccepts(want, have string) bool {
	want = strings.TrimSpace(want)
	return want == "" || strings.EqualFold(want, strings.TrimSpace(have))
}

// Compatible reports whether two connections accept each other.
func Compatible(a Profile, af Filter, b Profile, bf Filter) bool {
	return af.Accepts(b) && bf.Accepts(a)
}

type entry struct {
	profile    Profile
	filter     Filter
	hasProfile bool
	rooms      map[string]struct{}
}

// Store is a concurrency-safe map of connection attributes. A connection
// that was closed is remembered for TombstoneTTL, and writes for it are
// refused so a late event cannot bring it back.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	closed    map[string]time.Time
	lastPrune time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry), closed: make(map[string]time.Time)}
}

func (s *Store) entryLocked(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{rooms: make(map[string]struct{})}
		s.entries[id] = e
	}
	return e
}

// Put stores or overwrites the profile and filter of a connection. It
// reports false, storing nothing, when the connection was closed.
func (s *Store) Put(id string, p Profile, f Filter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.closed[id]; gone {
		return false
	}
	e := s.entryLocked(id)
	e.profile, e.filter, e.hasProfile = p, f, true
	return true
}

// Active reports whether id has not been closed.
func (s *Store) Active(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, gone := s.closed[id]
	return !gone
}

// Close marks id as gone. Its entry stays readable until Delete, so cleanup
// can still find the rooms it was in.
func (s *Store) Close(id string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[id] = now
	if now.Sub(s.lastPrune) < TombstoneTTL {
		return
	}
	for cid, at := range s.closed {
		if now.Sub(at) > TombstoneTTL {
			delete(s.closed, cid)
		}
	}
	s.lastPrune = now
}

// Get returns the profile and filter of a connection.
func (s *Store) Get(id string) (Profile, Filter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || !e.hasProfile {
		return Profile{}, Filter{}, false
	}
	return e.profile, e.filter, true
}

// DisplayName returns the stored profile name, or "" when none is known.
func (s *Store) DisplayName(id string) string {
	p, _, _ := s.Get(id)
	return p.Name
}

// AddRoom records that id belongs to roomID. It reports false when the
// connection was closed.
func (s *Store) AddRoom(id, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.closed[id]; gone {
		return false
	}
	s.entryLocked(id).rooms[roomID] = struct{}{}
	return true
}

// RemoveRoom forgets that id belongs to roomID.
func (s *Store) RemoveRoom(id, roomID string) {
	s.mu.Lock()
	if e, ok := s.entries[id]; ok {
		delete(e.rooms, roomID)
	}
	s.mu.Unlock()
}

// Rooms returns the room ids recorded for id, sorted.
func (s *Store) Rooms(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for r := range e.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Delete drops everything known about id except its tombstone.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Len returns the number of tracked connections.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
