// Package matching pairs waiting connections whose filters accept each
// other. The queue and the pairing table share one mutex, so a connection is
// never observed queued and paired at the same time. Members of multi-party
// rooms and closed connections are never queued.
package matching

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/room"
)

var (
	ErrAlreadyQueued = errors.New("matching: already queued")
	ErrAlreadyPaired = errors.New("matching: already paired")
	ErrNoProfile     = errors.New("matching: no stored profile")
	ErrInRoom        = errors.New("matching: member of a multi-party room")
	ErrDisconnected  = errors.New("matching: connection closed")
)

// Observer is told about queue and pairing changes. Calls are made with the
// matcher lock held and must not block.
type Observer interface {
	Searching(connID string)
	Paired(connID, roomID, partnerID string)
	Idle(connID string)
}

type pair struct {
	roomID    string
	partnerID string
}

// Service is the matchmaker. It owns the waiting queue and the table of
// active pairs; the pairwise rooms themselves live in the room registry.
type Service struct {
	mu       sync.Mutex
	queue    *Queue
	pairs    map[string]pair
	rooms    *room.Registry
	profiles *profile.Store
	notify   gateway.Notifier
	observer Observer
}

// NewService creates a matchmaker. observer may be nil.
func NewService(rooms *room.Registry, profiles *profile.Store, notify gateway.Notifier, observer Observer) *Service {
	return &Service{
		queue:    NewQueue(),
		pairs:    make(map[string]pair),
		rooms:    rooms,
		profiles: profiles,
		notify:   notify,
		observer: observer,
	}
}

// StartLooking stores the caller's profile and filter, then pairs it with
// the oldest queued connection that accepts it and is accepted by it. When
// nobody fits the caller is queued. Calling it while queued, paired or in a
// multi-party room changes nothing and returns ErrAlreadyQueued,
// ErrAlreadyPaired or ErrInRoom. A closed connection gets ErrDisconnected.
func (s *Service) StartLooking(connID string, p profile.Profile, f profile.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.profiles.Active(connID) {
		return ErrDisconnected
	}
	if s.queue.Contains(connID) {
		return ErrAlreadyQueued
	}
	if _, ok := s.pairs[connID]; ok {
		return ErrAlreadyPaired
	}
	if s.inRoomLocked(connID) {
		return ErrInRoom
	}
	if !s.profiles.Put(connID, p, f) {
		return ErrDisconnected
	}
	s.lookLocked(connID, p, f)
	return nil
}

// inRoomLocked reports whether connID belongs to a multi-party room.
func (s *Service) inRoomLocked(connID string) bool {
	for _, roomID := range s.profiles.Rooms(connID) {
		if kind, ok := s.rooms.Kind(roomID); ok && kind == room.MultiParty {
			return true
		}
	}
	return false
}

func (s *Service) lookLocked(connID string, p profile.Profile, f profile.Filter) {
	other := s.queue.FindFirst(func(e *QueueEntry) bool {
		return e.SessionID != connID &&
			profile.Compatible(e.Profile, e.Filter, p, f) &&
			s.profiles.Active(e.SessionID)
	})

	if other == nil {
		s.queue.Enqueue(QueueEntry{SessionID: connID, Profile: p, Filter: f, JoinedAt: time.Now()})
		metrics.MatchQueueSize.Set(float64(s.queue.Len()))
		s.notify.Send(connID, protocol.TypeSearching, protocol.SearchingMsg{QueueLength: s.queue.Len()})
		if s.observer != nil {
			s.observer.Searching(connID)
		}
		log.Debug().Str("module", "matching").Str("session", connID).Int("queue", s.queue.Len()).Msg("queued")
		return
	}

	waiting := *other
	s.queue.Remove(waiting.SessionID)
	metrics.MatchQueueSize.Set(float64(s.queue.Len()))
	metrics.MatchWait.Observe(time.Since(waiting.JoinedAt).Seconds())

	// The side that was already waiting makes the offer.
	roomID := s.rooms.CreatePairwise(waiting.SessionID, connID)
	s.pairs[waiting.SessionID] = pair{roomID: roomID, partnerID: connID}
	s.pairs[connID] = pair{roomID: roomID, partnerID: waiting.SessionID}

	s.notify.Send(waiting.SessionID, protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:    roomID,
		IsOfferer: true,
		Partner:   partnerProfile(connID, p),
	})
	s.notify.Send(connID, protocol.TypeMatched, protocol.MatchedMsg{
		RoomID:    roomID,
		IsOfferer: false,
		Partner:   partnerProfile(waiting.SessionID, waiting.Profile),
	})
	if s.observer != nil {
		s.observer.Paired(waiting.SessionID, roomID, connID)
		s.observer.Paired(connID, roomID, waiting.SessionID)
	}
	log.Info().Str("module", "matching").Str("room", roomID).
		Str("offerer", waiting.SessionID).Str("answerer", connID).Msg("matched")
}

// Skip leaves the caller's current pair, notifying the partner, and looks
// for a new partner with the stored profile. Skipping while already queued
// is a no-op. A member of a multi-party room leaves its pair but is not
// queued again.
func (s *Service) Skip(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.profiles.Active(connID) {
		return ErrDisconnected
	}
	s.leavePairLocked(connID)
	if s.queue.Contains(connID) {
		return ErrAlreadyQueued
	}
	if s.inRoomLocked(connID) {
		return ErrInRoom
	}

	p, f, ok := s.profiles.Get(connID)
	if !ok {
		return ErrNoProfile
	}
	s.lookLocked(connID, p, f)
	return nil
}

// StopLooking removes the caller from the queue. It reports whether the
// caller was queued.
func (s *Service) StopLooking(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.queue.Remove(connID) {
		return false
	}
	metrics.MatchQueueSize.Set(float64(s.queue.Len()))
	if s.observer != nil {
		s.observer.Idle(connID)
	}
	return true
}

// LeavePair dissolves the caller's pair. The partner receives partner-left
// and becomes idle. It returns the former partner, or "" when the caller was
// not paired.
func (s *Service) LeavePair(connID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leavePairLocked(connID)
}

// Remove takes the caller out of the queue and out of its pair. It is used
// on disconnect and may be called repeatedly.
func (s *Service) Remove(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Remove(connID) {
		metrics.MatchQueueSize.Set(float64(s.queue.Len()))
	}
	s.leavePairLocked(connID)
}

func (s *Service) leavePairLocked(connID string) string {
	pr, ok := s.pairs[connID]
	if !ok {
		return ""
	}
	delete(s.pairs, connID)
	delete(s.pairs, pr.partnerID)

	if _, err := s.rooms.Leave(connID, pr.roomID); err != nil {
		// The room vanished underneath the pair; tell the partner directly.
		log.Warn().Str("module", "matching").Str("room", pr.roomID).Err(err).Msg("pairwise room already gone")
		s.notify.Send(pr.partnerID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{RoomID: pr.roomID})
	}

	if s.observer != nil {
		s.observer.Idle(connID)
		s.observer.Idle(pr.partnerID)
	}
	log.Debug().Str("module", "matching").Str("session", connID).Str("partner", pr.partnerID).Msg("pair left")
	return pr.partnerID
}

// Partner returns the caller's pairwise room and partner.
func (s *Service) Partner(connID string) (roomID, partnerID string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.pairs[connID]
	return pr.roomID, pr.partnerID, ok
}

// IsQueued reports whether the caller is waiting in the queue.
func (s *Service) IsQueued(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Contains(connID)
}

// Queued returns the waiting sessions in queue order.
func (s *Service) Queued() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.IDs()
}

func partnerProfile(id string, p profile.Profile) protocol.PartnerProfile {
	return protocol.PartnerProfile{
		ID:      id,
		Name:    p.Name,
		Age:     p.Age,
		Gender:  p.Gender,
		Country: p.Country,
	}
}
