// Package presence owns the connection lifecycle: it greets new connections
// and tears down everything a departing connection left behind.
package presence

import (
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/ice"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/room"
)

// Tracker mirrors presence outside the process. Implementations must not
// block.
type Tracker interface {
	matching.Observer
	Connected(connID string)
	Disconnected(connID string)
	InRoom(connID, roomID string)
}

// Supervisor runs connect and disconnect handling.
type Supervisor struct {
	matcher  *matching.Service
	rooms    *room.Registry
	chat     *chat.Service
	profiles *profile.Store
	notify   gateway.Notifier
	ice      *ice.Provider
	tracker  Tracker
}

// Deps groups the collaborators of a Supervisor. ICE and Tracker may be nil.
type Deps struct {
	Matcher  *matching.Service
	Rooms    *room.Registry
	Chat     *chat.Service
	Profiles *profile.Store
	Notify   gateway.Notifier
	ICE      *ice.Provider
	Tracker  Tracker
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(d Deps) *Supervisor {
	return &Supervisor{
		matcher:  d.Matcher,
		rooms:    d.Rooms,
		chat:     d.Chat,
		profiles: d.Profiles,
		notify:   d.Notify,
		ice:      d.ICE,
		tracker:  d.Tracker,
	}
}

// Connect announces the session id and ICE servers to a new connection.
func (s *Supervisor) Connect(connID string) {
	msg := protocol.SessionCreatedMsg{SessionID: connID}
	if s.ice != nil {
		msg.ICEServers = s.ice.ForClient(connID)
	}
	s.notify.Send(connID, protocol.TypeSessionCreated, msg)
	if s.tracker != nil {
		s.tracker.Connected(connID)
	}
}

// Joined records that connID entered a multi-party room.
func (s *Supervisor) Joined(connID, roomID string) {
	if s.tracker != nil {
		s.tracker.InRoom(connID, roomID)
	}
}

// Left records that connID left a multi-party room. The mirror falls back
// to idle once no multi-party room remains.
func (s *Supervisor) Left(connID string) {
	if s.tracker == nil {
		return
	}
	for _, id := range s.profiles.Rooms(connID) {
		if kind, ok := s.rooms.Kind(id); ok && kind == room.MultiParty {
			s.tracker.InRoom(connID, id)
			return
		}
	}
	if _, _, paired := s.matcher.Partner(connID); !paired && !s.matcher.IsQueued(connID) {
		s.tracker.Idle(connID)
	}
}

// LeaveRoom takes connID out of roomID and confirms with room-left. A
// pairwise room is left through the matcher so the pair table stays in
// step. Leaving a room one is not in, or one that is gone, only confirms.
func (s *Supervisor) LeaveRoom(connID, roomID string) {
	if pairRoom, _, ok := s.matcher.Partner(connID); ok && pairRoom == roomID {
		s.matcher.LeavePair(connID)
	} else if _, err := s.rooms.Leave(connID, roomID); err != nil {
		log.Debug().Str("module", "presence").Str("session", connID).Str("room", roomID).Err(err).Msg("leave ignored")
	}
	s.notify.Send(connID, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: roomID})
	s.Left(connID)
}

// Disconnect removes every trace of connID: its queue entry, its pair (the
// partner gets partner-left), its room memberships (the rooms get
// user-left), its typing indicators and its profile. Calling it again for
// the same connection does nothing. The connection is closed in the profile
// store first, so an event still being dispatched for it cannot queue it or
// add it to a room after cleanup.
func (s *Supervisor) Disconnect(connID string) {
	s.profiles.Close(connID)
	s.matcher.Remove(connID)
	left := s.rooms.LeaveAll(connID)
	s.chat.ClearTyping(connID)
	s.profiles.Delete(connID)
	if s.tracker != nil {
		s.tracker.Disconnected(connID)
	}
	log.Debug().Str("module", "presence").Str("session", connID).Int("rooms", len(left)).Msg("session cleaned up")
}
