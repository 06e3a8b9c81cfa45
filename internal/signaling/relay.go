// Package signaling forwards offer, answer and ice-candidate events between
// room members. It keeps no negotiation state; membership is read from the
// room registry on every event, so nothing is relayed to or from a
// connection once it has left.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/room"
)

var (
	ErrNotInRoom       = errors.New("signaling: sender is not a member of the room")
	ErrTargetRequired  = errors.New("signaling: to is required in multi-party rooms")
	ErrTargetNotInRoom = errors.New("signaling: target is not a member of the room")
	ErrGlare           = errors.New("signaling: offers go from the newer member to the older one")
	ErrInvalidPayload  = errors.New("signaling: invalid payload")
)

// Relay routes signaling events.
type Relay struct {
	rooms  *room.Registry
	notify gateway.Notifier
}

// NewRelay creates a Relay.
func NewRelay(rooms *room.Registry, notify gateway.Notifier) *Relay {
	return &Relay{rooms: rooms, notify: notify}
}

// Forward relays msg from connID. In a pairwise room the payload goes to the
// other member tagged with sender. In a multi-party room it goes only to the
// member named by To, tagged with from. Offers in a multi-party room must
// come from the member that joined later.
func (r *Relay) Forward(connID string, msg protocol.SignalMsg) error {
	if err := ValidatePayload(msg.Type, msg.Payload); err != nil {
		return err
	}

	snap, err := r.rooms.Snapshot(msg.RoomID)
	if err != nil {
		return err
	}
	self, ok := snap.Member(connID)
	if !ok {
		return ErrNotInRoom
	}

	if snap.Kind == room.Pairwise {
		out := protocol.RelayedSignalMsg{RoomID: snap.ID, Sender: connID, Payload: msg.Payload}
		for _, m := range snap.Members {
			if m.ID != connID {
				r.notify.Send(m.ID, msg.Type, out)
			}
		}
		metrics.RelayedSignals.WithLabelValues(msg.Type).Inc()
		return nil
	}

	if msg.To == "" || msg.To == connID {
		return ErrTargetRequired
	}
	target, ok := snap.Member(msg.To)
	if !ok {
		return ErrTargetNotInRoom
	}
	if msg.Type == protocol.TypeOffer && self.JoinSeq < target.JoinSeq {
		log.Debug().Str("module", "signaling").Str("room", snap.ID).
			Str("from", connID).Str("to", msg.To).Msg("offer rejected: glare")
		return ErrGlare
	}

	r.notify.Send(msg.To, msg.Type, protocol.RelayedSignalMsg{RoomID: snap.ID, From: connID, Payload: msg.Payload})
	metrics.RelayedSignals.WithLabelValues(msg.Type).Inc()
	return nil
}

// ValidatePayload checks that payload is a session description of the right
// type for offer and answer, or an ICE candidate for ice-candidate.
func ValidatePayload(kind string, payload json.RawMessage) error {
	switch kind {
	case protocol.TypeOffer, protocol.TypeAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if !descriptionMatches(kind, sd.Type) {
			return fmt.Errorf("%w: %s carries description type %q", ErrInvalidPayload, kind, sd.Type.String())
		}
		if _, err := sd.Unmarshal(); err != nil {
			return fmt.Errorf("%w: sdp: %v", ErrInvalidPayload, err)
		}
	case protocol.TypeICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		// An empty candidate marks end-of-candidates and is relayed as is.
	default:
		return fmt.Errorf("%w: unknown signal %q", ErrInvalidPayload, kind)
	}
	return nil
}

func descriptionMatches(kind string, t webrtc.SDPType) bool {
	if kind == protocol.TypeOffer {
		return t == webrtc.SDPTypeOffer
	}
	return t == webrtc.SDPTypeAnswer || t == webrtc.SDPTypePranswer
}
