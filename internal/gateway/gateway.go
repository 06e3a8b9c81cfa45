// Package gateway addresses outbound events to connections: one connection,
// a list of connections, every member of a room, or one member of a room.
// Delivery is best-effort; events for departed connections are dropped.
package gateway

import (
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Sender delivers an encoded frame to a connection. It reports false when
// the frame was dropped.
type Sender interface {
	Send(connID string, data []byte) bool
}

// Directory resolves the current members of a room.
type Directory interface {
	MemberIDs(roomID string) []string
}

// Notifier is the push side of the gateway used by the room registry,
// matcher and relays.
type Notifier interface {
	Send(connID, msgType string, payload interface{})
	Notify(connIDs []string, msgType string, payload interface{})
}

// Gateway encodes events once and fans them out through a Sender.
type Gateway struct {
	sender Sender
	rooms  Directory
}

// New creates a Gateway writing through sender.
func New(sender Sender) *Gateway {
	return &Gateway{sender: sender}
}

// SetDirectory wires the room directory used by SendToRoom and SendToPeer.
// It must be called before the server starts.
func (g *Gateway) SetDirectory(d Directory) {
	g.rooms = d
}

// Send delivers one event to one connection.
func (g *Gateway) Send(connID, msgType string, payload interface{}) {
	g.Notify([]string{connID}, msgType, payload)
}

// Notify delivers the same event to every listed connection.
func (g *Gateway) Notify(connIDs []string, msgType string, payload interface{}) {
	if len(connIDs) == 0 {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "gateway").Err(err).Str("type", msgType).Msg("encode failed")
		return
	}
	for _, id := range connIDs {
		g.sender.Send(id, data)
	}
}

// SendToRoom delivers an event to every member of roomID except the
// excluded connections.
func (g *Gateway) SendToRoom(roomID, msgType string, payload interface{}, excluding ...string) {
	if g.rooms == nil {
		return
	}
	members := g.rooms.MemberIDs(roomID)
	targets := members[:0:0]
	for _, id := range members {
		if !contains(excluding, id) {
			targets = append(targets, id)
		}
	}
	g.Notify(targets, msgType, payload)
}

// SendToPeer delivers an event to targetID only if it is currently a member
// of roomID. It reports whether the target was a member.
func (g *Gateway) SendToPeer(roomID, targetID, msgType string, payload interface{}) bool {
	if g.rooms == nil || !contains(g.rooms.MemberIDs(roomID), targetID) {
		return false
	}
	g.Send(targetID, msgType, payload)
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
