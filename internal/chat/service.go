// Package chat relays room-scoped text events: messages, receipts, edits,
// deletions, reactions and typing indicators. Messages in multi-party rooms
// are handed to the archive sink; nothing here waits on the durable store.
package chat

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/archive"
	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/room"
)

var (
	ErrNotInRoom      = errors.New("chat: sender is not a member of the room")
	ErrUnknownMessage = errors.New("chat: unknown message")
	ErrNotAuthor      = errors.New("chat: only the author can change a message")
	ErrMessageDeleted = errors.New("chat: message was deleted")
)

// DefaultTypingTTL is how long a typing indicator lasts without renewal.
const DefaultTypingTTL = 2 * time.Second

const defaultMessageType = "text"

// Config tunes the chat relay.
type Config struct {
	TypingTTL  time.Duration
	BufferSize int
}

type typingKey struct {
	roomID string
	connID string
}

type typingState struct {
	timer *time.Timer
	gen   uint64
}

// Service relays chat events between room members.
type Service struct {
	rooms    *room.Registry
	profiles *profile.Store
	notify   gateway.Notifier
	sink     archive.Sink
	recent   *MessageBuffer
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	typing map[typingKey]typingState
	gen    uint64
}

// NewService creates a chat relay. sink may be nil.
func NewService(cfg Config, rooms *room.Registry, profiles *profile.Store, notify gateway.Notifier, sink archive.Sink) *Service {
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = DefaultTypingTTL
	}
	if sink == nil {
		sink = archive.Discard{}
	}
	return &Service{
		rooms:    rooms,
		profiles: profiles,
		notify:   notify,
		sink:     sink,
		recent:   NewMessageBuffer(cfg.BufferSize),
		ttl:      cfg.TypingTTL,
		now:      time.Now,
		typing:   make(map[typingKey]typingState),
	}
}

// members returns the room snapshot if connID belongs to it.
func (s *Service) members(connID, roomID string) (room.Snapshot, error) {
	snap, err := s.rooms.Snapshot(roomID)
	if err != nil {
		return room.Snapshot{}, err
	}
	if _, ok := snap.Member(connID); !ok {
		return room.Snapshot{}, ErrNotInRoom
	}
	return snap, nil
}

// inRoom runs fn under the room lock when connID is a member, so relayed and
// archived chat events keep their order with joins, leaves and deletion.
func (s *Service) inRoom(connID, roomID string, fn func(room.Snapshot) error) error {
	err := s.rooms.WithMember(roomID, connID, fn)
	if errors.Is(err, room.ErrNotMember) {
		return ErrNotInRoom
	}
	return err
}

func others(snap room.Snapshot, connID string) []string {
	out := make([]string, 0, len(snap.Members))
	for _, m := range snap.Members {
		if m.ID != connID {
			out = append(out, m.ID)
		}
	}
	return out
}

// Send relays a new message to the other members and acknowledges it to the
// sender with the id and timestamp the server recorded.
func (s *Service) Send(connID string, msg protocol.SendMessageMsg) (protocol.ChatMessage, error) {
	if err := ValidateMessage(msg.Content); err != nil {
		return protocol.ChatMessage{}, err
	}

	var out protocol.ChatMessage
	err := s.inRoom(connID, msg.RoomID, func(snap room.Snapshot) error {
		out = protocol.ChatMessage{
			ID:          msg.ID,
			RoomID:      snap.ID,
			Sender:      connID,
			SenderName:  msg.SenderName,
			Content:     msg.Content,
			MessageType: msg.MessageType,
			Timestamp:   s.now().UnixMilli(),
		}
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		if _, dup := s.recent.Find(snap.ID, out.ID); dup {
			out.ID = uuid.NewString()
		}
		if out.MessageType == "" {
			out.MessageType = defaultMessageType
		}
		if m, ok := snap.Member(connID); ok && m.Name != "" {
			out.SenderName = m.Name
		} else if name := s.profiles.DisplayName(connID); name != "" {
			out.SenderName = name
		}

		s.recent.Add(snap.ID, BufferedMessage{ID: out.ID, Sender: connID, Content: out.Content, Ts: out.Timestamp})
		s.stopTyping(snap.ID, connID, others(snap, connID))

		s.notify.Notify(others(snap, connID), protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{ChatMessage: out})
		s.notify.Send(connID, protocol.TypeMessageAck, protocol.MessageAckMsg{RoomID: snap.ID, ID: out.ID, Timestamp: out.Timestamp})

		if snap.Kind == room.MultiParty {
			s.sink.Emit(archive.Event{
				Kind:        archive.MessageSent,
				RoomID:      snap.ID,
				At:          time.UnixMilli(out.Timestamp),
				ConnID:      connID,
				DisplayName: out.SenderName,
				MessageID:   out.ID,
				Content:     out.Content,
				MessageType: out.MessageType,
			})
		}
		return nil
	})
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	return out, nil
}

// Status relays a delivery or read receipt to the message author, or to the
// other members when the author is no longer known.
func (s *Service) Status(connID string, msg protocol.MessageStatusMsg) error {
	return s.inRoom(connID, msg.RoomID, func(snap room.Snapshot) error {
		out := protocol.ServerMessageStatusMsg{RoomID: snap.ID, MessageID: msg.MessageID, Status: msg.Status, Sender: connID}

		targets := others(snap, connID)
		if m, ok := s.recent.Find(snap.ID, msg.MessageID); ok {
			if m.Sender == connID {
				return nil
			}
			if _, member := snap.Member(m.Sender); !member {
				return nil
			}
			targets = []string{m.Sender}
		}
		s.notify.Notify(targets, protocol.TypeMessageStatus, out)

		if snap.Kind == room.MultiParty {
			s.sink.Emit(archive.Event{
				Kind:      archive.MessageStatus,
				RoomID:    snap.ID,
				At:        s.now(),
				ConnID:    connID,
				MessageID: msg.MessageID,
				Status:    msg.Status,
			})
		}
		return nil
	})
}

// authored checks that connID wrote a live message in the recent buffer.
func (s *Service) authored(connID, roomID, msgID string) error {
	m, ok := s.recent.Find(roomID, msgID)
	switch {
	case !ok:
		return ErrUnknownMessage
	case m.Deleted:
		return ErrMessageDeleted
	case m.Sender != connID:
		return ErrNotAuthor
	}
	return nil
}

// Edit replaces the content of the caller's own message.
func (s *Service) Edit(connID string, msg protocol.EditMessageMsg) error {
	if err := ValidateMessage(msg.Content); err != nil {
		return err
	}
	return s.inRoom(connID, msg.RoomID, func(snap room.Snapshot) error {
		if err := s.authored(connID, snap.ID, msg.MessageID); err != nil {
			return err
		}

		s.recent.Update(snap.ID, msg.MessageID, func(m *BufferedMessage) { m.Content = msg.Content })
		at := s.now()
		s.notify.Notify(others(snap, connID), protocol.TypeMessageEdited, protocol.MessageEditedMsg{
			RoomID:    snap.ID,
			MessageID: msg.MessageID,
			Content:   msg.Content,
			Sender:    connID,
			EditedAt:  at.UnixMilli(),
		})

		if snap.Kind == room.MultiParty {
			s.sink.Emit(archive.Event{
				Kind:      archive.MessageEdited,
				RoomID:    snap.ID,
				At:        at,
				ConnID:    connID,
				MessageID: msg.MessageID,
				Content:   msg.Content,
			})
		}
		return nil
	})
}

// Delete removes the caller's own message.
func (s *Service) Delete(connID string, msg protocol.DeleteMessageMsg) error {
	return s.inRoom(connID, msg.RoomID, func(snap room.Snapshot) error {
		if err := s.authored(connID, snap.ID, msg.MessageID); err != nil {
			return err
		}

		s.recent.Update(snap.ID, msg.MessageID, func(m *BufferedMessage) {
			m.Deleted = true
			m.Content = ""
		})
		s.notify.Notify(others(snap, connID), protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
			RoomID:    snap.ID,
			MessageID: msg.MessageID,
			Sender:    connID,
		})

		if snap.Kind == room.MultiParty {
			s.sink.Emit(archive.Event{
				Kind:      archive.MessageDeleted,
				RoomID:    snap.ID,
				At:        s.now(),
				ConnID:    connID,
				MessageID: msg.MessageID,
			})
		}
		return nil
	})
}

// React relays an emoji reaction. Any member may react to any live message.
func (s *Service) React(connID string, msg protocol.ReactMessageMsg) error {
	if err := ValidateEmoji(msg.Emoji); err != nil {
		return err
	}
	return s.inRoom(connID, msg.RoomID, func(snap room.Snapshot) error {
		if m, ok := s.recent.Find(snap.ID, msg.MessageID); ok && m.Deleted {
			return ErrMessageDeleted
		}

		s.notify.Notify(others(snap, connID), protocol.TypeMessageReact, protocol.MessageReactMsg{
			RoomID:    snap.ID,
			MessageID: msg.MessageID,
			Emoji:     msg.Emoji,
			Sender:    connID,
		})

		if snap.Kind == room.MultiParty {
			s.sink.Emit(archive.Event{
				Kind:      archive.MessageReacted,
				RoomID:    snap.ID,
				At:        s.now(),
				ConnID:    connID,
				MessageID: msg.MessageID,
				Emoji:     msg.Emoji,
			})
		}
		return nil
	})
}

// Typing relays a typing indicator. An active indicator expires on its own
// after the configured TTL; the expiry is announced as isTyping=false.
func (s *Service) Typing(connID string, msg protocol.TypingMsg) error {
	snap, err := s.members(connID, msg.RoomID)
	if err != nil {
		return err
	}
	targets := others(snap, connID)
	if !msg.Active() {
		s.stopTyping(snap.ID, connID, targets)
		return nil
	}

	key := typingKey{roomID: snap.ID, connID: connID}
	s.mu.Lock()
	if st, ok := s.typing[key]; ok {
		st.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.typing[key] = typingState{timer: time.AfterFunc(s.ttl, func() { s.expire(key, gen) }), gen: gen}
	s.mu.Unlock()

	s.notify.Notify(targets, protocol.TypeTyping, protocol.ServerTypingMsg{RoomID: snap.ID, Sender: connID, IsTyping: true})
	return nil
}

func (s *Service) expire(key typingKey, gen uint64) {
	s.mu.Lock()
	if st, ok := s.typing[key]; !ok || st.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.typing, key)
	s.mu.Unlock()

	var targets []string
	for _, id := range s.rooms.MemberIDs(key.roomID) {
		if id != key.connID {
			targets = append(targets, id)
		}
	}
	s.notify.Notify(targets, protocol.TypeTyping, protocol.ServerTypingMsg{RoomID: key.roomID, Sender: key.connID, IsTyping: false})
}

// stopTyping clears an active indicator and announces it to targets.
func (s *Service) stopTyping(roomID, connID string, targets []string) {
	key := typingKey{roomID: roomID, connID: connID}
	s.mu.Lock()
	st, ok := s.typing[key]
	if ok {
		st.timer.Stop()
		delete(s.typing, key)
	}
	s.mu.Unlock()
	if ok {
		s.notify.Notify(targets, protocol.TypeTyping, protocol.ServerTypingMsg{RoomID: roomID, Sender: connID, IsTyping: false})
	}
}

// ClearTyping cancels every indicator of connID without announcing it. It is
// used on disconnect, where user-left already tells the room.
func (s *Service) ClearTyping(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, st := range s.typing {
		if key.connID == connID {
			st.timer.Stop()
			delete(s.typing, key)
		}
	}
}

// ForgetRoom drops the recent messages and typing state of a removed room.
func (s *Service) ForgetRoom(roomID string) {
	s.recent.Remove(roomID)
	s.mu.Lock()
	for key, st := range s.typing {
		if key.roomID == roomID {
			st.timer.Stop()
			delete(s.typing, key)
		}
	}
	s.mu.Unlock()
	log.Debug().Str("module", "chat").Str("room", roomID).Msg("room history dropped")
}

// Close stops every pending typing timer.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, st := range s.typing {
		st.timer.Stop()
		delete(s.typing, key)
	}
}

// TypingCount returns the number of active typing indicators.
func (s *Service) TypingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.typing)
}
