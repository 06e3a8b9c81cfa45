// Package handler binds every client event kind to the component that
// serves it. The table is registered once on the dispatcher at startup.
package handler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/ratelimit"
	"github.com/whisper/rendezvous/internal/room"
	"github.com/whisper/rendezvous/internal/signaling"
	"github.com/whisper/rendezvous/internal/ws"
)

// Limiter throttles client actions. A nil Limiter allows everything.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps groups the collaborators of a Handler. Limiter may be nil.
type Deps struct {
	Matcher  *matching.Service
	Rooms    *room.Registry
	Relay    *signaling.Relay
	Chat     *chat.Service
	Presence *presence.Supervisor
	Notify   gateway.Notifier
	Limiter  Limiter
}

// Handler serves client events.
type Handler struct {
	matcher  *matching.Service
	rooms    *room.Registry
	relay    *signaling.Relay
	chat     *chat.Service
	presence *presence.Supervisor
	notify   gateway.Notifier
	limiter  Limiter
}

// New creates a Handler.
func New(d Deps) *Handler {
	return &Handler{
		matcher:  d.Matcher,
		rooms:    d.Rooms,
		relay:    d.Relay,
		chat:     d.Chat,
		presence: d.Presence,
		notify:   d.Notify,
		limiter:  d.Limiter,
	}
}

// Register installs a handler for every client event except ping, which the
// dispatcher answers itself.
func (h *Handler) Register(d *ws.MessageDispatcher) {
	for _, t := range []string{
		protocol.TypeStartLooking,
		protocol.TypeStopLooking,
		protocol.TypeSkip,
		protocol.TypeJoinRoom,
		protocol.TypeLeaveRoom,
		protocol.TypeCreateRoom,
		protocol.TypeDeleteRoom,
		protocol.TypeOffer,
		protocol.TypeAnswer,
		protocol.TypeICECandidate,
		protocol.TypeSendMessage,
		protocol.TypeTyping,
		protocol.TypeMessageStatus,
		protocol.TypeEditMessage,
		protocol.TypeDeleteMessage,
		protocol.TypeReactMessage,
	} {
		d.Register(t, func(conn *ws.Connection, msg interface{}) {
			h.Handle(conn.ID, msg)
		})
	}
}

// rateLimitedError is returned when a rule rejected the event.
type rateLimitedError struct {
	event      string
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("handler: %s rate limited, retry after %s", e.event, e.retryAfter)
}

// Handle serves one parsed client event from connID. Failures are reported
// to connID only.
func (h *Handler) Handle(connID string, msg interface{}) {
	var (
		event string
		err   error
	)

	switch m := msg.(type) {
	case protocol.StartLookingMsg:
		event, err = protocol.TypeStartLooking, h.startLooking(connID, m)
	case protocol.StopLookingMsg:
		event = protocol.TypeStopLooking
		h.matcher.StopLooking(connID)
	case protocol.SkipMsg:
		event, err = protocol.TypeSkip, h.skip(connID)
	case protocol.JoinRoomMsg:
		event, err = protocol.TypeJoinRoom, h.joinRoom(connID, m)
	case protocol.LeaveRoomMsg:
		event = protocol.TypeLeaveRoom
		h.presence.LeaveRoom(connID, m.RoomID)
	case protocol.CreateRoomMsg:
		event, err = protocol.TypeCreateRoom, h.createRoom(connID, m)
	case protocol.DeleteRoomMsg:
		event, err = protocol.TypeDeleteRoom, h.deleteRoom(connID, m)
	case protocol.SignalMsg:
		event, err = m.Type, h.relay.Forward(connID, m)
	case protocol.SendMessageMsg:
		event, err = protocol.TypeSendMessage, h.sendMessage(connID, m)
	case protocol.TypingMsg:
		event, err = protocol.TypeTyping, h.chat.Typing(connID, m)
	case protocol.MessageStatusMsg:
		event, err = protocol.TypeMessageStatus, h.chat.Status(connID, m)
	case protocol.EditMessageMsg:
		event, err = protocol.TypeEditMessage, h.chat.Edit(connID, m)
	case protocol.DeleteMessageMsg:
		event, err = protocol.TypeDeleteMessage, h.chat.Delete(connID, m)
	case protocol.ReactMessageMsg:
		event, err = protocol.TypeReactMessage, h.chat.React(connID, m)
	default:
		log.Warn().Str("module", "handler").Str("session", connID).Msgf("no handler for %T", msg)
		h.notify.Send(connID, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeUnsupportedType, Message: "unsupported message type"})
		return
	}

	if err != nil {
		h.fail(connID, event, err)
	}
}

func (h *Handler) fail(connID, event string, err error) {
	if errors.Is(err, matching.ErrDisconnected) || errors.Is(err, room.ErrConnectionClosed) {
		log.Debug().Str("module", "handler").Str("session", connID).Str("type", event).Msg("event after disconnect dropped")
		return
	}
	var limited *rateLimitedError
	if errors.As(err, &limited) {
		metrics.EventsTotal.WithLabelValues(event, "rate_limited").Inc()
		h.notify.Send(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			Event:      event,
			RetryAfter: int(math.Ceil(limited.retryAfter.Seconds())),
		})
		return
	}

	code := Code(err)
	metrics.EventsTotal.WithLabelValues(event, "rejected").Inc()
	if code == protocol.CodeInternal {
		log.Error().Str("module", "handler").Str("session", connID).Str("type", event).Err(err).Msg("event failed")
	} else {
		log.Debug().Str("module", "handler").Str("session", connID).Str("type", event).Err(err).Msg("event rejected")
	}
	h.notify.Send(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: err.Error()})
}

// Code maps a component error to its wire error code.
func Code(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		return protocol.CodeRoomNotFound
	case errors.Is(err, room.ErrIncorrectPassword):
		return protocol.CodeIncorrectPass
	case errors.Is(err, room.ErrRoomFull):
		return protocol.CodeRoomFull
	case errors.Is(err, room.ErrNotMember),
		errors.Is(err, chat.ErrNotInRoom),
		errors.Is(err, signaling.ErrNotInRoom):
		return protocol.CodeNotInRoom
	case errors.Is(err, room.ErrNotOwner):
		return protocol.CodeNotOwner
	case errors.Is(err, chat.ErrNotAuthor):
		return protocol.CodeNotAuthor
	case errors.Is(err, chat.ErrMessageTooLong):
		return protocol.CodeMessageTooLong
	case errors.Is(err, signaling.ErrTargetNotInRoom):
		return protocol.CodeTargetNotInRoom
	case errors.Is(err, signaling.ErrGlare):
		return protocol.CodeGlare
	case errors.Is(err, signaling.ErrTargetRequired),
		errors.Is(err, signaling.ErrInvalidPayload),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidText),
		errors.Is(err, chat.ErrUnknownMessage),
		errors.Is(err, chat.ErrMessageDeleted),
		errors.Is(err, matching.ErrNoProfile):
		return protocol.CodeInvalidPayload
	default:
		return protocol.CodeInternal
	}
}

func (h *Handler) allow(connID, event string, rule ratelimit.Rule) error {
	if h.limiter == nil {
		return nil
	}
	ctx := context.Background()
	if ok, _ := h.limiter.Allow(ctx, connID, rule); ok {
		return nil
	}
	return &rateLimitedError{event: event, retryAfter: h.limiter.RetryAfter(ctx, connID, rule)}
}

func (h *Handler) startLooking(connID string, m protocol.StartLookingMsg) error {
	if err := h.allow(connID, protocol.TypeStartLooking, ratelimit.RuleMatch); err != nil {
		return err
	}
	err := h.matcher.StartLooking(connID,
		profile.Profile{Name: m.Name, Age: m.Age, Gender: m.Gender, Country: m.Country},
		profile.Filter{Gender: m.FilterGender, Country: m.FilterCountry},
	)
	if errors.Is(err, matching.ErrAlreadyQueued) || errors.Is(err, matching.ErrAlreadyPaired) || errors.Is(err, matching.ErrInRoom) {
		log.Debug().Str("module", "handler").Str("session", connID).Err(err).Msg("start-looking ignored")
		return nil
	}
	return err
}

func (h *Handler) skip(connID string) error {
	if err := h.allow(connID, protocol.TypeSkip, ratelimit.RuleMatch); err != nil {
		return err
	}
	err := h.matcher.Skip(connID)
	if errors.Is(err, matching.ErrAlreadyQueued) || errors.Is(err, matching.ErrInRoom) {
		log.Debug().Str("module", "handler").Str("session", connID).Err(err).Msg("skip requeue ignored")
		return nil
	}
	return err
}

func (h *Handler) joinRoom(connID string, m protocol.JoinRoomMsg) error {
	var name string
	if m.User != nil {
		name = m.User.Name
	}
	if kind, ok := h.rooms.Kind(m.RoomID); ok && kind == room.MultiParty {
		h.leaveQueue(connID)
	}
	res, err := h.rooms.Join(connID, m.RoomID, m.Password, name)
	if err != nil {
		return err
	}
	if res.Kind == room.MultiParty {
		h.presence.Joined(connID, res.RoomID)
	}
	return nil
}

func (h *Handler) createRoom(connID string, m protocol.CreateRoomMsg) error {
	if err := h.allow(connID, protocol.TypeCreateRoom, ratelimit.RuleCreateRoom); err != nil {
		return err
	}
	h.leaveQueue(connID)
	r, _, err := h.rooms.CreateRoom(connID, m.UserName, room.Metadata{
		Name:        m.Name,
		Topic:       m.Topic,
		Description: m.Description,
		Password:    m.Password,
	})
	if err != nil {
		return err
	}
	info, err := h.rooms.Info(r.ID)
	if err != nil {
		return err
	}
	h.notify.Send(connID, protocol.TypeRoomCreated, protocol.RoomCreatedMsg{Room: info})
	h.presence.Joined(connID, r.ID)
	return nil
}

// leaveQueue takes connID out of matchmaking before it enters a multi-party
// room; a connection is never queued and in such a room at once.
func (h *Handler) leaveQueue(connID string) {
	if h.matcher.StopLooking(connID) {
		log.Debug().Str("module", "handler").Str("session", connID).Msg("left queue to enter room")
	}
}

func (h *Handler) deleteRoom(connID string, m protocol.DeleteRoomMsg) error {
	evicted, err := h.rooms.DeleteOwned(connID, m.RoomID)
	if err != nil {
		return err
	}
	for _, id := range evicted {
		h.presence.Left(id)
	}
	return nil
}

func (h *Handler) sendMessage(connID string, m protocol.SendMessageMsg) error {
	if err := h.allow(connID, protocol.TypeSendMessage, ratelimit.RuleMessage); err != nil {
		return err
	}
	_, err := h.chat.Send(connID, m)
	return err
}
