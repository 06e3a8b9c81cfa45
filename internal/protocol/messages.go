// Package protocol defines the WebSocket events exchanged between clients and
// the rendezvous server. Every event is a flat JSON object carrying a "type"
// discriminator; client events form a closed set of kinds, each with its own
// struct and required-field validation applied before dispatch.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeStartLooking  = "start-looking"
	TypeStopLooking   = "stop-looking"
	TypeSkip          = "skip"
	TypeJoinRoom      = "join-room"
	TypeLeaveRoom     = "leave-room"
	TypeCreateRoom    = "create-room"
	TypeDeleteRoom    = "delete-room"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
	TypeSendMessage   = "send-message"
	TypeTyping        = "typing"
	TypeMessageStatus = "message-status"
	TypeEditMessage   = "edit-message"
	TypeDeleteMessage = "delete-message"
	TypeReactMessage  = "react-message"
	TypePing          = "ping"
)

// Server -> Client event types. Signaling, typing and message-status events
// reuse the client constants above.
const (
	TypeSessionCreated = "session-created"
	TypeSearching      = "searching"
	TypeMatched        = "matched"
	TypePartnerLeft    = "partner-left"
	TypeRoomCreated    = "room-created"
	TypeRoomJoined     = "room-joined"
	TypeRoomUsers      = "room-users"
	TypeUserJoined     = "user-joined"
	TypeUserLeft       = "user-left"
	TypeRoomLeft       = "room-left"
	TypeRoomDeleted    = "room-deleted"
	TypeReceiveMessage = "receive-message"
	TypeMessageAck     = "message-ack"
	TypeMessageEdited  = "message-edited"
	TypeMessageDeleted = "message-deleted"
	TypeMessageReact   = "message-react"
	TypeRateLimited    = "rate-limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidPayload  = "invalid_payload"
	CodeRoomNotFound    = "room_not_found"
	CodeIncorrectPass   = "incorrect_password"
	CodeRoomFull        = "room_full"
	CodeNotInRoom       = "not_in_room"
	CodeNotOwner        = "not_owner"
	CodeNotAuthor       = "not_author"
	CodeTargetNotInRoom = "target_not_in_room"
	CodeGlare           = "glare"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
	CodeMessageTooLong  = "message_too_long"
)

// Message status values accepted by message-status.
const (
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
)

// Errors returned by ParseClientMessage. Callers map them to wire error codes
// with errors.Is.
var (
	ErrMalformed   = errors.New("protocol: malformed event")
	ErrUnknownType = errors.New("protocol: unknown client event type")
	ErrInvalid     = errors.New("protocol: invalid event payload")
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// Validator is implemented by every client event. Validate reports missing
// or malformed required fields.
type Validator interface {
	Validate() error
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalid, field)
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// StartLookingMsg enters the matchmaking queue with the caller's public
// profile and optional partner filters.
type StartLookingMsg struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	Age           int    `json:"age,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Country       string `json:"country,omitempty"`
	FilterGender  string `json:"filterGender,omitempty"`
	FilterCountry string `json:"filterCountry,omitempty"`
}

func (m StartLookingMsg) Validate() error {
	if m.Name == "" {
		return missing("name")
	}
	if m.Age < 0 {
		return fmt.Errorf("%w: age must not be negative", ErrInvalid)
	}
	return nil
}

// StopLookingMsg leaves the matchmaking queue.
type StopLookingMsg struct {
	Type string `json:"type"`
}

func (StopLookingMsg) Validate() error { return nil }

// SkipMsg leaves the current pairwise room and re-enters the queue.
type SkipMsg struct {
	Type string `json:"type"`
}

func (SkipMsg) Validate() error { return nil }

// UserInfo is the optional display identity supplied on join-room.
type UserInfo struct {
	Name string `json:"name"`
}

// JoinRoomMsg joins a pairwise signaling room or a multi-party room.
type JoinRoomMsg struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"roomId"`
	User     *UserInfo `json:"user,omitempty"`
	Password string    `json:"password,omitempty"`
}

func (m JoinRoomMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

// LeaveRoomMsg leaves a room the caller belongs to.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func (m LeaveRoomMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

// CreateRoomMsg creates a multi-party room; the creator joins it.
type CreateRoomMsg struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Topic       string `json:"topic"`
	Description string `json:"description,omitempty"`
	Password    string `json:"password,omitempty"`
	// UserName is the creator's display name inside the room.
	UserName string `json:"userName,omitempty"`
}

func (m CreateRoomMsg) Validate() error {
	if m.Name == "" {
		return missing("name")
	}
	if m.Topic == "" {
		return missing("topic")
	}
	return nil
}

// DeleteRoomMsg deletes a multi-party room owned by the caller.
type DeleteRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

func (m DeleteRoomMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

// SignalMsg carries an offer, answer or ice-candidate. To is required in
// multi-party rooms and ignored in pairwise rooms. Payload is forwarded to the
// recipient as the exact bytes received.
type SignalMsg struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"roomId"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func (m SignalMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return missing("payload")
	}
	return nil
}

// SendMessageMsg sends a chat message to the other members of a room. ID is
// optional; the server assigns one when absent.
type SendMessageMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	ID          string `json:"id,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	SenderName  string `json:"senderName,omitempty"`
}

func (m SendMessageMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	if m.Content == "" {
		return missing("content")
	}
	return nil
}

// TypingMsg signals that the sender is typing. An absent IsTyping means true.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	IsTyping *bool  `json:"isTyping,omitempty"`
}

func (m TypingMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	return nil
}

// Active reports the effective typing state.
func (m TypingMsg) Active() bool {
	return m.IsTyping == nil || *m.IsTyping
}

// MessageStatusMsg reports delivery or read status for a message.
type MessageStatusMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

func (m MessageStatusMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	if m.MessageID == "" {
		return missing("messageId")
	}
	if m.Status != StatusDelivered && m.Status != StatusSeen {
		return fmt.Errorf("%w: status must be %q or %q", ErrInvalid, StatusDelivered, StatusSeen)
	}
	return nil
}

// EditMessageMsg replaces the content of a previously sent message.
type EditMessageMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func (m EditMessageMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	if m.MessageID == "" {
		return missing("messageId")
	}
	if m.Content == "" {
		return missing("content")
	}
	return nil
}

// DeleteMessageMsg removes a previously sent message.
type DeleteMessageMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

func (m DeleteMessageMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	if m.MessageID == "" {
		return missing("messageId")
	}
	return nil
}

// ReactMessageMsg attaches an emoji reaction to a message.
type ReactMessageMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

func (m ReactMessageMsg) Validate() error {
	if m.RoomID == "" {
		return missing("roomId")
	}
	if m.MessageID == "" {
		return missing("messageId")
	}
	if m.Emoji == "" {
		return missing("emoji")
	}
	return nil
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

func (PingMsg) Validate() error { return nil }

// ---------------------------------------------------------------------------
// Server -> Client event structs. NewServerMessage adds the "type" field.
// ---------------------------------------------------------------------------

// ICEServer is a STUN/TURN entry handed to clients.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SessionCreatedMsg is sent when a new connection is accepted.
type SessionCreatedMsg struct {
	SessionID  string      `json:"sessionId"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`
}

// SearchingMsg confirms the caller was queued without an immediate match.
type SearchingMsg struct {
	QueueLength int `json:"queueLength"`
}

// PartnerProfile is the public part of a matched counterpart's profile.
type PartnerProfile struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Age     int    `json:"age,omitempty"`
	Gender  string `json:"gender,omitempty"`
	Country string `json:"country,omitempty"`
}

// MatchedMsg tells each side of a new pair which room to use and whether it
// creates the offer.
type MatchedMsg struct {
	RoomID    string         `json:"roomId"`
	IsOfferer bool           `json:"isOfferer"`
	Partner   PartnerProfile `json:"partner"`
}

// PartnerLeftMsg is sent when the pairwise partner skipped, left or
// disconnected.
type PartnerLeftMsg struct {
	RoomID string `json:"roomId"`
}

// RoomUser is a room member as seen by clients.
type RoomUser struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// RoomInfo describes a multi-party room without its password hash.
type RoomInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Topic       string `json:"topic"`
	Description string `json:"description,omitempty"`
	HasPassword bool   `json:"hasPassword"`
	Members     int    `json:"members"`
	OwnerID     string `json:"ownerId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// RoomCreatedMsg is sent to the creator of a multi-party room.
type RoomCreatedMsg struct {
	Room RoomInfo `json:"room"`
}

// RoomJoinedMsg answers a successful join. OfferTo lists the members the
// joiner must send an offer to.
type RoomJoinedMsg struct {
	RoomID  string     `json:"roomId"`
	Kind    string     `json:"kind"`
	Users   []RoomUser `json:"users"`
	OfferTo []string   `json:"offerTo"`
}

// RoomUsersMsg carries the current member list of a room.
type RoomUsersMsg struct {
	RoomID string     `json:"roomId"`
	Users  []RoomUser `json:"users"`
}

// UserJoinedMsg announces a new member to the existing ones.
type UserJoinedMsg struct {
	RoomID string   `json:"roomId"`
	User   RoomUser `json:"user"`
}

// UserLeftMsg announces a departed member.
type UserLeftMsg struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RoomLeftMsg confirms leave-room to the caller.
type RoomLeftMsg struct {
	RoomID string `json:"roomId"`
}

// RoomDeletedMsg is sent to every member evicted by a room deletion.
type RoomDeletedMsg struct {
	RoomID string `json:"roomId"`
}

// RelayedSignalMsg is an offer, answer or ice-candidate forwarded to a peer.
// Sender is set for pairwise rooms, From for targeted mesh relay.
type RelayedSignalMsg struct {
	RoomID  string          `json:"roomId"`
	Sender  string          `json:"sender,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessage is a relayed chat message.
type ChatMessage struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	Sender      string `json:"sender"`
	SenderName  string `json:"senderName,omitempty"`
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
	Timestamp   int64  `json:"timestamp"`
}

// ReceiveMessageMsg delivers a chat message to the other room members.
type ReceiveMessageMsg struct {
	ChatMessage
}

// MessageAckMsg returns the server-assigned id and timestamp to the sender.
type MessageAckMsg struct {
	RoomID    string `json:"roomId"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// ServerMessageStatusMsg relays a delivery or read receipt.
type ServerMessageStatusMsg struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Sender    string `json:"sender"`
}

// MessageEditedMsg relays an edit.
type MessageEditedMsg struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	EditedAt  int64  `json:"editedAt"`
}

// MessageDeletedMsg relays a deletion.
type MessageDeletedMsg struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
}

// MessageReactMsg relays a reaction.
type MessageReactMsg struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Sender    string `json:"sender"`
}

// ServerTypingMsg relays a member's typing indicator.
type ServerTypingMsg struct {
	RoomID   string `json:"roomId"`
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg reports a validation failure to the originating connection only.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

func decode[T Validator](raw []byte) (interface{}, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed, validated client
// event. It returns the event type, the decoded struct and any error. Errors
// wrap ErrMalformed, ErrUnknownType or ErrInvalid.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartLooking:
		msg, err = decode[StartLookingMsg](env.Raw)
	case TypeStopLooking:
		msg, err = decode[StopLookingMsg](env.Raw)
	case TypeSkip:
		msg, err = decode[SkipMsg](env.Raw)
	case TypeJoinRoom:
		msg, err = decode[JoinRoomMsg](env.Raw)
	case TypeLeaveRoom:
		msg, err = decode[LeaveRoomMsg](env.Raw)
	case TypeCreateRoom:
		msg, err = decode[CreateRoomMsg](env.Raw)
	case TypeDeleteRoom:
		msg, err = decode[DeleteRoomMsg](env.Raw)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		msg, err = decode[SignalMsg](env.Raw)
	case TypeSendMessage:
		msg, err = decode[SendMessageMsg](env.Raw)
	case TypeTyping:
		msg, err = decode[TypingMsg](env.Raw)
	case TypeMessageStatus:
		msg, err = decode[MessageStatusMsg](env.Raw)
	case TypeEditMessage:
		msg, err = decode[EditMessageMsg](env.Raw)
	case TypeDeleteMessage:
		msg, err = decode[DeleteMessageMsg](env.Raw)
	case TypeReactMessage:
		msg, err = decode[ReactMessageMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: %q: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes a server event. The payload must marshal to a JSON
// object (or be nil); the "type" field is written first and the payload's own
// fields follow unchanged, so embedded raw payloads keep their exact bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw := []byte("{}")
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
	}
	if len(raw) < 2 || raw[0] != '{' {
		return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	out := make([]byte, 0, len(raw)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(raw) > 2 {
		out = append(out, ',')
		out = append(out, raw[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// ErrorCode maps a ParseClientMessage error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownType):
		return CodeUnsupportedType
	case errors.Is(err, ErrInvalid):
		return CodeInvalidPayload
	default:
		return CodeParseError
	}
}
