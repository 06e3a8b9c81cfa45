// Package archive carries room and chat history to the durable store. The
// wsserver emits Events without waiting; a NATS publisher ships them to the
// archiver, which applies each one to Postgres as a single atomic statement.
package archive

import "time"

// Kind identifies what an Event records.
type Kind string

const (
	RoomCreated    Kind = "room_created"
	RoomDeleted    Kind = "room_deleted"
	MemberAdded    Kind = "member_added"
	MemberRemoved  Kind = "member_removed"
	MessageSent    Kind = "message_sent"
	MessageEdited  Kind = "message_edited"
	MessageDeleted Kind = "message_deleted"
	MessageReacted Kind = "message_reacted"
	MessageStatus  Kind = "message_status"
)

// Event is one change to a multi-party room or its history. Fields unused by
// a kind are left empty.
type Event struct {
	Kind   Kind      `json:"kind"`
	RoomID string    `json:"roomId"`
	At     time.Time `json:"at"`

	// Room metadata, set on RoomCreated.
	Name        string `json:"name,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Description string `json:"description,omitempty"`
	HasPassword bool   `json:"hasPassword,omitempty"`
	OwnerID     string `json:"ownerId,omitempty"`

	// ConnID is the member or message author.
	ConnID      string `json:"connId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	MessageID   string `json:"messageId,omitempty"`
	Content     string `json:"content,omitempty"`
	MessageType string `json:"messageType,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Sink accepts events without blocking the caller.
type Sink interface {
	Emit(Event)
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Emit drops e.
func (Discard) Emit(Event) {}
