package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrUnknownKind is returned by Apply for an event kind it cannot store.
var ErrUnknownKind = errors.New("archive: unknown event kind")

// execer is the part of *sql.DB the store needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store applies archive events to PostgreSQL. Every event maps to one
// statement, so membership and message changes never read back and
// overwrite whole rows.
type Store struct {
	db execer
}

// NewStore creates a new archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const (
	insertRoom = `
		INSERT INTO rooms (id, name, topic, description, has_password, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	deleteRoom = `
		WITH gone AS (DELETE FROM room_members WHERE room_id = $1)
		UPDATE rooms SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`

	insertMember = `
		INSERT INTO room_members (room_id, conn_id, display_name, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, conn_id) DO UPDATE SET display_name = EXCLUDED.display_name`

	deleteMember = `
		DELETE FROM room_members WHERE room_id = $1 AND conn_id = $2`

	insertMessage = `
		INSERT INTO messages (room_id, id, sender_id, sender_name, content, message_type, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id, id) DO NOTHING`

	editMessage = `
		UPDATE messages SET content = $4, edited_at = $5
		WHERE room_id = $1 AND id = $2 AND sender_id = $3 AND deleted_at IS NULL`

	deleteMessage = `
		UPDATE messages SET content = '', deleted_at = $4
		WHERE room_id = $1 AND id = $2 AND sender_id = $3 AND deleted_at IS NULL`

	insertReaction = `
		INSERT INTO message_reactions (room_id, message_id, conn_id, emoji, reacted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`

	upsertReceipt = `
		INSERT INTO message_receipts (room_id, message_id, conn_id, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, message_id, conn_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE message_receipts.status <> 'seen'`
)

// Apply writes one event.
func (s *Store) Apply(ctx context.Context, e Event) error {
	var (
		query string
		args  []interface{}
	)

	switch e.Kind {
	case RoomCreated:
		query, args = insertRoom, []interface{}{e.RoomID, e.Name, e.Topic, e.Description, e.HasPassword, e.OwnerID, e.At}
	case RoomDeleted:
		query, args = deleteRoom, []interface{}{e.RoomID, e.At}
	case MemberAdded:
		query, args = insertMember, []interface{}{e.RoomID, e.ConnID, e.DisplayName, e.At}
	case MemberRemoved:
		query, args = deleteMember, []interface{}{e.RoomID, e.ConnID}
	case MessageSent:
		query, args = insertMessage, []interface{}{e.RoomID, e.MessageID, e.ConnID, e.DisplayName, e.Content, e.MessageType, e.At}
	case MessageEdited:
		query, args = editMessage, []interface{}{e.RoomID, e.MessageID, e.ConnID, e.Content, e.At}
	case MessageDeleted:
		query, args = deleteMessage, []interface{}{e.RoomID, e.MessageID, e.ConnID, e.At}
	case MessageReacted:
		query, args = insertReaction, []interface{}{e.RoomID, e.MessageID, e.ConnID, e.Emoji, e.At}
	case MessageStatus:
		query, args = upsertReceipt, []interface{}{e.RoomID, e.MessageID, e.ConnID, e.Status, e.At}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("archive: %s room=%s: %w", e.Kind, e.RoomID, err)
	}
	return nil
}

// Permanent reports whether retrying err cannot succeed: malformed events
// and constraint violations such as a message for an unknown room.
func Permanent(err error) bool {
	if errors.Is(err, ErrUnknownKind) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23": // data exception, integrity constraint violation
			return true
		}
	}
	return false
}
