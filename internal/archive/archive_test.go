package archive

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/background"
)

type execCall struct {
	query string
	args  []interface{}
}

type fakeDB struct {
	calls []execCall
	err   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	f.calls = append(f.calls, execCall{query: query, args: args})
	return nil, f.err
}

func TestStore_ApplyOneStatementPerEvent(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	tests := []struct {
		event Event
		table string
		nargs int
	}{
		{Event{Kind: RoomCreated, RoomID: "r", Name: "Trivia", Topic: "Games", At: at}, "INSERT INTO rooms", 7},
		{Event{Kind: RoomDeleted, RoomID: "r", At: at}, "UPDATE rooms", 2},
		{Event{Kind: MemberAdded, RoomID: "r", ConnID: "a", DisplayName: "A", At: at}, "INSERT INTO room_members", 4},
		{Event{Kind: MemberRemoved, RoomID: "r", ConnID: "a"}, "DELETE FROM room_members", 2},
		{Event{Kind: MessageSent, RoomID: "r", MessageID: "m", ConnID: "a", Content: "hi", At: at}, "INSERT INTO messages", 7},
		{Event{Kind: MessageEdited, RoomID: "r", MessageID: "m", ConnID: "a", Content: "hey", At: at}, "UPDATE messages SET content = $4", 5},
		{Event{Kind: MessageDeleted, RoomID: "r", MessageID: "m", ConnID: "a", At: at}, "UPDATE messages SET content = ''", 4},
		{Event{Kind: MessageReacted, RoomID: "r", MessageID: "m", ConnID: "b", Emoji: "👍", At: at}, "INSERT INTO message_reactions", 5},
		{Event{Kind: MessageStatus, RoomID: "r", MessageID: "m", ConnID: "b", Status: "seen", At: at}, "INSERT INTO message_receipts", 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Kind), func(t *testing.T) {
			db := &fakeDB{}
			s := &Store{db: db}
			require.NoError(t, s.Apply(context.Background(), tt.event))
			require.Len(t, db.calls, 1)
			assert.Contains(t, db.calls[0].query, tt.table)
			assert.Len(t, db.calls[0].args, tt.nargs)
			assert.Equal(t, "r", db.calls[0].args[0])
		})
	}
}

func TestStore_ApplyErrors(t *testing.T) {
	s := &Store{db: &fakeDB{}}
	err := s.Apply(context.Background(), Event{Kind: "bogus", RoomID: "r"})
	assert.ErrorIs(t, err, ErrUnknownKind)
	assert.True(t, Permanent(err))

	fk := &pq.Error{Code: "23503"}
	s = &Store{db: &fakeDB{err: fk}}
	err = s.Apply(context.Background(), Event{Kind: MemberAdded, RoomID: "r", ConnID: "a"})
	require.Error(t, err)
	assert.True(t, Permanent(err))

	assert.False(t, Permanent(&pq.Error{Code: "40001"}))
	assert.False(t, Permanent(errors.New("connection refused")))
}

func TestEncodeDecode(t *testing.T) {
	e := Event{Kind: MessageSent, RoomID: "r", At: time.Unix(10, 0).UTC(), MessageID: "m", Content: "hi"}
	data, err := Encode(e)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"kind":"message_sent"`))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = Decode([]byte(`{"kind":"message_sent"}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`nope`))
	assert.Error(t, err)
}

type fakeBus struct {
	mu       sync.Mutex
	subjects []string
	events   []Event
}

func (b *fakeBus) PublishArchive(kind string, data []byte) error {
	e, err := Decode(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.subjects = append(b.subjects, kind)
	b.events = append(b.events, e)
	b.mu.Unlock()
	return nil
}

func TestPublisher_KeepsRoomOrder(t *testing.T) {
	pool := background.NewPool(background.PoolConfig{NumWorkers: 4, QueueSize: 64})
	bus := &fakeBus{}
	pub := NewPublisher(pool, bus)
	require.NoError(t, pool.Start(context.Background()))

	pub.Emit(Event{Kind: RoomCreated, RoomID: "r1"})
	pub.Emit(Event{Kind: MemberAdded, RoomID: "r1", ConnID: "a"})
	pub.Emit(Event{Kind: MessageSent, RoomID: "r1", MessageID: "m"})
	pub.Emit(Event{Kind: RoomDeleted, RoomID: "r1"})
	require.NoError(t, pool.Stop(context.Background()))

	assert.Equal(t, []string{"room_created", "member_added", "message_sent", "room_deleted"}, bus.subjects)
}

type flakyStore struct {
	failures int
	err      error
	calls    int
}

func (s *flakyStore) Apply(context.Context, Event) error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return nil
}

func TestConsumer_RetriesTransientFailures(t *testing.T) {
	data, err := Encode(Event{Kind: MessageSent, RoomID: "r", MessageID: "m"})
	require.NoError(t, err)

	store := &flakyStore{failures: 2, err: errors.New("timeout")}
	c := NewConsumer(store)
	c.backoff = time.Millisecond
	assert.True(t, c.Handle(context.Background(), data))
	assert.Equal(t, 3, store.calls)

	store = &flakyStore{failures: 10, err: errors.New("timeout")}
	c = NewConsumer(store)
	c.backoff = time.Millisecond
	assert.False(t, c.Handle(context.Background(), data))
	assert.Equal(t, 3, store.calls)

	store = &flakyStore{failures: 10, err: &pq.Error{Code: "23503"}}
	c = NewConsumer(store)
	assert.False(t, c.Handle(context.Background(), data))
	assert.Equal(t, 1, store.calls)

	assert.False(t, c.Handle(context.Background(), []byte("garbage")))
}
