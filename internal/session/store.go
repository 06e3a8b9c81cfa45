package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/background"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status constants for the presence state machine.
	StatusIdle      = "idle"
	StatusSearching = "searching"
	StatusPaired    = "paired"
	StatusInRoom    = "in_room"
)

// Session is the presence record of one connection.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`     // idle | searching | paired | in_room
	RoomID     string `redis:"room_id"`    // pairwise or last joined room
	PartnerID  string `redis:"partner_id"` // empty unless paired
	Server     string `redis:"server"`     // which WS server instance
	CreatedAt  int64  `redis:"created_at"` // unix timestamp
	LastActive int64  `redis:"last_active"`
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a new session store on an existing client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// Create stores a new session with idle status.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"status":      StatusIdle,
		"room_id":     "",
		"partner_id":  "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// SetStatus records a presence change and refreshes the TTL. Keys that have
// already been deleted are not recreated.
func (s *Store) SetStatus(ctx context.Context, sessionID, status, roomID, partnerID string) error {
	key := SessionPrefix + sessionID
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil || n == 0 {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key,
		"status", status,
		"room_id", roomID,
		"partner_id", partnerID,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key, SessionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// Mirror feeds presence changes into a Store through a background pool, so
// callers holding locks never wait on Redis. Jobs are keyed by session, which
// keeps the writes for one session in order.
type Mirror struct {
	store   *Store
	pool    *background.Pool
	timeout time.Duration
}

// NewMirror creates a Mirror.
func NewMirror(store *Store, pool *background.Pool) *Mirror {
	return &Mirror{store: store, pool: pool, timeout: 2 * time.Second}
}

func (m *Mirror) submit(name, sessionID string, fn func(ctx context.Context) error) {
	m.pool.Submit(background.Job{
		Name: "session." + name,
		Key:  sessionID,
		Run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			if err := fn(ctx); err != nil {
				log.Warn().Str("module", "session").Str("session", sessionID).Err(err).Msgf("mirror %s failed", name)
				return err
			}
			return nil
		},
	})
}

// Connected records a new connection.
func (m *Mirror) Connected(connID string) {
	m.submit("create", connID, func(ctx context.Context) error {
		return m.store.Create(ctx, connID)
	})
}

// Disconnected removes the connection's record.
func (m *Mirror) Disconnected(connID string) {
	m.submit("delete", connID, func(ctx context.Context) error {
		return m.store.Delete(ctx, connID)
	})
}

// Searching implements matching.Observer.
func (m *Mirror) Searching(connID string) {
	m.set(connID, StatusSearching, "", "")
}

// Paired implements matching.Observer.
func (m *Mirror) Paired(connID, roomID, partnerID string) {
	m.set(connID, StatusPaired, roomID, partnerID)
}

// Idle implements matching.Observer.
func (m *Mirror) Idle(connID string) {
	m.set(connID, StatusIdle, "", "")
}

// InRoom records membership of a multi-party room.
func (m *Mirror) InRoom(connID, roomID string) {
	m.set(connID, StatusInRoom, roomID, "")
}

func (m *Mirror) set(connID, status, roomID, partnerID string) {
	m.submit("status", connID, func(ctx context.Context) error {
		return m.store.SetStatus(ctx, connID, status, roomID, partnerID)
	})
}
