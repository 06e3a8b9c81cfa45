// Package room is the authoritative registry of pairwise and multi-party
// rooms. Membership changes on one room are serialized by that room's mutex;
// different rooms proceed in parallel. Every change is announced to the
// affected members through the gateway while the room lock is held, so
// members observe a room's events in the order they happened.
package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/whisper/rendezvous/internal/archive"
	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/protocol"
)

// Kind distinguishes matchmaking pairs from user-created rooms.
type Kind string

const (
	Pairwise   Kind = "pairwise"
	MultiParty Kind = "multi-party"
)

var (
	ErrRoomNotFound      = errors.New("room: not found")
	ErrIncorrectPassword = errors.New("room: incorrect password")
	ErrRoomFull          = errors.New("room: full")
	ErrNotMember         = errors.New("room: not a member")
	ErrNotOwner          = errors.New("room: not the owner")
	ErrConnectionClosed  = errors.New("room: connection closed")
)

// Metadata describes a multi-party room at creation. Password is plaintext
// input; only its bcrypt hash is kept.
type Metadata struct {
	Name        string
	Topic       string
	Description string
	Password    string
}

// Member is one occupant of a room. JoinSeq increases with every join, so a
// higher JoinSeq means a later joiner.
type Member struct {
	ID       string
	Name     string
	JoinSeq  uint64
	JoinedAt time.Time
}

// Room is a live room. Exported fields are immutable after creation.
type Room struct {
	ID          string
	Kind        Kind
	OwnerID     string
	Name        string
	Topic       string
	Description string
	CreatedAt   time.Time

	passwordHash []byte

	mu      sync.Mutex
	members []Member
	nextSeq uint64
	deleted bool
	gc      *time.Timer
}

// Snapshot is a point-in-time copy of a room's membership.
type Snapshot struct {
	ID      string
	Kind    Kind
	Members []Member
}

// Member returns the member with the given id.
func (s Snapshot) Member(id string) (Member, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// JoinResult is returned by Join.
type JoinResult struct {
	RoomID  string
	Kind    Kind
	Members []Member
	// OfferTo lists the pre-existing members the joiner must send an offer to.
	OfferTo []string
	// Rejoined is true when the caller was already a member.
	Rejoined bool
}

// LeaveResult is returned by Leave.
type LeaveResult struct {
	Kind Kind
	// PartnerID is the remaining member of a dissolved pairwise room.
	PartnerID string
	// Deleted reports whether the room no longer exists.
	Deleted bool
}

// Config tunes the registry.
type Config struct {
	// GracePeriod delays deletion of an empty multi-party room. Zero
	// deletes it as soon as the last member leaves.
	GracePeriod time.Duration
	BcryptCost  int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod: 10 * time.Minute,
		BcryptCost:  bcrypt.DefaultCost,
	}
}

// Registry owns every live room.
type Registry struct {
	cfg      Config
	notify   gateway.Notifier
	profiles *profile.Store
	sink     archive.Sink

	mu    sync.RWMutex
	rooms map[string]*Room

	onRemove func(roomID string)
}

// NewRegistry creates an empty Registry. sink may be nil.
func NewRegistry(cfg Config, notify gateway.Notifier, profiles *profile.Store, sink archive.Sink) *Registry {
	if sink == nil {
		sink = archive.Discard{}
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Registry{
		cfg:      cfg,
		notify:   notify,
		profiles: profiles,
		sink:     sink,
		rooms:    make(map[string]*Room),
	}
}

// OnRemove registers fn to run whenever a room is removed. fn runs with the
// room lock held and must not call back into the registry.
func (reg *Registry) OnRemove(fn func(roomID string)) {
	reg.onRemove = fn
}

func (reg *Registry) lookup(roomID string) *Room {
	reg.mu.RLock()
	r := reg.rooms[roomID]
	reg.mu.RUnlock()
	return r
}

func (reg *Registry) insert(r *Room) {
	reg.mu.Lock()
	reg.rooms[r.ID] = r
	reg.mu.Unlock()
	metrics.ActiveRooms.WithLabelValues(string(r.Kind)).Inc()
}

func (reg *Registry) remove(r *Room) {
	reg.mu.Lock()
	_, ok := reg.rooms[r.ID]
	if ok {
		delete(reg.rooms, r.ID)
	}
	reg.mu.Unlock()
	if ok {
		metrics.ActiveRooms.WithLabelValues(string(r.Kind)).Dec()
		if reg.onRemove != nil {
			reg.onRemove(r.ID)
		}
	}
}

// CreateRoom creates a multi-party room. When ownerID is set the owner joins
// it immediately under ownerName.
func (reg *Registry) CreateRoom(ownerID, ownerName string, md Metadata) (*Room, *JoinResult, error) {
	if ownerID != "" && !reg.profiles.Active(ownerID) {
		return nil, nil, ErrConnectionClosed
	}
	r := &Room{
		ID:          uuid.NewString(),
		Kind:        MultiParty,
		OwnerID:     ownerID,
		Name:        md.Name,
		Topic:       md.Topic,
		Description: md.Description,
		CreatedAt:   time.Now(),
	}
	if md.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(md.Password), reg.cfg.BcryptCost)
		if err != nil {
			return nil, nil, fmt.Errorf("room: hash password: %w", err)
		}
		r.passwordHash = hash
	}

	// Hold the room lock across insert and the owner's join, so a concurrent
	// LeaveAll for the owner finds the room and waits for the join.
	r.mu.Lock()
	defer r.mu.Unlock()
	reg.insert(r)
	reg.sink.Emit(archive.Event{
		Kind:        archive.RoomCreated,
		RoomID:      r.ID,
		At:          r.CreatedAt,
		Name:        r.Name,
		Topic:       r.Topic,
		Description: r.Description,
		HasPassword: r.passwordHash != nil,
		OwnerID:     ownerID,
	})
	log.Info().Str("module", "room").Str("room", r.ID).Str("owner", ownerID).Str("name", r.Name).Msg("room created")

	if ownerID == "" {
		reg.scheduleCollectLocked(r)
		return r, nil, nil
	}
	if !reg.profiles.AddRoom(ownerID, r.ID) {
		reg.deleteLocked(r)
		return nil, nil, ErrConnectionClosed
	}
	res := reg.addMemberLocked(r, ownerID, ownerName)
	return r, &res, nil
}

// CreatePairwise creates a matchmaking room holding first and second, in
// that join order. No events are sent; the matcher announces the pair.
func (reg *Registry) CreatePairwise(first, second string) string {
	now := time.Now()
	r := &Room{
		ID:        uuid.NewString(),
		Kind:      Pairwise,
		CreatedAt: now,
		nextSeq:   2,
		members: []Member{
			{ID: first, Name: reg.profiles.DisplayName(first), JoinSeq: 1, JoinedAt: now},
			{ID: second, Name: reg.profiles.DisplayName(second), JoinSeq: 2, JoinedAt: now},
		},
	}
	reg.insert(r)
	reg.profiles.AddRoom(first, r.ID)
	reg.profiles.AddRoom(second, r.ID)
	return r.ID
}

// Join adds connID to a room. Joining a room the caller already belongs to
// succeeds without announcing anything to the other members.
func (reg *Registry) Join(connID, roomID, password, name string) (JoinResult, error) {
	r := reg.lookup(roomID)
	if r == nil {
		return JoinResult{}, ErrRoomNotFound
	}

	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	if r.indexLocked(connID) >= 0 {
		res := reg.rejoinLocked(r, connID)
		r.mu.Unlock()
		return res, nil
	}
	hash := r.passwordHash
	r.mu.Unlock()

	// bcrypt is slow; compare outside the room lock.
	if hash != nil {
		if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
			return JoinResult{}, ErrIncorrectPassword
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.deleted:
		return JoinResult{}, ErrRoomNotFound
	case r.indexLocked(connID) >= 0:
		return reg.rejoinLocked(r, connID), nil
	case r.Kind == Pairwise:
		return JoinResult{}, ErrRoomFull
	case !reg.profiles.AddRoom(connID, r.ID):
		return JoinResult{}, ErrConnectionClosed
	}
	return reg.addMemberLocked(r, connID, name), nil
}

func (reg *Registry) rejoinLocked(r *Room, connID string) JoinResult {
	res := JoinResult{
		RoomID:   r.ID,
		Kind:     r.Kind,
		Members:  r.membersLocked(),
		OfferTo:  []string{},
		Rejoined: true,
	}
	reg.notify.Send(connID, protocol.TypeRoomJoined, roomJoined(res))
	return res
}

// addMemberLocked appends connID to r. The caller has already recorded the
// back-reference in the profile store.
func (reg *Registry) addMemberLocked(r *Room, connID, name string) JoinResult {
	if name == "" {
		name = reg.profiles.DisplayName(connID)
	}

	existing := make([]string, 0, len(r.members))
	for _, m := range r.members {
		existing = append(existing, m.ID)
	}

	r.nextSeq++
	m := Member{ID: connID, Name: name, JoinSeq: r.nextSeq, JoinedAt: time.Now()}
	r.members = append(r.members, m)
	if r.gc != nil {
		r.gc.Stop()
		r.gc = nil
	}

	res := JoinResult{
		RoomID:  r.ID,
		Kind:    r.Kind,
		Members: r.membersLocked(),
		OfferTo: existing,
	}

	reg.notify.Send(connID, protocol.TypeRoomJoined, roomJoined(res))
	reg.notify.Notify(existing, protocol.TypeUserJoined, protocol.UserJoinedMsg{
		RoomID: r.ID,
		User:   protocol.RoomUser{ID: m.ID, Name: m.Name},
	})
	reg.notify.Notify(r.memberIDsLocked(), protocol.TypeRoomUsers, protocol.RoomUsersMsg{
		RoomID: r.ID,
		Users:  users(res.Members),
	})

	if r.Kind == MultiParty {
		reg.sink.Emit(archive.Event{
			Kind:        archive.MemberAdded,
			RoomID:      r.ID,
			At:          m.JoinedAt,
			ConnID:      connID,
			DisplayName: name,
		})
	}
	log.Debug().Str("module", "room").Str("room", r.ID).Str("session", connID).Int("members", len(r.members)).Msg("member joined")
	return res
}

// Leave removes connID from a room. A pairwise room dissolves and its other
// member receives partner-left. A multi-party room announces user-left and
// the new member list, and is scheduled for deletion when it empties.
// Leaving a room one does not belong to returns ErrNotMember and announces
// nothing.
func (reg *Registry) Leave(connID, roomID string) (LeaveResult, error) {
	r := reg.lookup(roomID)
	if r == nil {
		return LeaveResult{}, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return LeaveResult{}, ErrRoomNotFound
	}
	idx := r.indexLocked(connID)
	if idx < 0 {
		return LeaveResult{Kind: r.Kind}, ErrNotMember
	}

	r.members = append(r.members[:idx], r.members[idx+1:]...)
	reg.profiles.RemoveRoom(connID, r.ID)
	res := LeaveResult{Kind: r.Kind}

	if r.Kind == Pairwise {
		for _, m := range r.members {
			res.PartnerID = m.ID
			reg.profiles.RemoveRoom(m.ID, r.ID)
			reg.notify.Send(m.ID, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{RoomID: r.ID})
		}
		r.members = nil
		r.deleted = true
		reg.remove(r)
		res.Deleted = true
		log.Debug().Str("module", "room").Str("room", r.ID).Str("session", connID).Msg("pair dissolved")
		return res, nil
	}

	remaining := r.memberIDsLocked()
	reg.notify.Notify(remaining, protocol.TypeUserLeft, protocol.UserLeftMsg{RoomID: r.ID, UserID: connID})
	reg.notify.Notify(remaining, protocol.TypeRoomUsers, protocol.RoomUsersMsg{
		RoomID: r.ID,
		Users:  users(r.members),
	})
	reg.sink.Emit(archive.Event{
		Kind:   archive.MemberRemoved,
		RoomID: r.ID,
		At:     time.Now(),
		ConnID: connID,
	})

	if len(r.members) == 0 {
		res.Deleted = reg.scheduleCollectLocked(r)
	}
	log.Debug().Str("module", "room").Str("room", r.ID).Str("session", connID).Int("members", len(r.members)).Msg("member left")
	return res, nil
}

// LeaveAll removes connID from every room it belongs to and returns the ids
// of the rooms it left.
func (reg *Registry) LeaveAll(connID string) []string {
	var left []string
	for _, roomID := range reg.profiles.Rooms(connID) {
		if _, err := reg.Leave(connID, roomID); err != nil {
			log.Debug().Str("module", "room").Str("room", roomID).Str("session", connID).Err(err).Msg("leave all")
			reg.profiles.RemoveRoom(connID, roomID)
			continue
		}
		left = append(left, roomID)
	}
	return left
}

// scheduleCollectLocked deletes an empty room now or arms its grace timer.
// It reports whether the room was deleted immediately.
func (reg *Registry) scheduleCollectLocked(r *Room) bool {
	if reg.cfg.GracePeriod <= 0 {
		reg.deleteLocked(r)
		return true
	}
	if r.gc != nil {
		r.gc.Stop()
	}
	r.gc = time.AfterFunc(reg.cfg.GracePeriod, func() { reg.collect(r) })
	return false
}

func (reg *Registry) collect(r *Room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted || len(r.members) > 0 {
		return
	}
	log.Info().Str("module", "room").Str("room", r.ID).Msg("empty room expired")
	reg.deleteLocked(r)
}

// Delete removes a room and evicts its members, sending each room-deleted.
// It returns the evicted member ids.
func (reg *Registry) Delete(roomID string) ([]string, error) {
	r := reg.lookup(roomID)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return nil, ErrRoomNotFound
	}
	return reg.deleteLocked(r), nil
}

// DeleteOwned deletes a multi-party room on behalf of its owner.
func (reg *Registry) DeleteOwned(connID, roomID string) ([]string, error) {
	r := reg.lookup(roomID)
	if r == nil {
		return nil, ErrRoomNotFound
	}
	if r.Kind != MultiParty || r.OwnerID == "" || r.OwnerID != connID {
		return nil, ErrNotOwner
	}
	return reg.Delete(roomID)
}

func (reg *Registry) deleteLocked(r *Room) []string {
	evicted := r.memberIDsLocked()
	for _, id := range evicted {
		reg.profiles.RemoveRoom(id, r.ID)
	}
	reg.notify.Notify(evicted, protocol.TypeRoomDeleted, protocol.RoomDeletedMsg{RoomID: r.ID})

	r.members = nil
	r.deleted = true
	if r.gc != nil {
		r.gc.Stop()
		r.gc = nil
	}
	reg.remove(r)

	if r.Kind == MultiParty {
		reg.sink.Emit(archive.Event{Kind: archive.RoomDeleted, RoomID: r.ID, At: time.Now()})
	}
	log.Info().Str("module", "room").Str("room", r.ID).Int("evicted", len(evicted)).Msg("room deleted")
	return evicted
}

// Kind returns the kind of a live room.
func (reg *Registry) Kind(roomID string) (Kind, bool) {
	r := reg.lookup(roomID)
	if r == nil {
		return "", false
	}
	return r.Kind, true
}

// MemberIDs returns the ids of the current members in join order, or nil
// when the room does not exist.
func (reg *Registry) MemberIDs(roomID string) []string {
	r := reg.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memberIDsLocked()
}

// IsMember reports whether connID currently belongs to roomID.
func (reg *Registry) IsMember(roomID, connID string) bool {
	r := reg.lookup(roomID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(connID) >= 0
}

// WithMember runs fn with the room lock held, provided connID is a member.
// Anything fn sends or emits is ordered with the room's joins, leaves and
// deletion. fn must not call back into the registry.
func (reg *Registry) WithMember(roomID, connID string, fn func(Snapshot) error) error {
	r := reg.lookup(roomID)
	if r == nil {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return ErrRoomNotFound
	}
	if r.indexLocked(connID) < 0 {
		return ErrNotMember
	}
	return fn(Snapshot{ID: r.ID, Kind: r.Kind, Members: r.membersLocked()})
}

// Snapshot copies the membership of a room.
func (reg *Registry) Snapshot(roomID string) (Snapshot, error) {
	r := reg.lookup(roomID)
	if r == nil {
		return Snapshot{}, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleted {
		return Snapshot{}, ErrRoomNotFound
	}
	return Snapshot{ID: r.ID, Kind: r.Kind, Members: r.membersLocked()}, nil
}

// Info describes a multi-party room for clients.
func (reg *Registry) Info(roomID string) (protocol.RoomInfo, error) {
	r := reg.lookup(roomID)
	if r == nil || r.Kind != MultiParty {
		return protocol.RoomInfo{}, ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(), nil
}

// List describes every live multi-party room, oldest first.
func (reg *Registry) List() []protocol.RoomInfo {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		if r.Kind == MultiParty {
			rooms = append(rooms, r)
		}
	}
	reg.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	out := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if !r.deleted {
			out = append(out, r.infoLocked())
		}
		r.mu.Unlock()
	}
	return out
}

// Len returns the number of live rooms.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Close stops pending deletion timers.
func (reg *Registry) Close() {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	for _, r := range rooms {
		r.mu.Lock()
		if r.gc != nil {
			r.gc.Stop()
			r.gc = nil
		}
		r.mu.Unlock()
	}
}

func (r *Room) indexLocked(connID string) int {
	for i, m := range r.members {
		if m.ID == connID {
			return i
		}
	}
	return -1
}

func (r *Room) membersLocked() []Member {
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

func (r *Room) memberIDsLocked() []string {
	out := make([]string, len(r.members))
	for i, m := range r.members {
		out[i] = m.ID
	}
	return out
}

func (r *Room) infoLocked() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:          r.ID,
		Name:        r.Name,
		Topic:       r.Topic,
		Description: r.Description,
		HasPassword: r.passwordHash != nil,
		Members:     len(r.members),
		OwnerID:     r.OwnerID,
		CreatedAt:   r.CreatedAt.UnixMilli(),
	}
}

func users(members []Member) []protocol.RoomUser {
	out := make([]protocol.RoomUser, len(members))
	for i, m := range members {
		out[i] = protocol.RoomUser{ID: m.ID, Name: m.Name}
	}
	return out
}

func roomJoined(res JoinResult) protocol.RoomJoinedMsg {
	return protocol.RoomJoinedMsg{
		RoomID:  res.RoomID,
		Kind:    string(res.Kind),
		Users:   users(res.Members),
		OfferTo: res.OfferTo,
	}
}
