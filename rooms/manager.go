// Package rooms implements the room and participant registry for the voice
// engine.
//
// A Manager is the single authoritative writer for membership state. All
// reads return deep-copied snapshots; callers never hold references into
// the manager's internal structures. Every operation is atomic: it either
// takes full effect or returns an error with no state change.
package rooms

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Participant is a snapshot of one user's state within a room.
type Participant struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	IsMuted    bool      `json:"is_muted"`
	IsDeafened bool      `json:"is_deafened"`
	Volume     float64   `json:"volume"`
}

// Room is a snapshot of one room. Participants are ordered by join time.
type Room struct {
	ID           uuid.UUID     `json:"id"`
	Name         string        `json:"name"`
	CreatorID    uuid.UUID     `json:"creator_id"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Peer pairs a room member with their reachable UDP endpoint.
type Peer struct {
	UserID uuid.UUID
	Addr   *net.UDPAddr
}

// user is the manager's mutable per-user record.
type user struct {
	id       uuid.UUID
	name     string
	muted    bool
	deafened bool
	volume   float64
	addr     *net.UDPAddr
}

// room is the manager's mutable per-room record. members preserves join
// order; the first member is the oldest.
type room struct {
	id        uuid.UUID
	name      string
	creatorID uuid.UUID
	members   []uuid.UUID
	createdAt time.Time
}

// Manager owns all room and user state.
//
// Rooms with zero participants are retained (their identity and name
// survive) but hidden from ListRooms until someone joins again.
type Manager struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*user
	rooms      map[uuid.UUID]*room
	roomOrder  []uuid.UUID
	membership map[uuid.UUID]uuid.UUID // userID -> roomID
	addrIndex  map[string]uuid.UUID    // endpoint string -> userID
}

// NewManager creates an empty room manager.
func NewManager() *Manager {
	return &Manager{
		users:      make(map[uuid.UUID]*user),
		rooms:      make(map[uuid.UUID]*room),
		membership: make(map[uuid.UUID]uuid.UUID),
		addrIndex:  make(map[string]uuid.UUID),
	}
}

// AddUser registers a new user and returns their ID. Users start unmuted,
// undeafened, at full volume, in no room.
func (m *Manager) AddUser(name string) (uuid.UUID, error) {
	if strings.TrimSpace(name) == "" {
		return uuid.Nil, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	m.users[id] = &user{
		id:     id,
		name:   name,
		volume: 1.0,
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.AddUser",
		"user_id":  id,
		"name":     name,
	}).Info("User registered")
	return id, nil
}

// AddUserWithID registers a user under an identity minted elsewhere, as
// delivered by the signaling collaborator for remote participants.
// Registering an already-known ID updates the name only.
func (m *Manager) AddUserWithID(id uuid.UUID, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if id == uuid.Nil {
		return ErrUserNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.users[id]; ok {
		existing.name = name
		return nil
	}
	m.users[id] = &user{
		id:     id,
		name:   name,
		volume: 1.0,
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.AddUserWithID",
		"user_id":  id,
		"name":     name,
	}).Info("Remote user registered")
	return nil
}

// ImportRoom registers a room learned from signaling under its existing
// identity, with no members. Importing a known room is a no-op.
func (m *Manager) ImportRoom(id uuid.UUID, name string, creatorID uuid.UUID) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	if id == uuid.Nil {
		return ErrRoomNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[id]; ok {
		return nil
	}
	m.rooms[id] = &room{
		id:        id,
		name:      name,
		creatorID: creatorID,
		createdAt: time.Now(),
	}
	m.roomOrder = append(m.roomOrder, id)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.ImportRoom",
		"room_id":  id,
		"name":     name,
	}).Info("Room imported")
	return nil
}

// CreateRoom creates a room with the given name and makes creatorID its
// sole participant, leaving any room they were in first.
func (m *Manager) CreateRoom(name string, creatorID uuid.UUID) (Room, error) {
	if strings.TrimSpace(name) == "" {
		return Room{}, ErrInvalidName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[creatorID]; !ok {
		return Room{}, ErrUserNotFound
	}

	m.leaveCurrentLocked(creatorID)

	r := &room{
		id:        uuid.New(),
		name:      name,
		creatorID: creatorID,
		members:   []uuid.UUID{creatorID},
		createdAt: time.Now(),
	}
	m.rooms[r.id] = r
	m.roomOrder = append(m.roomOrder, r.id)
	m.membership[creatorID] = r.id

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.CreateRoom",
		"room_id":    r.id,
		"name":       name,
		"creator_id": creatorID,
	}).Info("Room created")
	return m.snapshotLocked(r), nil
}

// JoinRoom adds userID to the room, leaving any prior room first. Joining
// a room the user is already in is a no-op.
func (m *Manager) JoinRoom(roomID, userID uuid.UUID) (Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	if _, ok := m.users[userID]; !ok {
		return Room{}, ErrUserNotFound
	}

	if m.membership[userID] == roomID {
		return m.snapshotLocked(r), nil
	}

	m.leaveCurrentLocked(userID)
	r.members = append(r.members, userID)
	m.membership[userID] = roomID

	logrus.WithFields(logrus.Fields{
		"function": "Manager.JoinRoom",
		"room_id":  roomID,
		"user_id":  userID,
		"members":  len(r.members),
	}).Info("User joined room")
	return m.snapshotLocked(r), nil
}

// LeaveRoom removes userID from the room. Leaving a room the user is not
// in is a no-op. When the creator leaves a non-empty room, creatorship
// passes to the oldest remaining member.
func (m *Manager) LeaveRoom(roomID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if m.membership[userID] != roomID {
		return nil
	}

	m.removeMemberLocked(r, userID)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.LeaveRoom",
		"room_id":  roomID,
		"user_id":  userID,
		"members":  len(r.members),
	}).Info("User left room")
	return nil
}

// leaveCurrentLocked removes the user from whatever room they occupy.
func (m *Manager) leaveCurrentLocked(userID uuid.UUID) {
	roomID, ok := m.membership[userID]
	if !ok {
		return
	}
	if r, ok := m.rooms[roomID]; ok {
		m.removeMemberLocked(r, userID)
	}
}

func (m *Manager) removeMemberLocked(r *room, userID uuid.UUID) {
	for i, id := range r.members {
		if id == userID {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	delete(m.membership, userID)

	if r.creatorID == userID && len(r.members) > 0 {
		r.creatorID = r.members[0]
		logrus.WithFields(logrus.Fields{
			"function":       "Manager.removeMemberLocked",
			"room_id":        r.id,
			"new_creator_id": r.creatorID,
		}).Debug("Creatorship transferred")
	}
}

// ListRooms returns snapshots of all rooms with at least one participant,
// in creation order.
func (m *Manager) ListRooms() []Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Room
	for _, id := range m.roomOrder {
		r := m.rooms[id]
		if len(r.members) == 0 {
			continue
		}
		out = append(out, m.snapshotLocked(r))
	}
	return out
}

// Room returns a snapshot of one room, found or not.
func (m *Manager) Room(roomID uuid.UUID) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return m.snapshotLocked(r), nil
}

// UserRoom reports which room the user currently occupies.
func (m *Manager) UserRoom(userID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roomID, ok := m.membership[userID]
	return roomID, ok
}

// User returns a snapshot of one registered user.
func (m *Manager) User(userID uuid.UUID) (Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return Participant{}, ErrUserNotFound
	}
	return participantSnapshot(u), nil
}

// SetPeerAddress records the reachable UDP endpoint for a user, replacing
// any previous endpoint.
func (m *Manager) SetPeerAddress(userID uuid.UUID, addr *net.UDPAddr) error {
	if addr == nil {
		return ErrUserNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}

	if u.addr != nil {
		delete(m.addrIndex, u.addr.String())
	}
	u.addr = cloneAddr(addr)
	m.addrIndex[u.addr.String()] = userID

	logrus.WithFields(logrus.Fields{
		"function": "Manager.SetPeerAddress",
		"user_id":  userID,
		"addr":     addr.String(),
	}).Debug("Peer address set")
	return nil
}

// UserByAddress resolves a UDP endpoint back to a user ID.
func (m *Manager) UserByAddress(addr net.Addr) (uuid.UUID, bool) {
	if addr == nil {
		return uuid.Nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.addrIndex[addr.String()]
	return id, ok
}

// RoomPeers returns the members of a room other than selfID that have a
// known UDP endpoint.
func (m *Manager) RoomPeers(roomID, selfID uuid.UUID) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	var peers []Peer
	for _, id := range r.members {
		if id == selfID {
			continue
		}
		u := m.users[id]
		if u == nil || u.addr == nil {
			continue
		}
		peers = append(peers, Peer{UserID: id, Addr: cloneAddr(u.addr)})
	}
	return peers, nil
}

// SetMuted updates the user's mute flag.
func (m *Manager) SetMuted(userID uuid.UUID, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.muted = muted
	return nil
}

// SetDeafened updates the user's deafen flag.
func (m *Manager) SetDeafened(userID uuid.UUID, deafened bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.deafened = deafened
	return nil
}

// SetVolume updates the user's playback volume in [0.0, 1.0].
func (m *Manager) SetVolume(userID uuid.UUID, volume float64) error {
	if volume < 0 || volume > 1.0 {
		return ErrInvalidVolume
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.volume = volume
	return nil
}

// snapshotLocked builds a deep-copied Room view. Caller holds m.mu.
func (m *Manager) snapshotLocked(r *room) Room {
	snap := Room{
		ID:           r.id,
		Name:         r.name,
		CreatorID:    r.creatorID,
		Participants: make([]Participant, 0, len(r.members)),
		CreatedAt:    r.createdAt,
	}
	for _, id := range r.members {
		if u, ok := m.users[id]; ok {
			snap.Participants = append(snap.Participants, participantSnapshot(u))
		}
	}
	return snap
}

func participantSnapshot(u *user) Participant {
	return Participant{
		ID:         u.id,
		Name:       u.name,
		IsMuted:    u.muted,
		IsDeafened: u.deafened,
		Volume:     u.volume,
	}
}

func cloneAddr(addr *net.UDPAddr) *net.UDPAddr {
	clone := *addr
	clone.IP = append(net.IP(nil), addr.IP...)
	return &clone
}
