package rooms

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUserValidation(t *testing.T) {
	m := NewManager()

	if _, err := m.AddUser(""); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName for empty name, got %v", err)
	}
	if _, err := m.AddUser("   "); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName for whitespace name, got %v", err)
	}

	id, err := m.AddUser("alice")
	require.NoError(t, err)

	p, err := m.User(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Name)
	assert.False(t, p.IsMuted)
	assert.False(t, p.IsDeafened)
	assert.Equal(t, 1.0, p.Volume)
}

func TestCreateAndJoinRoom(t *testing.T) {
	m := NewManager()

	u1, err := m.AddUser("alice")
	require.NoError(t, err)
	u2, err := m.AddUser("bob")
	require.NoError(t, err)

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)
	assert.Equal(t, "standup", room.Name)
	assert.Equal(t, u1, room.CreatorID)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, u1, room.Participants[0].ID)

	room, err = m.JoinRoom(room.ID, u2)
	require.NoError(t, err)
	require.Len(t, room.Participants, 2)
	assert.Equal(t, u1, room.Participants[0].ID)
	assert.Equal(t, u2, room.Participants[1].ID)
}

func TestCreateRoomValidation(t *testing.T) {
	m := NewManager()
	u1, err := m.AddUser("alice")
	require.NoError(t, err)

	if _, err := m.CreateRoom("", u1); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if _, err := m.CreateRoom("  \t ", u1); err != ErrInvalidName {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if _, err := m.CreateRoom("ok", uuid.New()); err != ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if len(m.ListRooms()) != 0 {
		t.Error("failed creates must not leave rooms behind")
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	m := NewManager()
	u1, err := m.AddUser("alice")
	require.NoError(t, err)

	_, err = m.JoinRoom(uuid.New(), u1)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLeaveRoomSemantics(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	u2, _ := m.AddUser("bob")

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)
	_, err = m.JoinRoom(room.ID, u2)
	require.NoError(t, err)

	// Leaving twice is a no-op the second time.
	require.NoError(t, m.LeaveRoom(room.ID, u2))
	require.NoError(t, m.LeaveRoom(room.ID, u2))

	snap, err := m.Room(room.ID)
	require.NoError(t, err)
	require.Len(t, snap.Participants, 1)

	assert.ErrorIs(t, m.LeaveRoom(uuid.New(), u1), ErrRoomNotFound)
}

func TestEmptyRoomHiddenNotDeleted(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)
	require.NoError(t, m.LeaveRoom(room.ID, u1))

	// Hidden from listing.
	assert.Empty(t, m.ListRooms())

	// Still joinable by ID.
	snap, err := m.JoinRoom(room.ID, u1)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 1)
	assert.Len(t, m.ListRooms(), 1)
}

func TestCreateRoomImplicitlyLeavesPrevious(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")

	first, err := m.CreateRoom("first", u1)
	require.NoError(t, err)

	second, err := m.CreateRoom("second", u1)
	require.NoError(t, err)

	firstSnap, err := m.Room(first.ID)
	require.NoError(t, err)
	assert.Empty(t, firstSnap.Participants)

	listed := m.ListRooms()
	require.Len(t, listed, 1)
	assert.Equal(t, second.ID, listed[0].ID)
	require.Len(t, listed[0].Participants, 1)
	assert.Equal(t, u1, listed[0].Participants[0].ID)
}

func TestJoinImplicitlyLeavesPrevious(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	u2, _ := m.AddUser("bob")

	first, err := m.CreateRoom("first", u1)
	require.NoError(t, err)
	second, err := m.CreateRoom("second", u2)
	require.NoError(t, err)

	_, err = m.JoinRoom(second.ID, u1)
	require.NoError(t, err)

	if roomID, ok := m.UserRoom(u1); !ok || roomID != second.ID {
		t.Errorf("expected user in second room, got %v (present=%v)", roomID, ok)
	}
	firstSnap, err := m.Room(first.ID)
	require.NoError(t, err)
	assert.Empty(t, firstSnap.Participants)
}

func TestRejoinSameRoomIsNoOp(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)

	snap, err := m.JoinRoom(room.ID, u1)
	require.NoError(t, err)
	assert.Len(t, snap.Participants, 1)
}

func TestCreatorHandoffOnLeave(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	u2, _ := m.AddUser("bob")
	u3, _ := m.AddUser("carol")

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)
	_, err = m.JoinRoom(room.ID, u2)
	require.NoError(t, err)
	_, err = m.JoinRoom(room.ID, u3)
	require.NoError(t, err)

	require.NoError(t, m.LeaveRoom(room.ID, u1))

	snap, err := m.Room(room.ID)
	require.NoError(t, err)
	assert.Equal(t, u2, snap.CreatorID)
}

func TestListRoomsCreationOrderAndCopies(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	u2, _ := m.AddUser("bob")
	u3, _ := m.AddUser("carol")

	first, _ := m.CreateRoom("first", u1)
	second, _ := m.CreateRoom("second", u2)
	third, _ := m.CreateRoom("third", u3)

	listed := m.ListRooms()
	require.Len(t, listed, 3)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID},
		[]uuid.UUID{listed[0].ID, listed[1].ID, listed[2].ID})

	// Mutating a snapshot must not affect the manager.
	listed[0].Participants[0].Name = "mallory"
	again := m.ListRooms()
	assert.Equal(t, "alice", again[0].Participants[0].Name)
}

func TestParticipantSettings(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")

	require.NoError(t, m.SetMuted(u1, true))
	require.NoError(t, m.SetDeafened(u1, true))
	require.NoError(t, m.SetVolume(u1, 0.25))

	p, err := m.User(u1)
	require.NoError(t, err)
	assert.True(t, p.IsMuted)
	assert.True(t, p.IsDeafened)
	assert.Equal(t, 0.25, p.Volume)

	assert.ErrorIs(t, m.SetVolume(u1, 1.5), ErrInvalidVolume)
	assert.ErrorIs(t, m.SetVolume(u1, -0.1), ErrInvalidVolume)
	assert.ErrorIs(t, m.SetMuted(uuid.New(), true), ErrUserNotFound)
	assert.ErrorIs(t, m.SetDeafened(uuid.New(), true), ErrUserNotFound)
	assert.ErrorIs(t, m.SetVolume(uuid.New(), 0.5), ErrUserNotFound)
}

func TestPeerAddressMapping(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	u2, _ := m.AddUser("bob")

	addr1 := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 40000}
	addr2 := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 40001}
	require.NoError(t, m.SetPeerAddress(u1, addr1))
	require.NoError(t, m.SetPeerAddress(u2, addr2))

	id, ok := m.UserByAddress(addr2)
	require.True(t, ok)
	assert.Equal(t, u2, id)

	// Re-binding replaces the old endpoint.
	addr3 := &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 40002}
	require.NoError(t, m.SetPeerAddress(u1, addr3))
	if _, ok := m.UserByAddress(addr1); ok {
		t.Error("stale endpoint should no longer resolve")
	}
	id, ok = m.UserByAddress(addr3)
	require.True(t, ok)
	assert.Equal(t, u1, id)

	assert.ErrorIs(t, m.SetPeerAddress(uuid.New(), addr1), ErrUserNotFound)
}

func TestRoomPeers(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	u2, _ := m.AddUser("bob")
	u3, _ := m.AddUser("carol")

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)
	_, err = m.JoinRoom(room.ID, u2)
	require.NoError(t, err)
	_, err = m.JoinRoom(room.ID, u3)
	require.NoError(t, err)

	// Only bob has a known endpoint.
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 40001}
	require.NoError(t, m.SetPeerAddress(u2, addr))

	peers, err := m.RoomPeers(room.ID, u1)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, u2, peers[0].UserID)
	assert.Equal(t, addr.String(), peers[0].Addr.String())

	_, err = m.RoomPeers(uuid.New(), u1)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomJSONShape(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")

	room, err := m.CreateRoom("standup", u1)
	require.NoError(t, err)

	data, err := json.Marshal(room)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, key := range []string{"id", "name", "creator_id", "participants", "created_at"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing JSON key %q", key)
		}
	}

	participants := decoded["participants"].([]interface{})
	require.Len(t, participants, 1)
	p := participants[0].(map[string]interface{})
	for _, key := range []string{"id", "name", "is_muted", "is_deafened", "volume"} {
		if _, ok := p[key]; !ok {
			t.Errorf("missing participant JSON key %q", key)
		}
	}
}

func TestAddUserWithID(t *testing.T) {
	m := NewManager()
	remoteID := uuid.New()

	require.NoError(t, m.AddUserWithID(remoteID, "bob"))

	p, err := m.User(remoteID)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.Name)
	assert.Equal(t, 1.0, p.Volume)

	// Re-registering the same identity updates the name only.
	require.NoError(t, m.AddUserWithID(remoteID, "robert"))
	p, err = m.User(remoteID)
	require.NoError(t, err)
	assert.Equal(t, "robert", p.Name)

	assert.ErrorIs(t, m.AddUserWithID(remoteID, "  "), ErrInvalidName)
	assert.ErrorIs(t, m.AddUserWithID(uuid.Nil, "bob"), ErrUserNotFound)
}

func TestImportRoom(t *testing.T) {
	m := NewManager()
	u1, _ := m.AddUser("alice")
	creatorID := uuid.New()
	roomID := uuid.New()

	require.NoError(t, m.ImportRoom(roomID, "standup", creatorID))

	// The imported room starts memberless and is joinable by ID.
	room, err := m.JoinRoom(roomID, u1)
	require.NoError(t, err)
	assert.Equal(t, "standup", room.Name)
	assert.Equal(t, creatorID, room.CreatorID)
	require.Len(t, room.Participants, 1)

	// Importing a known room again leaves it untouched.
	require.NoError(t, m.ImportRoom(roomID, "renamed", creatorID))
	room, err = m.Room(roomID)
	require.NoError(t, err)
	assert.Equal(t, "standup", room.Name)
	require.Len(t, room.Participants, 1)

	assert.ErrorIs(t, m.ImportRoom(uuid.New(), "", creatorID), ErrInvalidName)
	assert.ErrorIs(t, m.ImportRoom(uuid.Nil, "x", creatorID), ErrRoomNotFound)
}
