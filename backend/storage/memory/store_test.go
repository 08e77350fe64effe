package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*MemStore, *testClock) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	return NewMemStore(Config{Now: clock.Now}), clock
}

func TestMemStore_CreateRoom(t *testing.T) {
	tests := []struct {
		name     string
		roomName string
		secret   bool
		wantName func(id string) string
	}{
		{
			name:     "named public room",
			roomName: "Test",
			wantName: func(string) string { return "Test" },
		},
		{
			name:     "unnamed room gets default name",
			roomName: "",
			wantName: func(id string) string { return "Room " + id },
		},
		{
			name:     "secret room",
			roomName: "Hidden",
			secret:   true,
			wantName: func(string) string { return "Hidden" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, clock := newTestStore()

			room, err := ms.CreateRoom(tt.roomName, tt.secret, "127.0.0.1")
			require.NoError(t, err)

			assert.Len(t, room.ID, RoomIDLength)
			assert.True(t, IsValidRoomID(room.ID))
			assert.Equal(t, tt.wantName(room.ID), room.Name)
			assert.Equal(t, tt.secret, room.Secret)
			assert.Equal(t, "127.0.0.1", room.Creator)
			assert.Empty(t, room.Members)
			assert.Equal(t, clock.now, room.CreatedAt)
			assert.True(t, ms.Exists(room.ID))
		})
	}
}

func TestMemStore_CreateRoomRetriesOnCollision(t *testing.T) {
	ids := []string{"abc12345", "abc12345", "xyz98765"}
	ms := NewMemStore(Config{GenerateID: func() (string, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}})

	first, err := ms.CreateRoom("", false, "")
	require.NoError(t, err)
	second, err := ms.CreateRoom("", false, "")
	require.NoError(t, err)

	assert.Equal(t, "abc12345", first.ID)
	assert.Equal(t, "xyz98765", second.ID)
}

func TestMemStore_CreateRoomExhausted(t *testing.T) {
	ms := NewMemStore(Config{GenerateID: func() (string, error) { return "abc12345", nil }})

	_, err := ms.CreateRoom("", false, "")
	require.NoError(t, err)

	_, err = ms.CreateRoom("", false, "")
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)

	ms = NewMemStore(Config{GenerateID: func() (string, error) { return "", errors.New("entropy") }})
	_, err = ms.CreateRoom("", false, "")
	assert.ErrorIs(t, err, ErrGenerateID)
}

func TestMemStore_EnsureRoom(t *testing.T) {
	ms, _ := newTestStore()

	room := ms.EnsureRoom("deep1234")
	assert.Equal(t, "Room deep1234", room.Name)
	assert.False(t, room.Secret)

	created, err := ms.CreateRoom("Named", true, "")
	require.NoError(t, err)
	again := ms.EnsureRoom(created.ID)
	assert.Equal(t, "Named", again.Name)
	assert.True(t, again.Secret)
}

func TestMemStore_Join(t *testing.T) {
	ms, clock := newTestStore()

	res := ms.Join("abc12345", "userA")
	assert.True(t, res.Created)
	assert.Empty(t, res.Others)
	assert.Empty(t, res.Evicted)

	clock.Advance(time.Second)
	res = ms.Join("abc12345", "userB")
	assert.False(t, res.Created)
	assert.Equal(t, []string{"userA"}, res.Others)
	assert.Equal(t, []string{"userA", "userB"}, res.Room.Members)
	assert.Equal(t, clock.now, res.Room.LastActivity)
}

func TestMemStore_JoinEvictsFromPreviousRoom(t *testing.T) {
	ms, clock := newTestStore()

	ms.Join("room0001", "userA")
	ms.Join("room0001", "userB")
	ms.Join("room0002", "userC")

	clock.Advance(time.Second)
	res := ms.Join("room0002", "userA")
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, "room0001", res.Evicted[0].RoomID)
	assert.False(t, res.Evicted[0].Empty)
	assert.False(t, ms.IsMember("room0001", "userA"))
	assert.True(t, ms.IsMember("room0002", "userA"))

	res = ms.Join("room0003", "userB")
	require.Len(t, res.Evicted, 1)
	assert.True(t, res.Evicted[0].Empty)
	assert.True(t, ms.Exists("room0001"), "evicted room is not deleted on the spot")
}

func TestMemStore_UserInOneRoomAtATime(t *testing.T) {
	ms, _ := newTestStore()
	rooms := []string{"room0001", "room0002", "room0003"}
	users := []string{"u1", "u2", "u3", "u4"}

	for i := 0; i < 40; i++ {
		ms.Join(rooms[i%len(rooms)], users[(i*7)%len(users)])

		seen := make(map[string]string)
		for _, room := range rooms {
			info, ok := ms.Get(room)
			if !ok {
				continue
			}
			for _, u := range info.Members {
				prev, dup := seen[u]
				require.False(t, dup, "user %s is in %s and %s", u, prev, room)
				seen[u] = room
			}
		}
	}
}

func TestMemStore_Rejoin(t *testing.T) {
	ms, _ := newTestStore()

	_, err := ms.Rejoin("missing1", "userA")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	ms.Join("abc12345", "userA")
	ms.Join("abc12345", "userB")

	for i := 0; i < 2; i++ {
		res, err := ms.Rejoin("abc12345", "userA")
		require.NoError(t, err)
		assert.Equal(t, []string{"userB"}, res.Others)
		assert.Len(t, res.Room.Members, 2)
	}
}

func TestMemStore_Leave(t *testing.T) {
	ms, _ := newTestStore()

	_, err := ms.Leave("missing1", "userA")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	ms.Join("abc12345", "userA")
	ms.Join("abc12345", "userB")

	res, err := ms.Leave("abc12345", "userA")
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.False(t, res.Empty)

	res, err = ms.Leave("abc12345", "userA")
	require.NoError(t, err)
	assert.False(t, res.Removed)

	res, err = ms.Leave("abc12345", "userB")
	require.NoError(t, err)
	assert.True(t, res.Empty)
	assert.True(t, ms.Exists("abc12345"))
}

func TestMemStore_DeleteIfEmpty(t *testing.T) {
	ms, _ := newTestStore()

	assert.False(t, ms.DeleteIfEmpty("missing1"))

	ms.Join("abc12345", "userA")
	assert.False(t, ms.DeleteIfEmpty("abc12345"))

	_, err := ms.Leave("abc12345", "userA")
	require.NoError(t, err)
	assert.True(t, ms.DeleteIfEmpty("abc12345"))
	assert.False(t, ms.Exists("abc12345"))
}

func TestMemStore_Delete(t *testing.T) {
	ms, clock := newTestStore()

	ms.Join("abc12345", "userA")
	clock.Advance(time.Millisecond)
	ms.Join("abc12345", "userB")

	members, ok := ms.Delete("abc12345")
	assert.True(t, ok)
	assert.Equal(t, []string{"userA", "userB"}, members)
	assert.False(t, ms.Exists("abc12345"))

	_, ok = ms.Delete("abc12345")
	assert.False(t, ok)
}

func TestMemStore_ListPublicAndStats(t *testing.T) {
	ms, _ := newTestStore()

	public, err := ms.CreateRoom("Public", false, "")
	require.NoError(t, err)
	secret, err := ms.CreateRoom("Secret", true, "")
	require.NoError(t, err)
	ms.Join(public.ID, "userA")
	ms.Join(secret.ID, "userB")

	rooms := ms.ListPublic()
	require.Len(t, rooms, 1)
	assert.Equal(t, public.ID, rooms[0].ID)
	assert.True(t, ms.Exists(secret.ID), "secret rooms stay addressable by id")

	stats := ms.Stats()
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 1, stats.PublicRooms)
	assert.Equal(t, 2, stats.ActiveUsers)
}

func TestMemStore_SweepInactive(t *testing.T) {
	ms, clock := newTestStore()

	ms.Join("busy0001", "userA")
	ms.EnsureRoom("idle0001")
	clock.Advance(30 * time.Minute)
	ms.EnsureRoom("young001")
	clock.Advance(31 * time.Minute)

	deleted := ms.SweepInactive(clock.now, time.Hour)
	assert.Equal(t, []string{"idle0001"}, deleted)
	assert.True(t, ms.Exists("busy0001"))
	assert.True(t, ms.Exists("young001"))
}
