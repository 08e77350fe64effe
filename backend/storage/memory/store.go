package memory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/horneat/WebVideoChat/backend/model"
)

const (
	defaultMaxIDAttempts = 16
)

var (
	ErrRoomNotFound     = errors.New("room is not found")
	ErrIDSpaceExhausted = errors.New("unable to allocate unique room id")
	ErrGenerateID       = errors.New("unable to generate room id")
)

type (
	MemStore struct {
		mx    *sync.Mutex
		db    map[string]*model.Room
		now   func() time.Time
		genID func() (string, error)
	}

	Config struct {
		// Now and GenerateID default to time.Now and GenerateRoomID.
		Now        func() time.Time
		GenerateID func() (string, error)
	}
)

func NewMemStore(cfg Config) *MemStore {
	ms := &MemStore{
		mx:    &sync.Mutex{},
		db:    make(map[string]*model.Room),
		now:   cfg.Now,
		genID: cfg.GenerateID,
	}
	if ms.now == nil {
		ms.now = time.Now
	}
	if ms.genID == nil {
		ms.genID = GenerateRoomID
	}
	return ms
}

func defaultRoomName(roomID string) string {
	return "Room " + roomID
}

func (ms *MemStore) newRoom(roomID, name string, secret bool, creator string) *model.Room {
	now := ms.now()
	if name == "" {
		name = defaultRoomName(roomID)
	}
	room := &model.Room{
		ID:           roomID,
		Name:         name,
		Secret:       secret,
		Creator:      creator,
		Participants: make(map[string]model.Participant),
		CreatedAt:    now,
		LastActivity: now,
	}
	ms.db[roomID] = room
	return room
}

func (ms *MemStore) CreateRoom(name string, secret bool, creator string) (model.RoomInfo, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	for i := 0; i < defaultMaxIDAttempts; i++ {
		roomID, err := ms.genID()
		if err != nil {
			return model.RoomInfo{}, errors.Join(ErrGenerateID, err)
		}
		if _, ok := ms.db[roomID]; ok {
			continue
		}
		return ms.newRoom(roomID, name, secret, creator).Snapshot(), nil
	}
	return model.RoomInfo{}, fmt.Errorf("%w: %d attempts", ErrIDSpaceExhausted, defaultMaxIDAttempts)
}

// EnsureRoom returns the room, creating a minimal public one when the id is unknown.
func (ms *MemStore) EnsureRoom(roomID string) model.RoomInfo {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, _ := ms.ensure(roomID)
	return room.Snapshot()
}

func (ms *MemStore) ensure(roomID string) (*model.Room, bool) {
	if room, ok := ms.db[roomID]; ok {
		return room, false
	}
	return ms.newRoom(roomID, "", false, ""), true
}

// Join puts userID into roomID, creating the room if needed and removing
// the user from any other room it occupies.
func (ms *MemStore) Join(roomID, userID string) model.JoinResult {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, created := ms.ensure(roomID)
	res := ms.join(room, userID)
	res.Created = created
	return res
}

// Rejoin is Join for an already existing room.
func (ms *MemStore) Rejoin(roomID, userID string) (model.JoinResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return model.JoinResult{}, ErrRoomNotFound
	}
	return ms.join(room, userID), nil
}

func (ms *MemStore) join(room *model.Room, userID string) model.JoinResult {
	now := ms.now()

	var evicted []model.Eviction
	for id, other := range ms.db {
		if id == room.ID {
			continue
		}
		if _, ok := other.Participants[userID]; ok {
			delete(other.Participants, userID)
			other.Touch(now)
			evicted = append(evicted, model.Eviction{
				RoomID: id,
				Empty:  len(other.Participants) == 0,
			})
		}
	}

	if _, ok := room.Participants[userID]; !ok {
		room.Participants[userID] = model.Participant{
			ID:       userID,
			JoinedAt: now,
		}
	}
	room.Touch(now)

	snap := room.Snapshot()
	others := make([]string, 0, len(snap.Members))
	for _, id := range snap.Members {
		if id != userID {
			others = append(others, id)
		}
	}
	return model.JoinResult{
		Room:    snap,
		Others:  others,
		Evicted: evicted,
	}
}

// Leave removes userID from the room. The room itself is kept even when it becomes empty.
func (ms *MemStore) Leave(roomID, userID string) (model.LeaveResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return model.LeaveResult{}, ErrRoomNotFound
	}
	_, member := room.Participants[userID]
	delete(room.Participants, userID)
	room.Touch(ms.now())
	return model.LeaveResult{
		Removed: member,
		Empty:   len(room.Participants) == 0,
	}, nil
}

// Delete removes the room immediately and returns its last members.
func (ms *MemStore) Delete(roomID string) ([]string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, false
	}
	delete(ms.db, roomID)
	return room.Members(), true
}

// DeleteIfEmpty deletes the room only if it has no members at the time of the call.
func (ms *MemStore) DeleteIfEmpty(roomID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok || len(room.Participants) > 0 {
		return false
	}
	delete(ms.db, roomID)
	return true
}

func (ms *MemStore) Get(roomID string) (model.RoomInfo, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return model.RoomInfo{}, false
	}
	return room.Snapshot(), true
}

func (ms *MemStore) Exists(roomID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	_, ok := ms.db[roomID]
	return ok
}

func (ms *MemStore) IsMember(roomID, userID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return false
	}
	_, ok = room.Participants[userID]
	return ok
}

func (ms *MemStore) ListPublic() []model.RoomInfo {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rooms := make([]model.RoomInfo, 0, len(ms.db))
	for _, room := range ms.db {
		if room.Secret {
			continue
		}
		rooms = append(rooms, room.Snapshot())
	}
	return rooms
}

// SweepInactive deletes empty rooms whose last activity is older than ttl.
func (ms *MemStore) SweepInactive(now time.Time, ttl time.Duration) []string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var deleted []string
	for id, room := range ms.db {
		if len(room.Participants) == 0 && now.Sub(room.LastActivity) > ttl {
			delete(ms.db, id)
			deleted = append(deleted, id)
		}
	}
	return deleted
}

func (ms *MemStore) Stats() model.StoreStats {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	stats := model.StoreStats{Rooms: len(ms.db)}
	for _, room := range ms.db {
		if !room.Secret {
			stats.PublicRooms++
		}
		stats.ActiveUsers += len(room.Participants)
	}
	return stats
}
