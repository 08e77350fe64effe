package model

import (
	"sort"
	"time"
)

type Room struct {
	ID           string
	Name         string
	Secret       bool
	Creator      string // best-effort origin of the create request, never enforced
	Participants map[string]Participant
	CreatedAt    time.Time
	LastActivity time.Time
}

type Participant struct {
	ID       string    `json:"id"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Touch moves LastActivity forward, never backwards.
func (r *Room) Touch(now time.Time) {
	if now.After(r.LastActivity) {
		r.LastActivity = now
	}
}

// Members returns participant ids in join order.
func (r *Room) Members() []string {
	ps := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
	ids := make([]string, len(ps))
	for i := range ps {
		ids[i] = ps[i].ID
	}
	return ids
}

func (r *Room) Snapshot() RoomInfo {
	return RoomInfo{
		ID:           r.ID,
		Name:         r.Name,
		Secret:       r.Secret,
		Creator:      r.Creator,
		Members:      r.Members(),
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
}

// RoomInfo is a detached copy of a room, safe to use outside the store lock.
type RoomInfo struct {
	ID           string
	Name         string
	Secret       bool
	Creator      string
	Members      []string
	CreatedAt    time.Time
	LastActivity time.Time
}

type JoinResult struct {
	Room    RoomInfo
	Others  []string
	Created bool
	// Evicted lists the rooms the user was removed from to keep it in one room at a time.
	Evicted []Eviction
}

type Eviction struct {
	RoomID string
	Empty  bool
}

type LeaveResult struct {
	Removed bool
	Empty   bool
}

type StoreStats struct {
	Rooms       int
	PublicRooms int
	ActiveUsers int
}
