package _switch

import (
	"sync"

	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/rs/zerolog"
)

// Switch routes messages between the members of a room.
// Routes are keyed by user id, so a reconnecting user replaces its old wire.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Connect(roomID, userID string, wire model.Wire) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
		sw.fwd[roomID] = room
	}
	room[userID] = wire
	sw.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Str("connID", wire.ID).
		Msg("endpoint connected")
}

// Disconnect removes the route of userID only if it still belongs to connID.
// A disconnect of a connection that has already been superseded is ignored.
func (sw *Switch) Disconnect(roomID, userID, connID string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room, ok := sw.fwd[roomID]
	if !ok {
		return false
	}
	wire, ok := room[userID]
	if !ok || wire.ID != connID {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(sw.fwd, roomID)
	}
	sw.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Str("connID", connID).
		Msg("endpoint disconnected")
	return true
}

// Owner returns the connection currently routed for the user.
func (sw *Switch) Owner(roomID, userID string) (string, bool) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	wire, ok := sw.fwd[roomID][userID]
	return wire.ID, ok
}

// DropRoom removes every route of the room and returns the dropped wires.
func (sw *Switch) DropRoom(roomID string) []model.Wire {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room := sw.fwd[roomID]
	delete(sw.fwd, roomID)
	wires := make([]model.Wire, 0, len(room))
	for _, wire := range room {
		wires = append(wires, wire)
	}
	return wires
}

// Broadcast delivers msg to every routed member of the room except exceptUserID
// and returns the number of wires that accepted it.
func (sw *Switch) Broadcast(roomID string, msg model.Message, exceptUserID string) int {
	sw.mx.RLock()
	targets := make([]model.Wire, 0, len(sw.fwd[roomID]))
	for userID, wire := range sw.fwd[roomID] {
		if userID != exceptUserID {
			targets = append(targets, wire)
		}
	}
	sw.mx.RUnlock()

	var sent int
	for _, wire := range targets {
		if sw.Send(wire, msg) {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Trace().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

// Send is fire-and-forget: a full outbound queue means the message is dropped.
func (sw *Switch) Send(wire model.Wire, msg model.Message) bool {
	select {
	case wire.TX <- msg:
		sw.logger.Trace().
			Str("connID", wire.ID).
			Str("type", msg.Type).
			Msg("message is forwarded")
		return true
	default:
		sw.logger.Error().
			Str("connID", wire.ID).
			Str("type", msg.Type).
			Msg("dead endpoint, message dropped")
		return false
	}
}
