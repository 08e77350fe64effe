package _switch

import (
	"testing"

	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func drain(wire model.Wire) []model.Message {
	var msgs []model.Message
	for {
		select {
		case msg := <-wire.TX:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func TestSwitch_BroadcastSkipsSenderAndOtherRooms(t *testing.T) {
	sw := newTestSwitch()
	a, b, c := model.NewWire("ca"), model.NewWire("cb"), model.NewWire("cc")
	sw.Connect("room0001", "userA", a)
	sw.Connect("room0001", "userB", b)
	sw.Connect("room0002", "userC", c)

	sent := sw.Broadcast("room0001", model.Message{Type: model.EventOffer}, "userA")

	assert.Equal(t, 1, sent)
	assert.Empty(t, drain(a))
	require.Len(t, drain(b), 1)
	assert.Empty(t, drain(c))
}

func TestSwitch_ReconnectReplacesRoute(t *testing.T) {
	sw := newTestSwitch()
	old, fresh := model.NewWire("old"), model.NewWire("new")
	sw.Connect("room0001", "userA", old)
	sw.Connect("room0001", "userA", fresh)

	owner, ok := sw.Owner("room0001", "userA")
	require.True(t, ok)
	assert.Equal(t, "new", owner)

	assert.False(t, sw.Disconnect("room0001", "userA", "old"), "stale disconnect must be ignored")
	_, ok = sw.Owner("room0001", "userA")
	assert.True(t, ok)

	assert.True(t, sw.Disconnect("room0001", "userA", "new"))
	_, ok = sw.Owner("room0001", "userA")
	assert.False(t, ok)
	assert.False(t, sw.Disconnect("room0001", "userA", "new"))
}

func TestSwitch_SendDropsOnFullQueue(t *testing.T) {
	sw := newTestSwitch()
	wire := model.Wire{ID: "c1", TX: make(chan model.Message, 1)}

	assert.True(t, sw.Send(wire, model.Message{Type: "first"}))
	assert.False(t, sw.Send(wire, model.Message{Type: "second"}))
	assert.Equal(t, "first", (<-wire.TX).Type)
}

func TestSwitch_DropRoom(t *testing.T) {
	sw := newTestSwitch()
	sw.Connect("room0001", "userA", model.NewWire("ca"))
	sw.Connect("room0001", "userB", model.NewWire("cb"))

	wires := sw.DropRoom("room0001")
	assert.Len(t, wires, 2)
	assert.Equal(t, 0, sw.Broadcast("room0001", model.Message{Type: model.EventOffer}, ""))
	assert.Empty(t, sw.DropRoom("room0001"))
}
