package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/horneat/WebVideoChat/backend/registry"
	"github.com/horneat/WebVideoChat/backend/service"
	"github.com/horneat/WebVideoChat/backend/storage/memory"
	_switch "github.com/horneat/WebVideoChat/backend/switch"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopReaper struct{}

func (noopReaper) ScheduleDeletion(string) {}

func newTestServer(t *testing.T) (*Server, *memory.MemStore, string) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore(memory.Config{})
	svc := service.NewService(service.Config{
		Logger:    &logger,
		RoomStore: store,
		Switch:    _switch.NewSwitch(&logger),
		Registry:  registry.New(registry.Config{Logger: &logger}),
		Reaper:    noopReaper{},
	})
	srv := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return srv, store, "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, ack uint64, payload any) {
	t.Helper()
	msg, err := model.NewMessage(typ, payload)
	require.NoError(t, err)
	msg.Ack = ack
	require.NoError(t, conn.WriteJSON(&msg))
}

// await reads frames until one of the given type arrives.
func await(t *testing.T, conn *websocket.Conn, typ string) model.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg model.Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func TestServer_JoinAndRelay(t *testing.T) {
	_, _, url := newTestServer(t)
	a := dial(t, url)
	b := dial(t, url)

	send(t, a, model.EventJoinRoom, 1, service.RoomRequest{RoomID: "room0001", UserID: "userA"})
	ack := await(t, a, model.EventAck)
	assert.Equal(t, uint64(1), ack.Ack)

	send(t, b, model.EventJoinRoom, 7, service.RoomRequest{RoomID: "room0001", UserID: "userB"})
	ack = await(t, b, model.EventAck)
	assert.Equal(t, uint64(7), ack.Ack)
	var joined service.JoinAck
	require.NoError(t, json.Unmarshal(ack.Payload, &joined))
	assert.True(t, joined.Success)
	assert.Equal(t, []string{"userA"}, joined.OtherUsers)

	connected := await(t, a, model.EventUserConnected)
	var peer service.PeerEvent
	require.NoError(t, json.Unmarshal(connected.Payload, &peer))
	assert.Equal(t, "userB", peer.UserID)

	send(t, a, model.EventOffer, 0, map[string]any{"roomId": "room0001", "offer": "sdp"})
	offer := await(t, b, model.EventOffer)
	var fields map[string]string
	require.NoError(t, json.Unmarshal(offer.Payload, &fields))
	assert.Equal(t, "userA", fields["userId"])
	assert.Equal(t, "sdp", fields["offer"])
}

func TestServer_CloseTriggersDisconnect(t *testing.T) {
	_, store, url := newTestServer(t)
	a := dial(t, url)
	b := dial(t, url)

	send(t, a, model.EventJoinRoom, 1, service.RoomRequest{RoomID: "room0001", UserID: "userA"})
	await(t, a, model.EventAck)
	send(t, b, model.EventJoinRoom, 2, service.RoomRequest{RoomID: "room0001", UserID: "userB"})
	await(t, b, model.EventAck)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	gone := await(t, a, model.EventUserDisconnected)
	var ev service.DisconnectEvent
	require.NoError(t, json.Unmarshal(gone.Payload, &ev))
	assert.Equal(t, "userB", ev.UserID)
	assert.Equal(t, ReasonTransportClose, ev.Reason)
	assert.False(t, store.IsMember("room0001", "userB"))
}

func TestServer_ShutdownNotifiesClients(t *testing.T) {
	srv, _, url := newTestServer(t)
	a := dial(t, url)
	send(t, a, model.EventCheckRoom, 1, "room0001")
	await(t, a, model.EventAck)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.closeSessions(ctx)

	await(t, a, model.EventServerShutdown)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}
