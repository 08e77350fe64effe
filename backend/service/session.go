package service

import (
	"context"
	"encoding/json"
	"runtime"
	"time"

	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/horneat/WebVideoChat/backend/retry"
	"github.com/horneat/WebVideoChat/backend/storage/memory"
	"golang.org/x/time/rate"
)

const (
	msgPartnerLeft       = "Partner left the conversation"
	msgConversationEnded = "Conversation ended by partner"
	msgRateLimited       = "rate limit exceeded"
	msgUnstableNetwork   = "Network connection is unstable"
	reasonICEFailed      = "ICE connection failed, restart required"
)

// session is the per-connection state. It is only touched under Service.mx.
type session struct {
	ctx     context.Context
	wire    model.Wire
	mobile  bool
	state   model.SessionState
	quality model.Quality
	limiter *rate.Limiter

	roomID string
	userID string
}

func (s *session) bound() bool {
	return s.roomID != "" && s.userID != ""
}

func (s *session) bind(roomID, userID string) {
	s.roomID = roomID
	s.userID = userID
	s.state = model.StateJoined
}

func (s *session) unbind() {
	s.roomID = ""
	s.userID = ""
	s.state = model.StateDisconnected
}

// HandleMessage dispatches one inbound event of the connection.
func (svc *Service) HandleMessage(connID string, msg model.Message) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	sess, ok := svc.sessions[connID]
	if !ok {
		svc.logger.Debug().Str("connID", connID).Str("type", msg.Type).Msg("message for unknown session")
		return
	}
	svc.registry.Touch(connID)

	switch msg.Type {
	case model.EventJoinRoom:
		svc.handleJoin(sess, msg)
	case model.EventRejoinRoom:
		svc.handleRejoin(sess, msg)
	case model.EventLeaveRoom:
		svc.handleLeave(sess, msg)
	case model.EventEndConversation:
		svc.handleEndConversation(sess, msg)
	case model.EventUserLeaving:
		svc.handleUserLeaving(sess, msg)
	case model.EventOffer, model.EventAnswer, model.EventICECandidate:
		svc.handleRelay(sess, msg)
	case model.EventICERestartRequest:
		svc.handleICERestart(sess, msg)
	case model.EventChatMessage:
		svc.handleChat(sess, msg)
	case model.EventRemoteAudioToggle:
		svc.handleAudioToggle(sess, msg)
	case model.EventCheckRoom:
		svc.handleCheckRoom(sess, msg)
	case model.EventPing:
		svc.handlePing(sess, msg)
	case model.EventConnectionQualityReport:
		svc.handleQualityReport(sess, msg)
	case model.EventConnectionHealthCheck:
		svc.handleHealthCheck(sess)
	default:
		svc.logger.Warn().Str("connID", connID).Str("type", msg.Type).Msg("unknown message type")
	}
}

func (svc *Service) decode(sess *session, msg model.Message, v any) bool {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		svc.logger.Debug().
			Err(err).
			Str("connID", sess.wire.ID).
			Str("type", msg.Type).
			Msg("malformed payload")
		return false
	}
	return true
}

func (svc *Service) handleJoin(sess *session, msg model.Message) {
	var req RoomRequest
	if !svc.decode(sess, msg, &req) || !memory.IsValidRoomID(req.RoomID) {
		svc.reply(sess.wire, msg.Ack, JoinAck{Error: "invalid room id", OtherMembers: []string{}, OtherUsers: []string{}, ServerTime: svc.now().UnixMilli()})
		return
	}
	if req.UserID == "" {
		svc.reply(sess.wire, msg.Ack, JoinAck{Error: "user id is required", OtherMembers: []string{}, OtherUsers: []string{}, ServerTime: svc.now().UnixMilli()})
		return
	}

	svc.release(sess, req.RoomID, req.UserID)
	sess.state = model.StateJoining
	res := svc.store.Join(req.RoomID, req.UserID)
	svc.attach(sess, res, req.UserID, false)

	svc.reply(sess.wire, msg.Ack, JoinAck{
		Success:      true,
		OtherMembers: res.Others,
		OtherUsers:   res.Others,
		RoomExists:   true,
		ConnectionID: sess.wire.ID,
		ServerTime:   svc.now().UnixMilli(),
	})
	svc.logger.Debug().
		Str("connID", sess.wire.ID).
		Str("roomID", req.RoomID).
		Str("userID", req.UserID).
		Bool("created", res.Created).
		Int("others", len(res.Others)).
		Msg("user joined room")

	if len(res.Others) > 0 {
		svc.announceArrival(sess, req.RoomID, req.UserID)
	}

	pingInterval := desktopPingInterval
	if sess.mobile {
		pingInterval = mobilePingInterval
	}
	svc.send(sess.wire, model.EventConnectionOptimization, ConnectionOptimizationEvent{
		PingInterval: pingInterval.Milliseconds(),
		ICEServers:   svc.iceServersFor(sess),
		Timeout:      connectionTimeout.Milliseconds(),
	})
}

func (svc *Service) handleRejoin(sess *session, msg model.Message) {
	var req RoomRequest
	if !svc.decode(sess, msg, &req) {
		return
	}
	if req.UserID == "" || !memory.IsValidRoomID(req.RoomID) || !svc.store.Exists(req.RoomID) {
		svc.send(sess.wire, model.EventRoomNotFound, RoomNotFoundEvent{RoomID: req.RoomID})
		return
	}

	svc.release(sess, req.RoomID, req.UserID)
	sess.state = model.StateReconnecting
	res, err := svc.store.Rejoin(req.RoomID, req.UserID)
	if err != nil {
		sess.state = model.StateDisconnected
		svc.send(sess.wire, model.EventRoomNotFound, RoomNotFoundEvent{RoomID: req.RoomID})
		return
	}
	svc.attach(sess, res, req.UserID, true)

	svc.broadcast(req.RoomID, model.EventUserReconnected, PeerEvent{
		UserID:       req.UserID,
		ConnectionID: sess.wire.ID,
		Timestamp:    svc.now().UnixMilli(),
	}, req.UserID)
	svc.logger.Debug().
		Str("connID", sess.wire.ID).
		Str("roomID", req.RoomID).
		Str("userID", req.UserID).
		Msg("user rejoined room")
}

// release detaches the session from its current room when it is about to
// join as a different user. Moving the same user between rooms is handled by
// the store's eviction.
func (svc *Service) release(sess *session, roomID, userID string) {
	if !sess.bound() || sess.userID == userID {
		return
	}
	prevRoom, prevUser := sess.roomID, sess.userID
	if svc.sw.Disconnect(prevRoom, prevUser, sess.wire.ID) {
		res, err := svc.store.Leave(prevRoom, prevUser)
		svc.broadcast(prevRoom, model.EventUserLeft, LeftEvent{
			UserID:    prevUser,
			Voluntary: true,
			Message:   msgPartnerLeft,
			Timestamp: svc.now().UnixMilli(),
		}, prevUser)
		if err == nil && res.Empty {
			svc.reaper.ScheduleDeletion(prevRoom)
		}
	}
	sess.unbind()
	svc.registry.Unbind(sess.wire.ID)
}

// attach applies the outcome of a store join to routes and sessions.
func (svc *Service) attach(sess *session, res model.JoinResult, userID string, reconnect bool) {
	for _, ev := range res.Evicted {
		svc.evict(ev, userID)
	}

	roomID := res.Room.ID
	if prev, ok := svc.sw.Owner(roomID, userID); ok && prev != sess.wire.ID {
		if other, ok := svc.sessions[prev]; ok {
			other.unbind()
			svc.registry.Unbind(prev)
		}
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("userID", userID).
			Str("prevConnID", prev).
			Str("connID", sess.wire.ID).
			Msg("route taken over by new connection")
	}
	svc.sw.Connect(roomID, userID, sess.wire)
	sess.bind(roomID, userID)
	svc.registry.Bind(sess.wire.ID, roomID, userID, reconnect)
}

func (svc *Service) evict(ev model.Eviction, userID string) {
	if connID, ok := svc.sw.Owner(ev.RoomID, userID); ok {
		svc.sw.Disconnect(ev.RoomID, userID, connID)
		if other, ok := svc.sessions[connID]; ok && other.roomID == ev.RoomID {
			other.unbind()
			svc.registry.Unbind(connID)
		}
	}
	svc.broadcast(ev.RoomID, model.EventUserLeft, LeftEvent{
		UserID:    userID,
		Timestamp: svc.now().UnixMilli(),
	}, userID)
	if ev.Empty {
		svc.reaper.ScheduleDeletion(ev.RoomID)
	}
	svc.logger.Debug().
		Str("roomID", ev.RoomID).
		Str("userID", userID).
		Bool("empty", ev.Empty).
		Msg("user moved out of previous room")
}

// announceArrival tells the room about the newcomer and the newcomer about the room.
// Both notices are repeated on a short schedule and every attempt re-checks that
// the user is still in the room through the same connection.
func (svc *Service) announceArrival(sess *session, roomID, userID string) {
	connID := sess.wire.ID
	stillHere := func() bool {
		owner, ok := svc.sw.Owner(roomID, userID)
		return ok && owner == connID && svc.store.IsMember(roomID, userID)
	}

	retry.NewPolicy(svc.after, retry.PeerNotifyDelays...).Run(sess.ctx, func(int) bool {
		svc.mx.Lock()
		defer svc.mx.Unlock()

		if !stillHere() {
			return false
		}
		svc.broadcast(roomID, model.EventUserConnected, PeerEvent{
			UserID:       userID,
			ConnectionID: connID,
			Timestamp:    svc.now().UnixMilli(),
		}, userID)
		return true
	})

	retry.NewPolicy(svc.after, retry.SelfNotifyDelays...).Run(sess.ctx, func(int) bool {
		svc.mx.Lock()
		defer svc.mx.Unlock()

		if !stillHere() {
			return false
		}
		room, ok := svc.store.Get(roomID)
		if !ok {
			return false
		}
		others := make([]string, 0, len(room.Members))
		for _, id := range room.Members {
			if id != userID {
				others = append(others, id)
			}
		}
		if len(others) == 0 {
			return false
		}
		svc.send(sess.wire, model.EventExistingUsers, ExistingUsersEvent{
			Users:     others,
			RoomID:    roomID,
			Timestamp: svc.now().UnixMilli(),
		})
		return true
	})
}

// requestIdentity fills missing ids of a room request from the session binding.
func requestIdentity(sess *session, req RoomRequest) (string, string) {
	roomID, userID := req.RoomID, req.UserID
	if roomID == "" {
		roomID = sess.roomID
	}
	if userID == "" {
		userID = sess.userID
	}
	return roomID, userID
}

func (svc *Service) handleLeave(sess *session, msg model.Message) {
	var req RoomRequest
	if len(msg.Payload) > 0 && !svc.decode(sess, msg, &req) {
		return
	}
	roomID, userID := requestIdentity(sess, req)
	// the caller may name another member; its own binding is kept then
	self := sess.bound() && sess.roomID == roomID && sess.userID == userID
	if self {
		sess.state = model.StateLeaving
	}

	if roomID != "" && userID != "" {
		res, err := svc.store.Leave(roomID, userID)
		if connID, ok := svc.sw.Owner(roomID, userID); ok {
			svc.sw.Disconnect(roomID, userID, connID)
			if other, ok := svc.sessions[connID]; ok {
				other.unbind()
				svc.registry.Unbind(connID)
			}
		}
		svc.broadcast(roomID, model.EventUserLeft, LeftEvent{
			UserID:    userID,
			Voluntary: true,
			Message:   msgPartnerLeft,
			Timestamp: svc.now().UnixMilli(),
		}, userID)
		if err == nil && res.Empty {
			svc.reaper.ScheduleDeletion(roomID)
		}
		svc.logger.Debug().
			Str("connID", sess.wire.ID).
			Str("roomID", roomID).
			Str("userID", userID).
			Msg("user left room")
	}
	if self {
		sess.unbind()
		svc.registry.Unbind(sess.wire.ID)
	}
	svc.send(sess.wire, model.EventRedirectToLounge, nil)
}

func (svc *Service) handleEndConversation(sess *session, msg model.Message) {
	var req RoomRequest
	if len(msg.Payload) > 0 && !svc.decode(sess, msg, &req) {
		return
	}
	roomID, userID := requestIdentity(sess, req)
	if !svc.store.Exists(roomID) {
		svc.logger.Debug().Str("roomID", roomID).Msg("end of conversation in unknown room")
		return
	}

	ended, ok := svc.encode(model.EventConversationEnded, ConversationEndedEvent{
		EndedBy:   userID,
		Message:   msgConversationEnded,
		Timestamp: svc.now().UnixMilli(),
	})
	if !ok {
		return
	}
	redirect, _ := svc.encode(model.EventRedirectToLounge, nil)

	wires := svc.sw.DropRoom(roomID)
	if sess.roomID != roomID {
		wires = append(wires, sess.wire)
	}
	for _, wire := range wires {
		svc.sw.Send(wire, ended)
		svc.sw.Send(wire, redirect)
		if other, ok := svc.sessions[wire.ID]; ok && other.roomID == roomID {
			other.state = model.StateEnded
			other.unbind()
			svc.registry.Unbind(wire.ID)
		}
	}
	members, _ := svc.store.Delete(roomID)
	svc.logger.Info().
		Str("roomID", roomID).
		Str("endedBy", userID).
		Int("members", len(members)).
		Msg("conversation ended, room deleted")
}

// handleUserLeaving is the page-unload hint. It only notifies peers; the
// transport disconnect that follows releases the membership.
func (svc *Service) handleUserLeaving(sess *session, msg model.Message) {
	var req RoomRequest
	if len(msg.Payload) > 0 && !svc.decode(sess, msg, &req) {
		return
	}
	roomID, userID := requestIdentity(sess, req)
	if roomID == "" || userID == "" {
		return
	}
	svc.broadcast(roomID, model.EventUserLeft, LeftEvent{
		UserID:    userID,
		Timestamp: svc.now().UnixMilli(),
	}, userID)
}

// associated reports whether the session may address roomID.
func (svc *Service) associated(sess *session, roomID string) bool {
	return sess.bound() && sess.roomID == roomID && svc.store.Exists(roomID)
}

func (svc *Service) dropped(sess *session, msg model.Message, roomID string) {
	svc.logger.Debug().
		Str("connID", sess.wire.ID).
		Str("type", msg.Type).
		Str("roomID", roomID).
		Str("boundRoomID", sess.roomID).
		Msg("message dropped, sender is not in the room")
}

// handleRelay forwards negotiation payloads to the other members of the room.
// The payload is passed through opaquely, only userId is set to the sender.
func (svc *Service) handleRelay(sess *session, msg model.Message) {
	var fields map[string]json.RawMessage
	if !svc.decode(sess, msg, &fields) || fields == nil {
		return
	}
	var roomID string
	if raw, ok := fields["roomId"]; ok {
		_ = json.Unmarshal(raw, &roomID)
	}
	if !svc.associated(sess, roomID) {
		svc.dropped(sess, msg, roomID)
		return
	}
	userID, err := json.Marshal(sess.userID)
	if err != nil {
		return
	}
	fields["userId"] = userID
	payload, err := json.Marshal(fields)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", msg.Type).Msg("cannot encode relayed payload")
		return
	}
	n := svc.sw.Broadcast(roomID, model.Message{Type: msg.Type, Payload: payload}, sess.userID)
	svc.logger.Trace().
		Str("roomID", roomID).
		Str("userID", sess.userID).
		Str("type", msg.Type).
		Int("receivers", n).
		Msg("negotiation message relayed")
}

func (svc *Service) handleICERestart(sess *session, msg model.Message) {
	var req RoomRequest
	if !svc.decode(sess, msg, &req) {
		return
	}
	if !svc.associated(sess, req.RoomID) {
		svc.dropped(sess, msg, req.RoomID)
		return
	}
	svc.broadcast(req.RoomID, model.EventICERestartRequired, ICERestartEvent{
		UserID: sess.userID,
		RoomID: req.RoomID,
		Reason: reasonICEFailed,
	}, sess.userID)
}

func (svc *Service) handleChat(sess *session, msg model.Message) {
	var req ChatMessageRequest
	if !svc.decode(sess, msg, &req) {
		return
	}
	if !svc.associated(sess, req.RoomID) {
		svc.dropped(sess, msg, req.RoomID)
		return
	}
	if !sess.limiter.Allow() {
		svc.send(sess.wire, model.EventError, ErrorEvent{Message: msgRateLimited})
		return
	}
	ts := req.Timestamp
	if len(ts) == 0 {
		ts, _ = json.Marshal(svc.now().Format(time.TimeOnly))
	}
	svc.broadcast(req.RoomID, model.EventChatMessage, ChatMessageEvent{
		UserID:       sess.userID,
		Message:      req.Message,
		MessageID:    req.MessageID,
		Timestamp:    ts,
		DetectedLang: req.DetectedLang,
		Delivered:    true,
	}, sess.userID)
	svc.send(sess.wire, model.EventMessageDelivered, MessageDeliveredEvent{
		MessageID: req.MessageID,
		Timestamp: svc.now().UnixMilli(),
	})
}

func (svc *Service) handleAudioToggle(sess *session, msg model.Message) {
	var req AudioToggleRequest
	if !svc.decode(sess, msg, &req) {
		return
	}
	if !svc.associated(sess, req.RoomID) {
		svc.dropped(sess, msg, req.RoomID)
		return
	}
	svc.broadcast(req.RoomID, model.EventRemoteAudioToggle, AudioToggleEvent{
		UserID:    sess.userID,
		Muted:     req.Muted,
		Timestamp: svc.now().UnixMilli(),
	}, sess.userID)
}

func (svc *Service) handleCheckRoom(sess *session, msg model.Message) {
	var roomID string
	if err := json.Unmarshal(msg.Payload, &roomID); err != nil {
		var req RoomRequest
		if !svc.decode(sess, msg, &req) {
			svc.reply(sess.wire, msg.Ack, CheckRoomAck{})
			return
		}
		roomID = req.RoomID
	}
	svc.reply(sess.wire, msg.Ack, CheckRoomAck{
		Exists: memory.IsValidRoomID(roomID) && svc.store.Exists(roomID),
	})
}

func (svc *Service) handlePing(sess *session, msg model.Message) {
	fields := make(map[string]json.RawMessage)
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &fields)
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	var clientTime time.Time
	if raw, ok := fields["clientTime"]; ok {
		var ms int64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			clientTime = time.UnixMilli(ms)
		}
	}
	conn, ok := svc.registry.Heartbeat(sess.wire.ID, clientTime)

	fields["serverTime"], _ = json.Marshal(svc.now().UnixMilli())
	fields["connectionId"], _ = json.Marshal(sess.wire.ID)
	svc.send(sess.wire, model.EventPong, fields)

	if ok && !clientTime.IsZero() {
		svc.qualityChanged(sess, conn.Quality, msgUnstableNetwork)
	}
}

func (svc *Service) handleQualityReport(sess *session, msg model.Message) {
	var report QualityReport
	if !svc.decode(sess, msg, &report) {
		return
	}
	switch report.Quality {
	case model.QualityGood, model.QualityFair, model.QualityPoor:
	default:
		svc.logger.Debug().Str("connID", sess.wire.ID).Str("quality", string(report.Quality)).Msg("unknown quality level")
		return
	}
	svc.registry.ReportQuality(sess.wire.ID, report.Quality, report.Details)
	suggestion := report.Suggestion
	if suggestion == "" {
		suggestion = msgUnstableNetwork
	}
	if report.Quality == model.QualityPoor && sess.bound() {
		svc.broadcast(sess.roomID, model.EventPartnerConnectionQuality, PartnerQualityEvent{
			Quality:    report.Quality,
			Suggestion: suggestion,
		}, sess.userID)
	}
	sess.quality = report.Quality
}

// qualityChanged notifies peers when the connection degrades to poor.
func (svc *Service) qualityChanged(sess *session, q model.Quality, suggestion string) {
	prev := sess.quality
	sess.quality = q
	if q != model.QualityPoor || prev == model.QualityPoor || !sess.bound() {
		return
	}
	svc.broadcast(sess.roomID, model.EventPartnerConnectionQuality, PartnerQualityEvent{
		Quality:    q,
		Suggestion: suggestion,
	}, sess.userID)
}

func (svc *Service) handleHealthCheck(sess *session) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	st := svc.store.Stats()
	now := svc.now().UnixMilli()
	svc.send(sess.wire, model.EventConnectionHealthResponse, HealthResponseEvent{
		Timestamp:    now,
		ConnectionID: sess.wire.ID,
		ServerLoad: ServerLoad{
			MemoryMB:    float64(mem.HeapAlloc) / (1 << 20),
			Goroutines:  runtime.NumGoroutine(),
			Connections: len(svc.sessions),
			Rooms:       st.Rooms,
			Timestamp:   now,
		},
		ActiveConnections: len(svc.sessions),
	})
}
