package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/horneat/WebVideoChat/backend/retry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrCreate        = errors.New("unable to create room")
	ErrSessionExists = errors.New("session already exists")
)

const (
	defaultChatRate      = rate.Limit(5)
	defaultChatBurst     = 10
	defaultKeepAlive     = 15 * time.Second
	connOptimizedDelay   = time.Second
	mobilePingInterval   = 15 * time.Second
	desktopPingInterval  = 20 * time.Second
	connectionTimeout    = 30 * time.Second
	iceConnectionTimeout = 30 * time.Second
	iceGatheringTimeout  = 10 * time.Second
	peerConnTimeout      = 45 * time.Second
)

var (
	defaultICEServers = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}
	defaultMobileICEServers = []string{
		"stun:stun2.l.google.com:19302",
		"stun:stun3.l.google.com:19302",
	}
	mediaConstraints = json.RawMessage(`{"video":{"width":{"ideal":1280},"height":{"ideal":720},"frameRate":{"ideal":30}},"audio":{"echoCancellation":true,"noiseSuppression":true,"autoGainControl":true}}`)
)

type (
	RoomStore interface {
		CreateRoom(name string, secret bool, creator string) (model.RoomInfo, error)
		Join(roomID, userID string) model.JoinResult
		Rejoin(roomID, userID string) (model.JoinResult, error)
		Leave(roomID, userID string) (model.LeaveResult, error)
		Delete(roomID string) ([]string, bool)
		Get(roomID string) (model.RoomInfo, bool)
		Exists(roomID string) bool
		IsMember(roomID, userID string) bool
		ListPublic() []model.RoomInfo
		Stats() model.StoreStats
	}

	Switch interface {
		Connect(roomID, userID string, wire model.Wire)
		Disconnect(roomID, userID, connID string) bool
		Owner(roomID, userID string) (string, bool)
		DropRoom(roomID string) []model.Wire
		Broadcast(roomID string, msg model.Message, exceptUserID string) int
		Send(wire model.Wire, msg model.Message) bool
	}

	ConnRegistry interface {
		Register(connID, remoteAddr, userAgent string) model.Connection
		Heartbeat(connID string, clientTime time.Time) (model.Connection, bool)
		ReportQuality(connID string, quality model.Quality, details json.RawMessage) (model.Connection, bool)
		Touch(connID string)
		Bind(connID, roomID, userID string, reconnect bool)
		Unbind(connID string)
		Remove(connID string)
		Stats() model.ConnectionStats
	}

	Reaper interface {
		ScheduleDeletion(roomID string)
	}

	Config struct {
		Logger    *zerolog.Logger
		RoomStore RoomStore
		Switch    Switch
		Registry  ConnRegistry
		Reaper    Reaper
		After     retry.AfterFunc
		Now       func() time.Time

		ICEServers        []string
		MobileICEServers  []string
		ChatRate          rate.Limit
		ChatBurst         int
		KeepAliveInterval time.Duration
	}

	// Service implements the session and presence protocol.
	// Every inbound event is handled under a single mutex, so handlers observe
	// and mutate rooms, routes and sessions as one consistent state.
	Service struct {
		logger   zerolog.Logger
		store    RoomStore
		sw       Switch
		registry ConnRegistry
		reaper   Reaper
		after    retry.AfterFunc
		now      func() time.Time

		iceServers       []ICEServer
		mobileICEServers []ICEServer
		chatRate         rate.Limit
		chatBurst        int
		keepAlive        time.Duration

		mx       *sync.Mutex
		sessions map[string]*session
	}

	// Stats is a point-in-time summary for the admission API.
	Stats struct {
		Rooms       int
		PublicRooms int
		ActiveUsers int
		Connections model.ConnectionStats
	}
)

func toICEServers(urls []string, def []string) []ICEServer {
	if len(urls) == 0 {
		urls = def
	}
	servers := make([]ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, ICEServer{URLs: u})
	}
	return servers
}

func NewService(cfg Config) *Service {
	svc := &Service{
		logger:           cfg.Logger.With().Str("component", "service").Logger(),
		store:            cfg.RoomStore,
		sw:               cfg.Switch,
		registry:         cfg.Registry,
		reaper:           cfg.Reaper,
		after:            cfg.After,
		now:              cfg.Now,
		iceServers:       toICEServers(cfg.ICEServers, defaultICEServers),
		mobileICEServers: toICEServers(cfg.MobileICEServers, defaultMobileICEServers),
		chatRate:         cfg.ChatRate,
		chatBurst:        cfg.ChatBurst,
		keepAlive:        cfg.KeepAliveInterval,
		mx:               &sync.Mutex{},
		sessions:         make(map[string]*session),
	}
	if svc.after == nil {
		svc.after = retry.RealAfterFunc
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.chatRate <= 0 {
		svc.chatRate = defaultChatRate
	}
	if svc.chatBurst <= 0 {
		svc.chatBurst = defaultChatBurst
	}
	if svc.keepAlive <= 0 {
		svc.keepAlive = defaultKeepAlive
	}
	return svc
}

// CreateSignalingSession registers a new connection and starts consuming its inbound messages.
// The session lives until ctx is cancelled and DeleteSignalingSession is called.
func (svc *Service) CreateSignalingSession(ctx context.Context, info model.ConnInfo, wire model.Wire) (model.Connection, error) {
	conn, err := svc.Attach(ctx, info, wire)
	if err != nil {
		return conn, err
	}
	go svc.serve(ctx, wire)
	return conn, nil
}

// Attach registers the session without starting its consumer.
func (svc *Service) Attach(ctx context.Context, info model.ConnInfo, wire model.Wire) (model.Connection, error) {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.sessions[info.ID]; ok {
		return model.Connection{}, ErrSessionExists
	}
	conn := svc.registry.Register(info.ID, info.RemoteAddr, info.UserAgent)
	sess := &session{
		ctx:     ctx,
		wire:    wire,
		mobile:  conn.Mobile,
		state:   model.StateDisconnected,
		quality: conn.Quality,
		limiter: rate.NewLimiter(svc.chatRate, svc.chatBurst),
	}
	svc.sessions[info.ID] = sess
	svc.logger.Debug().
		Str("connID", info.ID).
		Str("remoteAddr", info.RemoteAddr).
		Bool("mobile", conn.Mobile).
		Msg("signaling session created")

	retry.NewPolicy(svc.after, connOptimizedDelay).Run(ctx, func(int) bool {
		svc.mx.Lock()
		defer svc.mx.Unlock()

		s, ok := svc.sessions[info.ID]
		if !ok {
			return false
		}
		svc.send(s.wire, model.EventConnectionOptimized, ConnectionOptimizedEvent{
			ICEServers: svc.iceServersFor(s),
			Timeouts: Timeouts{
				ICEConnection:  iceConnectionTimeout.Milliseconds(),
				ICEGathering:   iceGatheringTimeout.Milliseconds(),
				PeerConnection: peerConnTimeout.Milliseconds(),
			},
			Constraints: mediaConstraints,
		})
		return true
	})
	return conn, nil
}

func (svc *Service) serve(ctx context.Context, wire model.Wire) {
	var keepAlive <-chan time.Time
	svc.mx.Lock()
	if sess, ok := svc.sessions[wire.ID]; ok && sess.mobile {
		ticker := time.NewTicker(svc.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	svc.mx.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-wire.RX:
			svc.HandleMessage(wire.ID, msg)
		case <-keepAlive:
			svc.send(wire, model.EventMobileKeepAlive, KeepAliveEvent{
				Timestamp:    svc.now().UnixMilli(),
				ConnectionID: wire.ID,
			})
		}
	}
}

// DeleteSignalingSession handles the transport-level end of a connection.
// Membership is only released when the connection still owns the user's route,
// so a superseded connection closing late leaves the reconnected user alone.
func (svc *Service) DeleteSignalingSession(_ context.Context, connID, reason string) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	sess, ok := svc.sessions[connID]
	if !ok {
		return nil
	}
	delete(svc.sessions, connID)
	svc.registry.Remove(connID)

	if sess.bound() {
		roomID, userID := sess.roomID, sess.userID
		if svc.sw.Disconnect(roomID, userID, connID) {
			res, err := svc.store.Leave(roomID, userID)
			ts := svc.now().UnixMilli()
			svc.broadcast(roomID, model.EventUserDisconnected, DisconnectEvent{
				UserID:    userID,
				Reason:    reason,
				Timestamp: ts,
			}, userID)
			if sess.mobile {
				svc.broadcast(roomID, model.EventMobileUserDisconnected, DisconnectEvent{
					UserID:    userID,
					Reason:    reason,
					Timestamp: ts,
				}, userID)
			}
			if err == nil && res.Empty {
				svc.reaper.ScheduleDeletion(roomID)
			}
		} else {
			svc.logger.Debug().
				Str("connID", connID).
				Str("roomID", roomID).
				Str("userID", userID).
				Msg("superseded connection closed, membership kept")
		}
	}
	sess.state = model.StateDisconnected
	svc.logger.Debug().
		Str("connID", connID).
		Str("reason", reason).
		Msg("signaling session deleted")
	return nil
}

// NotifyShutdown tells every connected client that the server is going away.
func (svc *Service) NotifyShutdown() {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	for _, sess := range svc.sessions {
		svc.send(sess.wire, model.EventServerShutdown, nil)
	}
	svc.logger.Info().Int("sessions", len(svc.sessions)).Msg("shutdown announced")
}

// CreateRoom mints a room through the admission API.
func (svc *Service) CreateRoom(name string, secret bool, creator string) (model.RoomInfo, error) {
	room, err := svc.store.CreateRoom(name, secret, creator)
	if err != nil {
		return room, errors.Join(ErrCreate, err)
	}
	svc.logger.Debug().
		Str("roomID", room.ID).
		Bool("secret", secret).
		Msg("room created")
	return room, nil
}

func (svc *Service) ListPublicRooms() []model.RoomInfo {
	return svc.store.ListPublic()
}

func (svc *Service) RoomExists(roomID string) bool {
	return svc.store.Exists(roomID)
}

func (svc *Service) Stats() Stats {
	st := svc.store.Stats()
	return Stats{
		Rooms:       st.Rooms,
		PublicRooms: st.PublicRooms,
		ActiveUsers: st.ActiveUsers,
		Connections: svc.registry.Stats(),
	}
}

func (svc *Service) iceServersFor(sess *session) []ICEServer {
	if !sess.mobile {
		return svc.iceServers
	}
	servers := make([]ICEServer, 0, len(svc.iceServers)+len(svc.mobileICEServers))
	servers = append(servers, svc.iceServers...)
	return append(servers, svc.mobileICEServers...)
}

func (svc *Service) encode(typ string, payload any) (model.Message, bool) {
	msg, err := model.NewMessage(typ, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", typ).Msg("cannot encode message")
		return msg, false
	}
	return msg, true
}

func (svc *Service) send(wire model.Wire, typ string, payload any) {
	if msg, ok := svc.encode(typ, payload); ok {
		svc.sw.Send(wire, msg)
	}
}

func (svc *Service) broadcast(roomID, typ string, payload any, exceptUserID string) int {
	msg, ok := svc.encode(typ, payload)
	if !ok {
		return 0
	}
	return svc.sw.Broadcast(roomID, msg, exceptUserID)
}

func (svc *Service) reply(wire model.Wire, ack uint64, payload any) {
	msg, ok := svc.encode(model.EventAck, payload)
	if !ok {
		return
	}
	msg.Ack = ack
	svc.sw.Send(wire, msg)
}
