package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

const (
	ReasonTransportClose = "transport close"
	ReasonTransportError = "transport error"
	ReasonPingTimeout    = "ping timeout"
	ReasonServerShutdown = "server shutting down"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, info model.ConnInfo, wire model.Wire) (model.Connection, error)
		DeleteSignalingSession(ctx context.Context, connID, reason string) error
		NotifyShutdown()
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		// parent of every connection context, cancelled on shutdown
		connCtx    context.Context
		connCancel context.CancelFunc
		conns      *sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		conns: &sync.WaitGroup{},
	}
	srv.connCtx, srv.connCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /socket", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		srv.closeSessions(context.Background())
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		srv.closeSessions(shCtx)
	}
}

// closeSessions announces the shutdown to every client and closes hijacked connections,
// which http.Server.Shutdown does not track.
func (srv *Server) closeSessions(ctx context.Context) {
	srv.svc.NotifyShutdown()
	srv.connCancel()

	done := make(chan struct{})
	go func() {
		srv.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.logger.Warn().Msg("websocket connections did not close in time")
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	if srv.connCtx.Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	info := model.ConnInfo{
		ID:         uuid.NewString(),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	}
	wire := model.NewWire(info.ID)
	logger := srv.logger.With().Str("connID", info.ID).Logger()

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living wire context

	if _, err = srv.svc.CreateSignalingSession(ctx, info, wire); err != nil {
		logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().
		Str("remoteAddr", info.RemoteAddr).
		Msg("signaling session created")

	srv.conns.Add(1)
	go func() {
		defer srv.conns.Done()
		srv.handleWSConn(ctx, cancel, conn, wire, &logger)
	}()
}

func (srv *Server) destroySession(connID, reason string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSignalingSession(ctx, connID, reason)
	if err != nil {
		logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().
		Str("reason", reason).
		Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	wire model.Wire,
	logger *zerolog.Logger,
) {
	wg := &sync.WaitGroup{}
	// the side that stops first tells why the connection ended
	reasons := make(chan string, 2)

	wg.Add(2)
	go func() {
		reasons <- webSocketReceiver(ctx, wg, conn, wire.RX, logger)
		cancel()
	}()
	go func() {
		reason := webSocketSender(ctx, wg, conn, wire.TX, logger)
		if srv.connCtx.Err() != nil {
			reason = ReasonServerShutdown
		}
		reasons <- reason
		cancel()
		webSocketCloser(conn, logger)
	}()

	wg.Wait()
	srv.destroySession(wire.ID, <-reasons, logger)
}

func writeFrame(conn *websocket.Conn, msg model.Message) error {
	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) string {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			// flush what is already queued, e.g. the shutdown notice
			for {
				select {
				case msg := <-tx:
					if err := writeFrame(conn, msg); err != nil {
						return ReasonTransportClose
					}
				default:
					return ReasonTransportClose
				}
			}
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				return ReasonTransportError
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				return ReasonTransportError
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				return ReasonTransportClose
			}
			if wsErr := writeFrame(conn, msg); wsErr != nil {
				logger.Error().Err(wsErr).Str("type", msg.Type).Msg("failed to write outgoing message")
				return ReasonTransportError
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- model.Message,
	logger *zerolog.Logger,
) string {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return ReasonTransportError
	}

	for {
		if ctx.Err() != nil {
			return ReasonTransportClose
		}
		_, raw, wsErr := conn.ReadMessage()
		if wsErr != nil {
			return closeReason(ctx, wsErr, logger)
		}

		var msg model.Message
		if wsErr = json.Unmarshal(raw, &msg); wsErr != nil || msg.Type == "" {
			logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
			continue
		}
		select {
		case rx <- msg:
		case <-ctx.Done():
			return ReasonTransportClose
		}
	}
}

func closeReason(ctx context.Context, err error, logger *zerolog.Logger) string {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return ReasonTransportClose
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.Debug().Err(err).Msg("connection closed")
		return ReasonTransportClose
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Warn().Err(err).Msg("client stopped answering pings")
		return ReasonPingTimeout
	default:
		logger.Error().Err(err).Msg("unexpected error during receive")
		return ReasonTransportError
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
