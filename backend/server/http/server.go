package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/horneat/WebVideoChat/backend/registry"
	"github.com/horneat/WebVideoChat/backend/service"
	"github.com/horneat/WebVideoChat/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	maxRequestBodySize = 10 << 10
	maxRoomNameLength  = 100
	maxUserAgentLength = 100
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	CreateRoom(name string, secret bool, creator string) (model.RoomInfo, error)
	ListPublicRooms() []model.RoomInfo
	RoomExists(roomID string) bool
	Stats() service.Stats
}

type CreateRoomRequest struct {
	RoomName string `json:"roomName"`
	IsSecret bool   `json:"isSecret"`
}

type CreateRoomResponse struct {
	RoomID   string `json:"roomId"`
	RoomName string `json:"roomName"`
	IsSecret bool   `json:"isSecret"`
}

type RoomSummary struct {
	Name         string   `json:"name"`
	RoomName     string   `json:"roomName"`
	Users        []string `json:"users"`
	UserCount    int      `json:"userCount"`
	CreatedAt    int64    `json:"createdAt"`
	LastActivity int64    `json:"lastActivity"`
	IsSecret     bool     `json:"isSecret"`
}

type RoomListResponse struct {
	TotalRooms  int                    `json:"totalRooms"`
	ActiveUsers int                    `json:"activeUsers"`
	Rooms       map[string]RoomSummary `json:"rooms"`
}

type RoomExistsResponse struct {
	Exists bool   `json:"exists"`
	RoomID string `json:"roomId"`
	Error  string `json:"error,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	ActiveUsers int    `json:"activeUsers"`
	Timestamp   string `json:"timestamp"`
	Connections int    `json:"connections"`
}

type ConnectionStatsResponse struct {
	TotalConnections  int                      `json:"totalConnections"`
	TotalRooms        int                      `json:"totalRooms"`
	MobileConnections int                      `json:"mobileConnections"`
	ConnectionQuality map[string]model.Quality `json:"connectionQuality"`
}

type DeviceInfoResponse struct {
	IsMobile  bool   `json:"isMobile"`
	UserAgent string `json:"userAgent"`
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	now    func() time.Time
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
	Now         func() time.Time
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
		now:    cfg.Now,
	}
	if srv.now == nil {
		srv.now = time.Now
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/rooms/create", srv.createRoom)
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /api/room/{roomID}", srv.checkRoom)
	r.HandleFunc("GET /health", srv.health)
	r.HandleFunc("GET /api/connection-stats", srv.connectionStats)
	r.HandleFunc("GET /api/device-info", srv.deviceInfo)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		srv.writeJSON(w, http.StatusRequestEntityTooLarge, &GenericResponse{Error: "request body is too large"})
		return
	}
	if len(body) > 0 {
		if err = json.Unmarshal(body, &req); err != nil {
			srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid JSON"})
			return
		}
	}
	if utf8.RuneCountInString(req.RoomName) > maxRoomNameLength {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "room name is too long"})
		return
	}

	srv.logger.Trace().Any("request", req).Msg("got create room request")

	room, err := srv.svc.CreateRoom(req.RoomName, req.IsSecret, r.RemoteAddr)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create room")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: "failed to create room"})
		return
	}
	srv.writeJSON(w, http.StatusOK, &CreateRoomResponse{
		RoomID:   room.ID,
		RoomName: room.Name,
		IsSecret: room.Secret,
	})
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := srv.svc.ListPublicRooms()
	resp := RoomListResponse{
		TotalRooms: len(rooms),
		// members of secret rooms count too
		ActiveUsers: srv.svc.Stats().ActiveUsers,
		Rooms:       make(map[string]RoomSummary, len(rooms)),
	}
	for _, room := range rooms {
		resp.Rooms[room.ID] = RoomSummary{
			Name:         room.Name,
			RoomName:     room.Name,
			Users:        room.Members,
			UserCount:    len(room.Members),
			CreatedAt:    room.CreatedAt.UnixMilli(),
			LastActivity: room.LastActivity.UnixMilli(),
			IsSecret:     room.Secret,
		}
	}
	srv.writeJSON(w, http.StatusOK, &resp)
}

func (srv *Server) checkRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if !memory.IsValidRoomID(roomID) {
		srv.writeJSON(w, http.StatusBadRequest, &RoomExistsResponse{
			RoomID: roomID,
			Error:  "invalid room id",
		})
		return
	}
	srv.writeJSON(w, http.StatusOK, &RoomExistsResponse{
		Exists: srv.svc.RoomExists(roomID),
		RoomID: roomID,
	})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := srv.svc.Stats()
	srv.writeJSON(w, http.StatusOK, &HealthResponse{
		Status:      "OK",
		Rooms:       st.Rooms,
		ActiveUsers: st.ActiveUsers,
		Timestamp:   srv.now().UTC().Format(time.RFC3339),
		Connections: st.Connections.Total,
	})
}

func (srv *Server) connectionStats(w http.ResponseWriter, _ *http.Request) {
	st := srv.svc.Stats()
	srv.writeJSON(w, http.StatusOK, &ConnectionStatsResponse{
		TotalConnections:  st.Connections.Total,
		TotalRooms:        st.Rooms,
		MobileConnections: st.Connections.Mobile,
		ConnectionQuality: st.Connections.Quality,
	})
}

func (srv *Server) deviceInfo(w http.ResponseWriter, r *http.Request) {
	ua := r.UserAgent()
	short := ua
	if len(short) > maxUserAgentLength {
		short = short[:maxUserAgentLength]
	}
	srv.writeJSON(w, http.StatusOK, &DeviceInfoResponse{
		IsMobile:  registry.IsMobile(ua),
		UserAgent: short,
	})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	srv.writeBytes(w, code, b)
}

func (srv *Server) writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
