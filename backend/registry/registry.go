package registry

import (
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/horneat/WebVideoChat/backend/model"
	"github.com/rs/zerolog"
)

var mobileUserAgent = regexp.MustCompile(`(?i)iPhone|iPad|iPod|Android`)

// IsMobile classifies a client by its user agent.
func IsMobile(userAgent string) bool {
	return mobileUserAgent.MatchString(userAgent)
}

type (
	// Registry keeps diagnostic records of live connections.
	// Lookups of unknown connections are no-ops, callers never depend on a record being present.
	Registry struct {
		logger zerolog.Logger
		mx     *sync.Mutex
		conns  map[string]*model.Connection
		now    func() time.Time
	}

	Config struct {
		Logger *zerolog.Logger
		Now    func() time.Time
	}
)

func New(cfg Config) *Registry {
	reg := &Registry{
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		mx:     &sync.Mutex{},
		conns:  make(map[string]*model.Connection),
		now:    cfg.Now,
	}
	if reg.now == nil {
		reg.now = time.Now
	}
	return reg
}

func (reg *Registry) Register(connID, remoteAddr, userAgent string) model.Connection {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	now := reg.now()
	conn := &model.Connection{
		ID:          connID,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		Mobile:      IsMobile(userAgent),
		ConnectedAt: now,
		LastSeen:    now,
		Quality:     model.QualityGood,
	}
	reg.conns[connID] = conn
	reg.logger.Debug().
		Str("connID", connID).
		Bool("mobile", conn.Mobile).
		Msg("connection registered")
	return *conn
}

// Heartbeat records liveness and derives quality from the round trip
// between clientTime and now.
func (reg *Registry) Heartbeat(connID string, clientTime time.Time) (model.Connection, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	conn, ok := reg.conns[connID]
	if !ok {
		return model.Connection{}, false
	}
	now := reg.now()
	conn.LastSeen = now
	if !clientTime.IsZero() {
		rtt := now.Sub(clientTime)
		if rtt < 0 {
			rtt = 0
		}
		conn.RTT = rtt
		conn.Quality = model.QualityFromRTT(rtt)
	}
	return *conn, true
}

// ReportQuality stores a client-side quality assessment.
func (reg *Registry) ReportQuality(connID string, quality model.Quality, details json.RawMessage) (model.Connection, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	conn, ok := reg.conns[connID]
	if !ok {
		return model.Connection{}, false
	}
	conn.LastSeen = reg.now()
	if quality != "" {
		conn.Quality = quality
	}
	conn.Details = details
	return *conn, true
}

func (reg *Registry) Touch(connID string) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if conn, ok := reg.conns[connID]; ok {
		conn.LastSeen = reg.now()
	}
}

// Bind associates the connection with a room member. Rebinding counts as a reconnect.
func (reg *Registry) Bind(connID, roomID, userID string, reconnect bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	conn, ok := reg.conns[connID]
	if !ok {
		return
	}
	conn.RoomID = roomID
	conn.UserID = userID
	if reconnect {
		conn.Reconnects++
	}
}

func (reg *Registry) Unbind(connID string) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if conn, ok := reg.conns[connID]; ok {
		conn.RoomID = ""
		conn.UserID = ""
	}
}

func (reg *Registry) Get(connID string) (model.Connection, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	conn, ok := reg.conns[connID]
	if !ok {
		return model.Connection{}, false
	}
	return *conn, true
}

func (reg *Registry) Remove(connID string) {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	delete(reg.conns, connID)
}

// Sweep drops records not seen for longer than ttl.
func (reg *Registry) Sweep(now time.Time, ttl time.Duration) []string {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	var swept []string
	for id, conn := range reg.conns {
		if now.Sub(conn.LastSeen) > ttl {
			delete(reg.conns, id)
			swept = append(swept, id)
		}
	}
	return swept
}

func (reg *Registry) Stats() model.ConnectionStats {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	stats := model.ConnectionStats{
		Total:   len(reg.conns),
		Quality: make(map[string]model.Quality, len(reg.conns)),
	}
	for id, conn := range reg.conns {
		if conn.Mobile {
			stats.Mobile++
		}
		stats.Quality[id] = conn.Quality
	}
	return stats
}
