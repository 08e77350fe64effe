package service

import (
	"encoding/json"

	"github.com/horneat/WebVideoChat/backend/model"
)

// Inbound payloads.

type RoomRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type ChatMessageRequest struct {
	RoomID       string          `json:"roomId"`
	UserID       string          `json:"userId"`
	Message      string          `json:"message"`
	MessageID    json.RawMessage `json:"messageId,omitempty"`
	Timestamp    json.RawMessage `json:"timestamp,omitempty"`
	DetectedLang string          `json:"detectedLang,omitempty"`
}

type AudioToggleRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Muted  bool   `json:"muted"`
}

type QualityReport struct {
	Quality    model.Quality   `json:"quality"`
	Details    json.RawMessage `json:"details,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
}

// Outbound payloads.

type JoinAck struct {
	Success      bool     `json:"success"`
	OtherMembers []string `json:"otherMembers"`
	// OtherUsers mirrors OtherMembers for older clients.
	OtherUsers   []string `json:"otherUsers"`
	RoomExists   bool     `json:"roomExists"`
	ConnectionID string   `json:"connectionId,omitempty"`
	ServerTime   int64    `json:"serverTime"`
	Error        string   `json:"error,omitempty"`
}

type CheckRoomAck struct {
	Exists bool `json:"exists"`
}

type PeerEvent struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type DisconnectEvent struct {
	UserID    string `json:"userId"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type LeftEvent struct {
	UserID    string `json:"userId"`
	Voluntary bool   `json:"voluntary"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type ExistingUsersEvent struct {
	Users     []string `json:"users"`
	RoomID    string   `json:"roomId"`
	Timestamp int64    `json:"timestamp"`
}

type ConversationEndedEvent struct {
	EndedBy   string `json:"endedBy"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type RoomNotFoundEvent struct {
	RoomID string `json:"roomId"`
}

type ChatMessageEvent struct {
	UserID       string          `json:"userId"`
	Message      string          `json:"message"`
	MessageID    json.RawMessage `json:"messageId,omitempty"`
	Timestamp    json.RawMessage `json:"timestamp"`
	DetectedLang string          `json:"detectedLang,omitempty"`
	Delivered    bool            `json:"delivered"`
}

type MessageDeliveredEvent struct {
	MessageID json.RawMessage `json:"messageId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type AudioToggleEvent struct {
	UserID    string `json:"userId"`
	Muted     bool   `json:"muted"`
	Timestamp int64  `json:"timestamp"`
}

type ICERestartEvent struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId"`
	Reason string `json:"reason"`
}

type PartnerQualityEvent struct {
	Quality    model.Quality `json:"quality"`
	Suggestion string        `json:"suggestion"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type ServerLoad struct {
	MemoryMB    float64 `json:"memory"`
	Goroutines  int     `json:"goroutines"`
	Connections int     `json:"connections"`
	Rooms       int     `json:"rooms"`
	Timestamp   int64   `json:"timestamp"`
}

type HealthResponseEvent struct {
	Timestamp         int64      `json:"timestamp"`
	ConnectionID      string     `json:"connectionId"`
	ServerLoad        ServerLoad `json:"serverLoad"`
	ActiveConnections int        `json:"activeConnections"`
}

type ICEServer struct {
	URLs string `json:"urls"`
}

type ConnectionOptimizationEvent struct {
	PingInterval int64       `json:"pingInterval"`
	ICEServers   []ICEServer `json:"iceServers"`
	Timeout      int64       `json:"timeout"`
}

type Timeouts struct {
	ICEConnection  int64 `json:"iceConnection"`
	ICEGathering   int64 `json:"iceGathering"`
	PeerConnection int64 `json:"peerConnection"`
}

type ConnectionOptimizedEvent struct {
	ICEServers  []ICEServer     `json:"iceServers"`
	Timeouts    Timeouts        `json:"timeouts"`
	Constraints json.RawMessage `json:"constraints"`
}

type KeepAliveEvent struct {
	Timestamp    int64  `json:"timestamp"`
	ConnectionID string `json:"connectionId"`
}
