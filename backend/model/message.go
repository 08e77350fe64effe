package model

import (
	"encoding/json"
)

const defaultWireQueueSize = 256

// Events sent by clients.
const (
	EventJoinRoom                = "join-room"
	EventRejoinRoom              = "rejoin-room"
	EventLeaveRoom               = "leave-room"
	EventEndConversation         = "end-conversation"
	EventUserLeaving             = "user-leaving"
	EventOffer                   = "offer"
	EventAnswer                  = "answer"
	EventICECandidate            = "ice-candidate"
	EventICERestartRequest       = "ice-restart-request"
	EventChatMessage             = "chat-message"
	EventRemoteAudioToggle       = "remote-audio-toggle"
	EventCheckRoom               = "check-room"
	EventPing                    = "ping"
	EventConnectionQualityReport = "connection-quality-report"
	EventConnectionHealthCheck   = "connection-health-check"
)

// Events sent by server.
const (
	EventAck                      = "ack"
	EventError                    = "error"
	EventUserConnected            = "user-connected"
	EventUserReconnected          = "user-reconnected"
	EventUserDisconnected         = "user-disconnected"
	EventMobileUserDisconnected   = "mobile-user-disconnected"
	EventUserLeft                 = "user-left"
	EventExistingUsers            = "existing-users"
	EventConversationEnded        = "conversation-ended"
	EventRedirectToLounge         = "redirect-to-lounge"
	EventRoomNotFound             = "room-not-found"
	EventMessageDelivered         = "message-delivered"
	EventICERestartRequired       = "ice-restart-required"
	EventPong                     = "pong"
	EventPartnerConnectionQuality = "partner-connection-quality"
	EventConnectionHealthResponse = "connection-health-response"
	EventConnectionOptimization   = "connection-optimization"
	EventConnectionOptimized      = "connection-optimized"
	EventMobileKeepAlive          = "mobile-keep-alive"
	EventServerShutdown           = "server-shutdown"
)

// Message is the envelope of every frame on the duplex channel.
// A non-zero Ack on an inbound message asks the server to answer with an ack frame carrying the same id.
type Message struct {
	Type    string          `json:"type"`
	Ack     uint64          `json:"ack,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewMessage(typ string, payload any) (Message, error) {
	msg := Message{Type: typ}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return msg, err
	}
	msg.Payload = b
	return msg, nil
}

// Wire connects a transport session to the service.
// RX carries inbound messages, TX is a buffered outbound queue.
type Wire struct {
	ID string
	RX chan Message
	TX chan Message
}

func NewWire(id string) Wire {
	return Wire{
		ID: id,
		RX: make(chan Message),
		TX: make(chan Message, defaultWireQueueSize),
	}
}

type SessionState int

const (
	StateDisconnected SessionState = iota
	StateJoining
	StateJoined
	StateReconnecting
	StateLeaving
	StateEnded
)

func (s SessionState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateLeaving:
		return "leaving"
	case StateEnded:
		return "ended"
	default:
		return "disconnected"
	}
}
