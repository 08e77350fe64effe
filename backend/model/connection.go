package model

import (
	"encoding/json"
	"time"
)

type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

const (
	poorRTTThreshold = time.Second
	fairRTTThreshold = 500 * time.Millisecond
)

func QualityFromRTT(rtt time.Duration) Quality {
	switch {
	case rtt > poorRTTThreshold:
		return QualityPoor
	case rtt > fairRTTThreshold:
		return QualityFair
	default:
		return QualityGood
	}
}

// Connection is the diagnostic record of a single duplex channel.
type Connection struct {
	ID          string          `json:"id"`
	RemoteAddr  string          `json:"remoteAddr"`
	UserAgent   string          `json:"userAgent"`
	Mobile      bool            `json:"mobile"`
	ConnectedAt time.Time       `json:"connectedAt"`
	LastSeen    time.Time       `json:"lastSeen"`
	RTT         time.Duration   `json:"rtt"`
	Quality     Quality         `json:"quality"`
	Details     json.RawMessage `json:"details,omitempty"`
	RoomID      string          `json:"roomId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Reconnects  int             `json:"reconnects"`
}

type ConnectionStats struct {
	Total   int
	Mobile  int
	Quality map[string]Quality
}

// ConnInfo describes a freshly accepted duplex channel.
type ConnInfo struct {
	ID         string
	RemoteAddr string
	UserAgent  string
}
