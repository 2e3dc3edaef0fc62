package gateway

import "encoding/json"

// Client-sent event names.
const (
	EventAuth      = "auth"
	EventJoinQueue = "join-queue"
	EventNext      = "next"
	EventLeave     = "leave"
	EventSignal    = "signal"
	EventGetStats  = "get-stats"
	EventPing      = "ping"
)

// Server-sent event names.
const (
	EventMatched        = "matched"
	EventWaiting        = "waiting"
	EventLeft           = "left"
	EventPeerLeft       = "peer-left"
	EventPeerSkipped    = "peer-skipped"
	EventStats          = "stats"
	EventPong           = "pong"
	EventError          = "error"
	EventAuthError      = "auth-error"
	EventShuttingDown   = "shutting-down"
	EventAutoDisconnect = "auto-disconnect"
)

// ClientMessage is the envelope for every client-to-server frame.
type ClientMessage struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// ServerMessage is the envelope for every server-to-client frame. When a
// frame answers a specific client frame, CorrelationID echoes the client's.
type ServerMessage struct {
	Event         string `json:"event"`
	Data          any    `json:"data,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// AuthPayload carries the bearer token for the in-band handshake.
type AuthPayload struct {
	Token string `json:"token"`
}

// JoinQueuePayload selects what the client wants to be matched for.
type JoinQueuePayload struct {
	Mode           string `json:"mode"`
	ConnectionType string `json:"connectionType"`
}

// NextPayload optionally retargets the queue before rejoining. Empty fields
// keep the client's current selection.
type NextPayload struct {
	RoomID         string `json:"roomId"`
	Mode           string `json:"mode"`
	ConnectionType string `json:"connectionType"`
}

// SignalPayload carries one WebRTC signaling message.
type SignalPayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SignalRequest is the client-to-server signal command body. RoomID and
// TargetID are advisory; the server forwards to the caller's recorded peer
// and rejects a stale RoomID.
type SignalRequest struct {
	RoomID   string        `json:"roomId"`
	TargetID string        `json:"targetId"`
	Signal   SignalPayload `json:"signal"`
}

// MatchedPayload announces a freshly minted room to both participants. The
// initiator creates the WebRTC offer.
type MatchedPayload struct {
	RoomID         string `json:"roomId"`
	PeerID         string `json:"peerId"`
	Initiator      bool   `json:"isInitiator"`
	Mode           string `json:"mode"`
	ConnectionType string `json:"connectionType"`
}

// SignalDelivery is the server-to-client shape of a relayed signal.
type SignalDelivery struct {
	Signal SignalPayload `json:"signal"`
	FromID string        `json:"fromId"`
	RoomID string        `json:"roomId"`
}

// ErrorPayload reports a failed command.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
