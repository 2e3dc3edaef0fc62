package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/metrics"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so the peer has a chance
	// to answer.
	pingPeriod = 25 * time.Second

	// maxFrameBytes bounds inbound frames; signal payloads are capped
	// tighter by the relay.
	maxFrameBytes = 32 * 1024

	// authWait bounds how long an anonymous connection may take to send
	// its auth handshake.
	authWait = 10 * time.Second

	sendBuffer = 64
)

// State tracks where a connection is in its lifecycle. Transitions are
// driven by commands on the reader goroutine and by bus events.
type State int

const (
	StateIdle State = iota
	StateQueued
	StatePaired
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StatePaired:
		return "paired"
	case StateTearingDown:
		return "tearing-down"
	default:
		return "unknown"
	}
}

// wsConnection is the subset of *websocket.Conn the client needs; tests
// substitute a mock.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one authenticated websocket attached to a session.
type Client struct {
	hub       *Hub
	conn      wsConnection
	sessionID string
	socketID  string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	state  State
	roomID string
	peerID string
	intent match.Intent
	medium match.Medium
}

func newClient(hub *Hub, conn wsConnection, sessionID, socketID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		socketID:  socketID,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// room returns the current pairing, if any.
func (c *Client) room() (roomID, peerID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.peerID, c.state == StatePaired
}

func (c *Client) setPaired(roomID, peerID string) {
	c.mu.Lock()
	c.state = StatePaired
	c.roomID = roomID
	c.peerID = peerID
	c.mu.Unlock()
}

func (c *Client) clearPairing(next State) {
	c.mu.Lock()
	c.state = next
	c.roomID = ""
	c.peerID = ""
	c.mu.Unlock()
}

func (c *Client) setSelection(intent match.Intent, medium match.Medium) {
	c.mu.Lock()
	c.intent = intent
	c.medium = medium
	c.mu.Unlock()
}

func (c *Client) selection() (match.Intent, match.Medium) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intent, c.medium
}

// Send queues a server message; frames to a slow or closed connection are
// dropped rather than blocking the caller.
func (c *Client) Send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal server message", zap.Error(err))
		return
	}

	// A concurrent Disconnect can close the channel between the done check
	// and the send.
	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "Dropped frame for closing connection",
				zap.String("sessionId", c.sessionID), zap.String("event", msg.Event))
		}
	}()

	select {
	case <-c.done:
	default:
		select {
		case c.send <- data:
		default:
			logging.Warn(context.Background(), "Send buffer full, dropping frame",
				zap.String("sessionId", c.sessionID),
				zap.String("event", msg.Event))
		}
	}
}

// SendError reports a failed command back to the client.
func (c *Client) SendError(correlationID, code, message string) {
	c.Send(ServerMessage{
		Event:         EventError,
		Data:          ErrorPayload{Code: code, Message: message},
		CorrelationID: correlationID,
	})
}

// Disconnect closes the send channel, which makes writePump emit a close
// frame and tear the connection down. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.send)
	})
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// readPump owns the read side of the connection. It exits on read error
// and triggers detach.
func (c *Client) readPump() {
	defer func() {
		c.hub.detach(c)
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.touch(c)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			metrics.GatewayEvents.WithLabelValues("malformed", "rejected").Inc()
			c.SendError("", "invalid_argument", "malformed frame")
			continue
		}

		c.hub.dispatch(c, msg)
	}
}

// writePump owns the write side of the connection and the keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
