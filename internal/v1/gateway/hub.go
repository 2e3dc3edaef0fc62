// Package gateway owns the websocket surface: the authenticated connection
// lifecycle, the command dispatcher, and the bridge between this instance's
// sockets and the cross-instance bus.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/relay"
	"github.com/devroulette/backend/internal/v1/safety"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/stats"
	"github.com/devroulette/backend/internal/v1/store"
)

// Hub coordinates every websocket attached to this instance. Session and
// room state live in the shared store; the hub only tracks which sessions
// are wired to local connections.
type Hub struct {
	store    *store.Store
	sessions *session.Authority
	queue    *match.Queue
	registry *match.Registry
	relay    *relay.Relay
	limiter  *safety.Limiter
	stats    *stats.Service

	allowedOrigins []string

	mu       sync.Mutex
	clients  map[string]*Client
	subs     map[string]*store.Subscription
	pending  set.Set[string] // sessions with a forced disconnect in flight
	draining bool

	disconnectDelay time.Duration
}

// NewHub wires the hub to its collaborators.
func NewHub(st *store.Store, sessions *session.Authority, queue *match.Queue,
	registry *match.Registry, rel *relay.Relay, limiter *safety.Limiter,
	statsSvc *stats.Service, allowedOrigins []string) *Hub {
	return &Hub{
		store:           st,
		sessions:        sessions,
		queue:           queue,
		registry:        registry,
		relay:           rel,
		limiter:         limiter,
		stats:           statsSvc,
		allowedOrigins:  allowedOrigins,
		clients:         make(map[string]*Client),
		subs:            make(map[string]*store.Subscription),
		pending:         set.New[string](),
		disconnectDelay: safety.AutoDisconnectDelay,
	}
}

// ServeWs authenticates the session and upgrades to a websocket.
func (h *Hub) ServeWs(c *gin.Context) {
	h.mu.Lock()
	draining := h.draining
	h.mu.Unlock()
	if draining {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
		return
	}

	token := extractToken(c)
	sessionID := ""
	if token != "" {
		var err error
		sessionID, err = h.sessions.Verify(c.Request.Context(), token)
		if err != nil {
			logging.Warn(c.Request.Context(), "Websocket auth failed", zap.Error(err))
			c.JSON(errs.HTTPStatus(err), gin.H{"error": "invalid token"})
			return
		}
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	// No token on the upgrade: the first frame must be an in-band auth
	// handshake.
	if sessionID == "" {
		sessionID = h.awaitAuth(conn)
		if sessionID == "" {
			return
		}
	}

	h.attach(conn, sessionID)
}

// awaitAuth reads the first frame of an anonymous connection and expects an
// auth handshake carrying a session token. Anything else closes the socket
// with an auth-error frame. Returns the verified session id, or "".
func (h *Hub) awaitAuth(conn wsConnection) string {
	ctx := context.Background()
	_ = conn.SetReadDeadline(time.Now().Add(authWait))

	rejectAndClose := func(message string) {
		frame, _ := json.Marshal(ServerMessage{Event: EventAuthError, Data: ErrorPayload{
			Code:    string(errs.KindAuthFailure),
			Message: message,
		}})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		_ = conn.Close()
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return ""
	}

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event != EventAuth {
		metrics.GatewayEvents.WithLabelValues(EventAuth, "rejected").Inc()
		rejectAndClose("expected auth handshake")
		return ""
	}

	var payload AuthPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Token == "" {
		metrics.GatewayEvents.WithLabelValues(EventAuth, "rejected").Inc()
		rejectAndClose("token not provided")
		return ""
	}

	sessionID, err := h.sessions.Verify(ctx, payload.Token)
	if err != nil {
		logging.Warn(ctx, "Websocket auth failed", zap.Error(err))
		metrics.GatewayEvents.WithLabelValues(EventAuth, "rejected").Inc()
		rejectAndClose("invalid token")
		return ""
	}

	metrics.GatewayEvents.WithLabelValues(EventAuth, "ok").Inc()
	return sessionID
}

// attach registers a freshly upgraded connection and starts its pumps.
// A newer socket for the same session supersedes the old one.
func (h *Hub) attach(conn wsConnection, sessionID string) {
	ctx := logging.WithSessionID(context.Background(), sessionID)
	socketID := uuid.NewString()

	client := newClient(h, conn, sessionID, socketID)

	if err := h.sessions.BindSocket(ctx, sessionID, socketID); err != nil {
		logging.Error(ctx, "Failed to bind socket", zap.Error(err))
		client.SendError("", "store_unavailable", "session unavailable")
		_ = conn.Close()
		return
	}

	sub := h.store.Subscribe(ctx, relay.UserTopic(sessionID), func(env store.Envelope) {
		h.onBusEvent(sessionID, env)
	})

	h.mu.Lock()
	if old, ok := h.clients[sessionID]; ok {
		old.Disconnect()
	}
	if oldSub, ok := h.subs[sessionID]; ok {
		_ = oldSub.Close()
	}
	h.clients[sessionID] = client
	h.subs[sessionID] = sub
	h.mu.Unlock()

	_ = h.sessions.Touch(ctx, sessionID)
	h.stats.RecordConnect(ctx)
	metrics.IncConnection()
	logging.Info(ctx, "Websocket attached", zap.String("socketId", socketID))

	go client.writePump()
	go client.readPump()
}

// detach runs when a connection's readPump exits. The socket release is
// conditional: if the session already rebound to a newer socket, this
// connection's death must not tear down the new one's state.
func (h *Hub) detach(c *Client) {
	ctx := logging.WithSessionID(context.Background(), c.sessionID)
	c.Disconnect()

	h.mu.Lock()
	if h.clients[c.sessionID] == c {
		delete(h.clients, c.sessionID)
		if sub, ok := h.subs[c.sessionID]; ok {
			_ = sub.Close()
			delete(h.subs, c.sessionID)
		}
		// A stale socket's late detach must not clear a forced
		// disconnect scheduled against the live one.
		h.pending.Delete(c.sessionID)
	}
	h.mu.Unlock()

	released, err := h.sessions.ReleaseSocket(ctx, c.sessionID, c.socketID)
	if err != nil {
		logging.Warn(ctx, "Failed to release socket", zap.Error(err))
	}
	h.stats.RecordDisconnect(ctx)

	if !released {
		logging.Info(ctx, "Stale socket detached, session rebound elsewhere")
		return
	}

	if err := h.queue.Withdraw(ctx, c.sessionID); err != nil {
		logging.Warn(ctx, "Failed to withdraw on detach", zap.Error(err))
	}
	if roomID, peerID, ok := c.room(); ok {
		h.teardownRoom(ctx, c, roomID, peerID, EventPeerLeft)
	}
	logging.Info(ctx, "Websocket detached")
}

// touch refreshes the session's liveness marker; called from the pong
// handler and the ping command.
func (h *Hub) touch(c *Client) {
	ctx := logging.WithSessionID(context.Background(), c.sessionID)
	if err := h.sessions.Touch(ctx, c.sessionID); err != nil {
		logging.Warn(ctx, "Failed to touch session", zap.Error(err))
	}
}

// teardownRoom destroys the client's room and tells the abandoned peer why
// over its topic. The peer's own instance decides what to do next.
func (h *Hub) teardownRoom(ctx context.Context, c *Client, roomID, peerID, peerEvent string) {
	if _, err := h.registry.Destroy(ctx, roomID); err != nil {
		logging.Warn(ctx, "Failed to destroy room", zap.String("roomId", roomID), zap.Error(err))
	}
	h.stats.RecordRoomClosed(ctx)
	c.clearPairing(StateIdle)

	if peerID != "" {
		if err := h.store.Publish(ctx, relay.UserTopic(peerID), peerEvent,
			map[string]string{"roomId": roomID}, c.sessionID); err != nil {
			logging.Warn(ctx, "Failed to notify peer", zap.String("peer", peerID), zap.Error(err))
		}
	}
}

// onBusEvent routes a topic envelope to the locally attached client, if the
// session is still attached here.
func (h *Hub) onBusEvent(sessionID string, env store.Envelope) {
	h.mu.Lock()
	client, ok := h.clients[sessionID]
	h.mu.Unlock()
	if !ok || client.closed() {
		return
	}

	ctx := logging.WithSessionID(context.Background(), sessionID)

	switch env.Event {
	case "signal":
		var delivery relay.Delivery
		if err := json.Unmarshal(env.Payload, &delivery); err != nil {
			logging.Warn(ctx, "Malformed signal on bus", zap.Error(err))
			return
		}
		client.Send(ServerMessage{Event: EventSignal, Data: SignalDelivery{
			Signal: SignalPayload{Type: delivery.Signal.Type, Payload: delivery.Signal.Payload},
			FromID: delivery.FromID,
			RoomID: delivery.RoomID,
		}})

	case "matched":
		var payload MatchedPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			logging.Warn(ctx, "Malformed match on bus", zap.Error(err))
			return
		}
		client.setPaired(payload.RoomID, payload.PeerID)
		client.Send(ServerMessage{Event: EventMatched, Data: payload})

	case EventPeerLeft, EventPeerSkipped:
		client.clearPairing(StateIdle)
		client.Send(ServerMessage{Event: env.Event})
		h.rematch(ctx, client)

	case "auto-disconnect":
		h.forceDisconnect(ctx, client)
	}
}

// rematch puts an abandoned client back into its last selected queue so the
// conversation carousel keeps turning without a round trip to the client.
func (h *Hub) rematch(ctx context.Context, c *Client) {
	intent, medium := c.selection()
	if intent == "" || medium == "" {
		return
	}
	c.setState(StateQueued)
	h.enqueue(ctx, c, intent, medium, "")
}

// forceDisconnect warns the client, then tears it down after a short grace
// period. Used when the safety layer crosses its report threshold.
func (h *Hub) forceDisconnect(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.pending.Has(c.sessionID) {
		h.mu.Unlock()
		return
	}
	h.pending.Insert(c.sessionID)
	h.mu.Unlock()

	logging.Info(ctx, "Forced disconnect scheduled", zap.Duration("delay", h.disconnectDelay))
	c.Send(ServerMessage{Event: EventAutoDisconnect, Data: map[string]any{
		"reason":       "multiple reports received",
		"disconnectIn": h.disconnectDelay.Milliseconds(),
	}})

	time.AfterFunc(h.disconnectDelay, func() {
		// The session may have rebound to a fresh socket during the
		// grace period; act on whichever client is current now.
		h.mu.Lock()
		cur, ok := h.clients[c.sessionID]
		h.mu.Unlock()
		if !ok {
			return
		}
		if roomID, peerID, paired := cur.room(); paired {
			h.teardownRoom(ctx, cur, roomID, peerID, EventPeerLeft)
		}
		_ = h.queue.Withdraw(ctx, cur.sessionID)
		cur.setState(StateTearingDown)
		cur.Disconnect()
		metrics.AutoDisconnects.Inc()
	})
}

// Shutdown stops accepting sockets, tells attached clients to reconnect
// elsewhere, and closes everything down.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	subs := make([]*store.Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*store.Subscription)
	h.mu.Unlock()

	logging.Info(ctx, "Draining websocket connections", zap.Int("count", len(clients)))
	for _, c := range clients {
		c.Send(ServerMessage{Event: EventShuttingDown})
	}

	// Give the write pumps a moment to flush the notice.
	time.Sleep(100 * time.Millisecond)

	for _, c := range clients {
		c.setState(StateTearingDown)
		c.Disconnect()
	}
	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// ClientCount reports how many sockets are attached to this instance.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// extractToken pulls the session token from the query string or the
// Sec-WebSocket-Protocol header (browsers cannot set arbitrary headers on
// websocket upgrades).
func extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	for _, part := range strings.Split(headerVal, ",") {
		part = strings.TrimSpace(part)
		if part != "" && part != "access_token" {
			return part
		}
	}
	return ""
}

// validateOrigin checks the Origin header against the allow-list. Requests
// without an Origin header are allowed; they are not from browsers.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return errs.Newf(errs.KindNotAuthorized, "invalid origin %q", origin)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return errs.Newf(errs.KindNotAuthorized, "origin %q not allowed", origin)
}
