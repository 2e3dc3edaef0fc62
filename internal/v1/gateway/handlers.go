package gateway

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/relay"
)

// dispatch routes one client frame. It runs on the client's reader
// goroutine, so per-connection command handling is serial.
func (h *Hub) dispatch(c *Client, msg ClientMessage) {
	ctx := logging.WithSessionID(context.Background(), c.sessionID)
	start := time.Now()

	if !h.limiter.Allow(ctx, "default", c.sessionID, h.limiter.Default) {
		metrics.RateLimitExceeded.WithLabelValues("default").Inc()
		c.SendError(msg.CorrelationID, "rate_limited", "too many commands")
		return
	}

	var err error
	switch msg.Event {
	case EventJoinQueue:
		err = h.handleJoinQueue(ctx, c, msg)
	case EventNext:
		err = h.handleNext(ctx, c, msg)
	case EventLeave:
		err = h.handleLeave(ctx, c, msg)
	case EventSignal:
		err = h.handleSignal(ctx, c, msg)
	case EventGetStats:
		err = h.handleGetStats(ctx, c, msg)
	case EventPing:
		h.touch(c)
		c.Send(ServerMessage{Event: EventPong, CorrelationID: msg.CorrelationID})
	case EventAuth:
		err = errs.New(errs.KindConflict, "already authenticated")
	default:
		err = errs.Newf(errs.KindInvalidArgument, "unknown event %q", msg.Event)
	}

	status := "ok"
	if err != nil {
		status = "error"
		logging.Warn(ctx, "Command failed", zap.String("event", msg.Event), zap.Error(err))
		if errs.KindOf(err) == errs.KindAuthFailure {
			c.Send(ServerMessage{
				Event:         EventAuthError,
				Data:          ErrorPayload{Code: string(errs.KindAuthFailure), Message: err.Error()},
				CorrelationID: msg.CorrelationID,
			})
			c.Disconnect()
		} else {
			c.SendError(msg.CorrelationID, string(errs.KindOf(err)), err.Error())
		}
	}
	metrics.GatewayEvents.WithLabelValues(msg.Event, status).Inc()
	metrics.CommandDuration.WithLabelValues(msg.Event).Observe(time.Since(start).Seconds())
}

// handleJoinQueue moves an idle client into a waiting queue, or pairs it
// immediately when a live candidate exists.
func (h *Hub) handleJoinQueue(ctx context.Context, c *Client, msg ClientMessage) error {
	if s := c.State(); s == StatePaired || s == StateTearingDown {
		return errs.Newf(errs.KindConflict, "cannot join queue while %s", s)
	}

	var payload JoinQueuePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "malformed join-queue payload", err)
	}
	intent, err := match.ParseIntent(payload.Mode)
	if err != nil {
		return err
	}
	medium, err := match.ParseMedium(payload.ConnectionType)
	if err != nil {
		return err
	}

	// A repeated join with a different mode must not leave the session in
	// two queues.
	if c.State() == StateQueued {
		if err := h.queue.Withdraw(ctx, c.sessionID); err != nil {
			return err
		}
	}

	c.setSelection(intent, medium)
	h.enqueue(ctx, c, intent, medium, msg.CorrelationID)
	return nil
}

// enqueue runs the pairing attempt and reports the outcome to this client
// and, on a match, to the peer's topic.
func (h *Hub) enqueue(ctx context.Context, c *Client, intent match.Intent, medium match.Medium, correlationID string) {
	out, err := h.queue.Enqueue(ctx, c.sessionID, intent, medium)
	if err != nil {
		c.SendError(correlationID, string(errs.KindOf(err)), err.Error())
		return
	}

	if !out.Matched {
		c.setState(StateQueued)
		c.Send(ServerMessage{Event: EventWaiting, CorrelationID: correlationID})
		return
	}

	room := out.Room
	c.setPaired(room.ID, out.PeerID)
	h.stats.RecordMatch(ctx, room.Intent)

	c.Send(ServerMessage{
		Event: EventMatched,
		Data: MatchedPayload{
			RoomID:         room.ID,
			PeerID:         out.PeerID,
			Initiator:      out.Initiator,
			Mode:           string(intent),
			ConnectionType: string(medium),
		},
		CorrelationID: correlationID,
	})

	// The candidate may be attached to any instance; its hub picks this up
	// off its topic.
	peerPayload := MatchedPayload{
		RoomID:         room.ID,
		PeerID:         c.sessionID,
		Initiator:      !out.Initiator,
		Mode:           string(room.Intent),
		ConnectionType: string(room.Medium),
	}
	if err := h.store.Publish(ctx, relay.UserTopic(out.PeerID), "matched", peerPayload, c.sessionID); err != nil {
		logging.Error(ctx, "Failed to announce match to peer",
			zap.String("peer", out.PeerID), zap.Error(err))
	}
	logging.Info(logging.WithRoomID(ctx, room.ID), "Matched",
		zap.String("peer", out.PeerID), zap.String("queue", match.QueueKey(intent, medium)))
}

// handleNext skips the current conversation and immediately requeues the
// client. The abandoned peer is requeued by its own instance.
func (h *Hub) handleNext(ctx context.Context, c *Client, msg ClientMessage) error {
	roomID, peerID, paired := c.room()
	if paired {
		h.teardownRoom(logging.WithRoomID(ctx, roomID), c, roomID, peerID, EventPeerSkipped)
	}

	// An optional payload retargets the queue before rejoining.
	if len(msg.Data) > 0 {
		var payload NextPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return errs.Wrap(errs.KindInvalidArgument, "malformed next payload", err)
		}
		if payload.Mode != "" || payload.ConnectionType != "" {
			intent, err := match.ParseIntent(payload.Mode)
			if err != nil {
				return err
			}
			medium, err := match.ParseMedium(payload.ConnectionType)
			if err != nil {
				return err
			}
			c.setSelection(intent, medium)
		}
	}

	intent, medium := c.selection()
	if intent == "" || medium == "" {
		return errs.New(errs.KindConflict, "no queue selection to rejoin")
	}
	if err := h.queue.Withdraw(ctx, c.sessionID); err != nil {
		return err
	}
	h.enqueue(ctx, c, intent, medium, msg.CorrelationID)
	return nil
}

// handleLeave exits the room or the queue and returns the client to idle.
func (h *Hub) handleLeave(ctx context.Context, c *Client, msg ClientMessage) error {
	roomID, peerID, paired := c.room()
	if paired {
		h.teardownRoom(logging.WithRoomID(ctx, roomID), c, roomID, peerID, EventPeerLeft)
	} else if err := h.queue.Withdraw(ctx, c.sessionID); err != nil {
		return err
	}

	c.clearPairing(StateIdle)
	c.Send(ServerMessage{Event: EventLeft, CorrelationID: msg.CorrelationID})
	return nil
}

// handleSignal forwards one WebRTC signaling message to the room peer.
func (h *Hub) handleSignal(ctx context.Context, c *Client, msg ClientMessage) error {
	roomID, peerID, paired := c.room()
	if !paired {
		return errs.New(errs.KindConflict, "not in a room")
	}

	if !h.limiter.Allow(ctx, "signal", c.sessionID, h.limiter.Signaling) {
		metrics.RateLimitExceeded.WithLabelValues("signal").Inc()
		return errs.New(errs.KindRateLimited, "signaling too fast")
	}

	var req SignalRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return errs.Wrap(errs.KindInvalidArgument, "malformed signal payload", err)
	}
	// Clients echo the room they believe they are in; a mismatch means the
	// signal raced a teardown and must not leak into the new room.
	if req.RoomID != "" && req.RoomID != roomID {
		return errs.Newf(errs.KindConflict, "room %s is gone", req.RoomID)
	}

	err := h.relay.Forward(logging.WithRoomID(ctx, roomID), c.sessionID, roomID, peerID,
		relay.Envelope{Type: req.Signal.Type, Payload: req.Signal.Payload})
	if errs.KindOf(err) == errs.KindNotAuthorized {
		// The peer tore the room down while this signal was in flight;
		// the sender hears about it via peer-left, not an error frame.
		logging.Debug(ctx, "Dropped signal for vanished room", zap.String("roomId", roomID))
		return nil
	}
	return err
}

// handleGetStats returns the aggregate service snapshot.
func (h *Hub) handleGetStats(ctx context.Context, c *Client, msg ClientMessage) error {
	snap, err := h.stats.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.Send(ServerMessage{Event: EventStats, Data: snap, CorrelationID: msg.CorrelationID})
	return nil
}
