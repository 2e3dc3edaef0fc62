// Package relay forwards WebRTC control messages between the two
// participants of a room. The relay never interprets signal contents; it
// only enforces room membership and a payload size cap.
package relay

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/store"
)

// MaxPayloadBytes caps a single signal payload (16 KiB).
const MaxPayloadBytes = 16 * 1024

// Envelope is a typed WebRTC control message with an opaque payload.
type Envelope struct {
	Type    string          `json:"type"` // offer | answer | ice-candidate
	Payload json.RawMessage `json:"payload"`
}

// Delivery is what the target's gateway instance emits to its client.
type Delivery struct {
	Signal Envelope `json:"signal"`
	FromID string   `json:"fromId"`
	RoomID string   `json:"roomId"`
}

var validTypes = map[string]bool{
	"offer":         true,
	"answer":        true,
	"ice-candidate": true,
}

// Relay delivers envelopes across instances through per-session topics.
type Relay struct {
	store    *store.Store
	registry *match.Registry
}

// New creates a Relay.
func New(st *store.Store, registry *match.Registry) *Relay {
	return &Relay{store: st, registry: registry}
}

// UserTopic is the pub/sub topic on which a session's gateway instance
// listens for events addressed to it.
func UserTopic(sessionID string) string {
	return "user:" + sessionID
}

// Forward validates and delivers an envelope from source to target within
// room. Delivery is best-effort, at-most-once; WebRTC itself re-sends
// semantically equivalent signals.
func (r *Relay) Forward(ctx context.Context, sourceID, roomID, targetID string, env Envelope) error {
	if !validTypes[env.Type] {
		metrics.SignalsRelayed.WithLabelValues(env.Type, "invalid").Inc()
		return errs.Newf(errs.KindInvalidArgument, "unknown signal type %q", env.Type)
	}
	if len(env.Payload) > MaxPayloadBytes {
		metrics.SignalsRelayed.WithLabelValues(env.Type, "too_large").Inc()
		return errs.Newf(errs.KindInvalidArgument, "signal payload exceeds %d bytes", MaxPayloadBytes)
	}

	for _, sid := range []string{sourceID, targetID} {
		ok, err := r.registry.Authorize(ctx, sid, roomID)
		if err != nil {
			return err
		}
		if !ok {
			// Covers the leave–signal race: the room vanished underneath a
			// concurrent sender. The caller drops the signal silently.
			metrics.SignalsRelayed.WithLabelValues(env.Type, "unauthorized").Inc()
			return errs.Newf(errs.KindNotAuthorized, "session %s is not in room %s", sid, roomID)
		}
	}

	err := r.store.Publish(ctx, UserTopic(targetID), "signal", Delivery{
		Signal: env,
		FromID: sourceID,
		RoomID: roomID,
	}, sourceID)
	if err != nil {
		metrics.SignalsRelayed.WithLabelValues(env.Type, "error").Inc()
		return err
	}

	metrics.SignalsRelayed.WithLabelValues(env.Type, "relayed").Inc()
	logging.Debug(ctx, "Signal relayed",
		zap.String("type", env.Type),
		zap.String("from", sourceID),
		zap.String("to", targetID),
		zap.String("roomId", roomID))
	return nil
}
