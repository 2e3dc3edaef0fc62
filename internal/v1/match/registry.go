package match

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/store"
)

// RoomTTL reaps inactive rooms regardless of participant state.
const RoomTTL = time.Hour

// Room is the two-participant rendezvous minted at pairing time.
type Room struct {
	ID           string
	Participants [2]string
	Intent       Intent
	Medium       Medium
	InitiatorID  string
	CreatedAt    time.Time
}

// HasParticipant reports whether the session belongs to the room.
func (r *Room) HasParticipant(sessionID string) bool {
	return r.Participants[0] == sessionID || r.Participants[1] == sessionID
}

// Peer returns the other participant of the room.
func (r *Room) Peer(sessionID string) string {
	if r.Participants[0] == sessionID {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// Registry stores room records and the session→room mapping.
// The session hash's matchId field is authoritative for "is S in a room";
// a room record missing either reverse mapping is treated as destroyed.
type Registry struct {
	store    *store.Store
	sessions *session.Authority
	now      func() time.Time
}

// NewRegistry creates a Registry over the shared store.
func NewRegistry(st *store.Store, sessions *session.Authority) *Registry {
	return &Registry{store: st, sessions: sessions, now: time.Now}
}

func roomKey(id string) string    { return "match:" + id }
func sessionKey(id string) string { return "session:" + id }

// newRoomID allocates a room identifier: creation timestamp plus a random
// suffix, collision probability negligible.
func newRoomID(now time.Time) string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(buf)
}

// Mint allocates a room for (peer, initiator), writes the room record with
// a one-hour TTL, and sets both participants' session→room mappings in one
// transaction. Fails with Conflict if either participant already has a room.
func (r *Registry) Mint(ctx context.Context, initiatorID, peerID string, intent Intent, medium Medium) (*Room, error) {
	for _, sid := range []string{initiatorID, peerID} {
		if _, inRoom, err := r.sessions.CurrentRoom(ctx, sid); err != nil {
			return nil, err
		} else if inRoom {
			return nil, errs.Newf(errs.KindConflict, "session %s already has a room", sid)
		}
	}

	now := r.now()
	room := &Room{
		ID:           newRoomID(now),
		Participants: [2]string{peerID, initiatorID},
		Intent:       intent,
		Medium:       medium,
		InitiatorID:  initiatorID,
		CreatedAt:    now,
	}

	participants, err := json.Marshal([]string{peerID, initiatorID})
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "failed to marshal participants", err)
	}

	err = r.store.TxPipelined(ctx, "mint_room", func(pipe redis.Pipeliner) error {
		key := roomKey(room.ID)
		pipe.HSet(ctx, key, map[string]any{
			"participants":   string(participants),
			"mode":           string(intent),
			"connectionType": string(medium),
			"initiatorId":    initiatorID,
			"createdAt":      strconv.FormatInt(now.UnixMilli(), 10),
		})
		pipe.Expire(ctx, key, RoomTTL)
		pipe.HSet(ctx, sessionKey(initiatorID), session.FieldMatchID, room.ID, session.FieldPeerID, peerID)
		pipe.HSet(ctx, sessionKey(peerID), session.FieldMatchID, room.ID, session.FieldPeerID, initiatorID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveRooms.Inc()
	metrics.MatchesTotal.WithLabelValues(string(intent), string(medium)).Inc()
	logging.Info(ctx, "Room minted",
		zap.String("roomId", room.ID),
		zap.String("initiator", initiatorID),
		zap.String("peer", peerID),
		zap.String("intent", string(intent)),
		zap.String("medium", string(medium)))

	return room, nil
}

// Lookup returns the room record. ok is false when the room is gone.
func (r *Registry) Lookup(ctx context.Context, roomID string) (*Room, bool, error) {
	fields, err := r.store.HGetAll(ctx, roomKey(roomID))
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	var participants []string
	if err := json.Unmarshal([]byte(fields["participants"]), &participants); err != nil || len(participants) != 2 {
		// Malformed record: tear it down lazily and report destroyed.
		logging.Warn(ctx, "Tearing down malformed room record", zap.String("roomId", roomID))
		_, _ = r.Destroy(ctx, roomID)
		return nil, false, nil
	}

	createdMs, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	return &Room{
		ID:           roomID,
		Participants: [2]string{participants[0], participants[1]},
		Intent:       Intent(fields["mode"]),
		Medium:       Medium(fields["connectionType"]),
		InitiatorID:  fields["initiatorId"],
		CreatedAt:    time.UnixMilli(createdMs),
	}, true, nil
}

// Resolve returns the session's current room identifier.
func (r *Registry) Resolve(ctx context.Context, sessionID string) (string, bool, error) {
	return r.sessions.CurrentRoom(ctx, sessionID)
}

// Authorize reports whether the session's current room equals roomID.
func (r *Registry) Authorize(ctx context.Context, sessionID, roomID string) (bool, error) {
	current, ok, err := r.sessions.CurrentRoom(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return ok && current == roomID, nil
}

// Destroy deletes the room record and both session→room mappings, and
// returns the prior participant list. Destroying a vanished room is a no-op
// returning an empty list.
func (r *Registry) Destroy(ctx context.Context, roomID string) ([]string, error) {
	fields, err := r.store.HGetAll(ctx, roomKey(roomID))
	if err != nil {
		return nil, err
	}

	var participants []string
	if raw, present := fields["participants"]; present {
		_ = json.Unmarshal([]byte(raw), &participants)
	}

	err = r.store.TxPipelined(ctx, "destroy_room", func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(roomID))
		for _, sid := range participants {
			pipe.HDel(ctx, sessionKey(sid), session.FieldMatchID, session.FieldPeerID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(fields) > 0 {
		metrics.ActiveRooms.Dec()
		logging.Info(ctx, "Room destroyed", zap.String("roomId", roomID), zap.Strings("participants", participants))
	}
	return participants, nil
}
