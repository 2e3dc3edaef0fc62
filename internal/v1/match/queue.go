package match

import (
	"context"

	"go.uber.org/zap"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/logging"
	"github.com/devroulette/backend/internal/v1/metrics"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/store"
)

// MaxScan bounds the number of candidates a single pair call pops before
// giving up and letting the caller wait.
const MaxScan = 50

// Outcome is the result of an enqueue attempt.
type Outcome struct {
	Matched   bool
	Room      *Room
	PeerID    string
	Initiator bool
}

// Queue is the distributed pairing engine: a FIFO waiting list per
// (intent, medium) pair, shared by every service instance through the store.
type Queue struct {
	store    *store.Store
	sessions *session.Authority
	registry *Registry
}

// NewQueue creates a Queue over the shared store.
func NewQueue(st *store.Store, sessions *session.Authority, registry *Registry) *Queue {
	return &Queue{store: st, sessions: sessions, registry: registry}
}

// Enqueue attempts to pair the session; when no peer is available it appends
// the session to its own (intent, medium) queue. Callers must Withdraw the
// session first on mode transitions so it never sits in two queues.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, intent Intent, medium Medium) (Outcome, error) {
	if _, inRoom, err := q.sessions.CurrentRoom(ctx, sessionID); err != nil {
		return Outcome{}, err
	} else if inRoom {
		return Outcome{}, errs.New(errs.KindConflict, "session already has a room")
	}

	room, peer, err := q.Pair(ctx, sessionID, intent, medium)
	if err != nil {
		return Outcome{}, err
	}
	if room != nil {
		return Outcome{Matched: true, Room: room, PeerID: peer, Initiator: true}, nil
	}

	key := QueueKey(intent, medium)
	if err := q.store.RPush(ctx, key, sessionID); err != nil {
		return Outcome{}, err
	}
	if err := q.sessions.SetFields(ctx, sessionID, map[string]any{
		session.FieldInQueue:        key,
		session.FieldSelectedMode:   string(intent),
		session.FieldConnectionType: string(medium),
	}); err != nil {
		return Outcome{}, err
	}

	q.observeDepth(ctx, intent, medium)
	logging.Debug(ctx, "Session waiting", zap.String("queue", key))
	return Outcome{Matched: false}, nil
}

// Pair scans the complementary queue for a live candidate. Candidates are
// removed with an atomic pop-left; a popped candidate that fails the
// liveness or room check is simply discarded. On success a room is minted
// with the caller as initiator and the candidate is returned.
func (q *Queue) Pair(ctx context.Context, sessionID string, intent Intent, medium Medium) (*Room, string, error) {
	targetKey := QueueKey(intent.Target(), medium)

	for i := 0; i < MaxScan; i++ {
		candidate, ok, err := q.store.LPop(ctx, targetKey)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", nil // queue exhausted
		}
		if candidate == sessionID {
			continue
		}

		live, err := q.sessions.IsLive(ctx, candidate)
		if err != nil {
			return nil, "", err
		}
		if !live {
			metrics.StaleCandidatesTotal.Inc()
			logging.Debug(ctx, "Discarding stale queue entry",
				zap.String("candidate", candidate), zap.String("queue", targetKey))
			continue
		}

		if _, inRoom, err := q.sessions.CurrentRoom(ctx, candidate); err != nil {
			return nil, "", err
		} else if inRoom {
			continue
		}

		room, err := q.registry.Mint(ctx, sessionID, candidate, intent, medium)
		if err != nil {
			if errs.KindOf(err) == errs.KindConflict {
				// Candidate acquired a room between the pop and the claim.
				continue
			}
			return nil, "", err
		}

		if err := q.sessions.ClearFields(ctx, candidate, session.FieldInQueue); err != nil {
			logging.Warn(ctx, "Failed to clear candidate queue marker", zap.Error(err))
		}
		q.observeDepth(ctx, intent.Target(), medium)
		return room, candidate, nil
	}

	logging.Warn(ctx, "Pair scan hit candidate ceiling", zap.String("queue", targetKey))
	return nil, "", nil
}

// Withdraw removes the session from every queue it may be in. A session can
// be in at most one, but duplicates are tolerated and all are removed.
// Idempotent.
func (q *Queue) Withdraw(ctx context.Context, sessionID string) error {
	var firstErr error
	for _, intent := range Intents {
		for _, medium := range Media {
			removed, err := q.store.LRem(ctx, QueueKey(intent, medium), sessionID)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if removed > 0 {
				q.observeDepth(ctx, intent, medium)
			}
		}
	}
	if err := q.sessions.ClearFields(ctx, sessionID, session.FieldInQueue); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Depth returns the current length of one waiting queue.
func (q *Queue) Depth(ctx context.Context, intent Intent, medium Medium) (int64, error) {
	return q.store.LLen(ctx, QueueKey(intent, medium))
}

// Depths returns every queue's length keyed by "<intent>:<medium>".
func (q *Queue) Depths(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(Intents)*len(Media))
	for _, intent := range Intents {
		for _, medium := range Media {
			n, err := q.store.LLen(ctx, QueueKey(intent, medium))
			if err != nil {
				return nil, err
			}
			out[string(intent)+":"+string(medium)] = n
		}
	}
	return out, nil
}

func (q *Queue) observeDepth(ctx context.Context, intent Intent, medium Medium) {
	if n, err := q.store.LLen(ctx, QueueKey(intent, medium)); err == nil {
		metrics.QueueDepth.WithLabelValues(string(intent), string(medium)).Set(float64(n))
	}
}
