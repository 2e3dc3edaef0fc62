package match

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/session"
)

func newTestQueue(t *testing.T) (*Queue, *Registry, *session.Authority) {
	t.Helper()
	reg, sessions, _ := newTestRegistry(t)
	return NewQueue(reg.store, sessions, reg), reg, sessions
}

func TestEnqueue_FirstCallerWaits(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)

	out, err := q.Enqueue(ctx, a, IntentCasual, MediumChat)
	require.NoError(t, err)
	assert.False(t, out.Matched)

	depth, err := q.Depth(ctx, IntentCasual, MediumChat)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueue_SymmetricPairing(t *testing.T) {
	q, reg, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	out, err := q.Enqueue(ctx, a, IntentCasual, MediumChat)
	require.NoError(t, err)
	require.False(t, out.Matched)

	out, err = q.Enqueue(ctx, b, IntentCasual, MediumChat)
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, a, out.PeerID)
	assert.True(t, out.Initiator, "the popping side creates the offer")
	assert.Equal(t, b, out.Room.InitiatorID)

	// Both mappings point at the same room
	roomA, okA, err := reg.Resolve(ctx, a)
	require.NoError(t, err)
	roomB, okB, err := reg.Resolve(ctx, b)
	require.NoError(t, err)
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Equal(t, roomA, roomB)
	assert.Equal(t, out.Room.ID, roomA)

	// The popped queue is drained
	depth, err := q.Depth(ctx, IntentCasual, MediumChat)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestEnqueue_CrossIntentPairing(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	out, err := q.Enqueue(ctx, a, IntentHire, MediumVideo)
	require.NoError(t, err)
	require.False(t, out.Matched)

	out, err = q.Enqueue(ctx, b, IntentFreelance, MediumVideo)
	require.NoError(t, err)
	require.True(t, out.Matched, "freelance must draw from the hire queue")
	assert.Equal(t, a, out.PeerID)
}

func TestEnqueue_HireDoesNotSelfPair(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	out, err := q.Enqueue(ctx, a, IntentHire, MediumVideo)
	require.NoError(t, err)
	require.False(t, out.Matched)

	// hire + hire does not match; b waits in its own queue
	out, err = q.Enqueue(ctx, b, IntentHire, MediumVideo)
	require.NoError(t, err)
	assert.False(t, out.Matched)

	depth, err := q.Depth(ctx, IntentHire, MediumVideo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestEnqueue_MediaDoNotMix(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	out, err := q.Enqueue(ctx, a, IntentCasual, MediumVideo)
	require.NoError(t, err)
	require.False(t, out.Matched)

	out, err = q.Enqueue(ctx, b, IntentCasual, MediumChat)
	require.NoError(t, err)
	assert.False(t, out.Matched, "video and chat queues are distinct")
}

func TestEnqueue_FIFOOrder(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)
	c := issueSession(t, sessions)

	for _, sid := range []string{a, b} {
		out, err := q.Enqueue(ctx, sid, IntentReview, MediumChat)
		require.NoError(t, err)
		require.False(t, out.Matched)
	}

	// The longest-waiting live session wins
	out, err := q.Enqueue(ctx, c, IntentReview, MediumChat)
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, a, out.PeerID)
}

func TestEnqueue_ConflictWhenAlreadyInRoom(t *testing.T) {
	q, reg, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	_, err := reg.Mint(ctx, b, a, IntentCasual, MediumChat)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, a, IntentCasual, MediumChat)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestPair_StaleCandidateSkipped(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)
	c := issueSession(t, sessions)
	d := issueSession(t, sessions)

	for _, sid := range []string{a, b, c} {
		out, err := q.Enqueue(ctx, sid, IntentCasual, MediumChat)
		require.NoError(t, err)
		require.False(t, out.Matched)
	}

	// A's liveness lapses
	stale := strconv.FormatInt(time.Now().Add(-time.Minute).UnixMilli(), 10)
	require.NoError(t, sessions.SetFields(ctx, a, map[string]any{session.FieldLastSeen: stale}))

	out, err := q.Enqueue(ctx, d, IntentCasual, MediumChat)
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, b, out.PeerID, "stale head is discarded, next live entry wins")

	// A was consumed by the scan; only C remains
	rest, err := q.store.LRange(ctx, QueueKey(IntentCasual, MediumChat), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{c}, rest)
}

func TestPair_OccupiedCandidateSkipped(t *testing.T) {
	q, reg, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)
	c := issueSession(t, sessions)
	d := issueSession(t, sessions)

	for _, sid := range []string{a, b} {
		out, err := q.Enqueue(ctx, sid, IntentCasual, MediumChat)
		require.NoError(t, err)
		require.False(t, out.Matched)
	}

	// A acquires a room after enqueueing (queue–room race)
	_, err := reg.Mint(ctx, c, a, IntentCasual, MediumChat)
	require.NoError(t, err)

	out, err := q.Enqueue(ctx, d, IntentCasual, MediumChat)
	require.NoError(t, err)
	require.True(t, out.Matched)
	assert.Equal(t, b, out.PeerID)
}

func TestPair_ScanBounded(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	// 60 entries, all pointing at vanished sessions
	key := QueueKey(IntentCasual, MediumChat)
	for i := 0; i < 60; i++ {
		require.NoError(t, q.store.RPush(ctx, key, "ghost-"+strconv.Itoa(i)))
	}

	d := issueSession(t, sessions)
	out, err := q.Enqueue(ctx, d, IntentCasual, MediumChat)
	require.NoError(t, err)
	assert.False(t, out.Matched, "scan terminates even when every entry is stale")

	// Exactly MaxScan ghosts were consumed; the caller was appended
	rest, err := q.store.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Len(t, rest, 60-MaxScan+1)
	assert.Equal(t, d, rest[len(rest)-1])
}

func TestWithdraw(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)

	before, err := q.Depth(ctx, IntentCollab, MediumVideo)
	require.NoError(t, err)

	out, err := q.Enqueue(ctx, a, IntentCollab, MediumVideo)
	require.NoError(t, err)
	require.False(t, out.Matched)

	// enqueue followed by withdraw restores queue length
	require.NoError(t, q.Withdraw(ctx, a))

	after, err := q.Depth(ctx, IntentCollab, MediumVideo)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// Idempotent, and tolerates duplicates across queues
	require.NoError(t, q.Withdraw(ctx, a))

	require.NoError(t, q.store.RPush(ctx, QueueKey(IntentCasual, MediumChat), a, a))
	require.NoError(t, q.store.RPush(ctx, QueueKey(IntentPitch, MediumVideo), a))
	require.NoError(t, q.Withdraw(ctx, a))

	for _, key := range []string{QueueKey(IntentCasual, MediumChat), QueueKey(IntentPitch, MediumVideo)} {
		n, err := q.store.LLen(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	}
}

func TestDepths(t *testing.T) {
	q, _, sessions := newTestQueue(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	out, err := q.Enqueue(ctx, a, IntentCasual, MediumChat)
	require.NoError(t, err)
	require.False(t, out.Matched)

	depths, err := q.Depths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["casual:chat"])
	assert.Equal(t, int64(0), depths["hire:video"])
	assert.Len(t, depths, len(Intents)*len(Media))
}
