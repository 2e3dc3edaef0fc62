package match

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/store"
)

func newTestRegistry(t *testing.T) (*Registry, *session.Authority, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = st.Close()
		mr.Close()
	})

	sessions := session.NewAuthority(st, "registry-test-secret-long-enough-32ch")
	return NewRegistry(st, sessions), sessions, mr
}

func issueSession(t *testing.T, sessions *session.Authority) string {
	t.Helper()
	identity, err := sessions.Issue(context.Background())
	require.NoError(t, err)
	return identity.SessionID
}

func TestMintSetsReciprocalMappings(t *testing.T) {
	reg, sessions, _ := newTestRegistry(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	room, err := reg.Mint(ctx, b, a, IntentCasual, MediumChat)
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)
	assert.Equal(t, b, room.InitiatorID)
	assert.True(t, room.HasParticipant(a))
	assert.True(t, room.HasParticipant(b))
	assert.Equal(t, a, room.Peer(b))
	assert.Equal(t, b, room.Peer(a))

	// Room reciprocity: SessionToRoom(p) = R for both participants
	for _, sid := range []string{a, b} {
		got, ok, err := reg.Resolve(ctx, sid)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, room.ID, got)
	}

	fetched, ok, err := reg.Lookup(ctx, room.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, room.Participants, fetched.Participants)
	assert.Equal(t, IntentCasual, fetched.Intent)
	assert.Equal(t, MediumChat, fetched.Medium)
	assert.Equal(t, b, fetched.InitiatorID)
}

func TestMint_ConflictingSession(t *testing.T) {
	reg, sessions, _ := newTestRegistry(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)
	c := issueSession(t, sessions)

	_, err := reg.Mint(ctx, b, a, IntentCasual, MediumChat)
	require.NoError(t, err)

	// Exactly two participants per room, never three: a third mint against
	// either occupied session must conflict.
	_, err = reg.Mint(ctx, c, a, IntentCasual, MediumChat)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))

	_, err = reg.Mint(ctx, b, c, IntentCasual, MediumChat)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrConflict))
}

func TestAuthorize(t *testing.T) {
	reg, sessions, _ := newTestRegistry(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)
	outsider := issueSession(t, sessions)

	room, err := reg.Mint(ctx, b, a, IntentReview, MediumVideo)
	require.NoError(t, err)

	for _, sid := range []string{a, b} {
		ok, err := reg.Authorize(ctx, sid, room.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := reg.Authorize(ctx, outsider, room.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = reg.Authorize(ctx, a, "some-other-room")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDestroy(t *testing.T) {
	reg, sessions, _ := newTestRegistry(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	room, err := reg.Mint(ctx, b, a, IntentCollab, MediumChat)
	require.NoError(t, err)

	participants, err := reg.Destroy(ctx, room.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a, b}, participants)

	// Record and both mappings are gone
	_, ok, err := reg.Lookup(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, sid := range []string{a, b} {
		_, inRoom, err := reg.Resolve(ctx, sid)
		require.NoError(t, err)
		assert.False(t, inRoom)
	}

	// Destroy is idempotent: a vanished room yields an empty list
	participants, err = reg.Destroy(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, participants)
}

func TestDestroyFreesSessionsForRematch(t *testing.T) {
	reg, sessions, _ := newTestRegistry(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)
	c := issueSession(t, sessions)

	room, err := reg.Mint(ctx, b, a, IntentCasual, MediumChat)
	require.NoError(t, err)

	_, err = reg.Destroy(ctx, room.ID)
	require.NoError(t, err)

	// Both participants can be minted into new rooms afterwards
	_, err = reg.Mint(ctx, c, a, IntentCasual, MediumChat)
	require.NoError(t, err)
}

func TestLookup_RoomTTL(t *testing.T) {
	reg, sessions, mr := newTestRegistry(t)
	ctx := context.Background()

	a := issueSession(t, sessions)
	b := issueSession(t, sessions)

	room, err := reg.Mint(ctx, b, a, IntentPitch, MediumVideo)
	require.NoError(t, err)

	mr.FastForward(2 * RoomTTL)

	_, ok, err := reg.Lookup(ctx, room.ID)
	require.NoError(t, err)
	assert.False(t, ok, "room record should expire after its TTL")
}

func TestLookup_MalformedRecordTornDown(t *testing.T) {
	reg, _, mr := newTestRegistry(t)
	ctx := context.Background()

	mr.HSet("match:broken", "participants", "not-json", "mode", "casual")

	_, ok, err := reg.Lookup(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, ok)

	// The lazy teardown removed the record
	assert.False(t, mr.Exists("match:broken"))
}
