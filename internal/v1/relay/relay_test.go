package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/match"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/store"
)

type relayFixture struct {
	relay    *Relay
	registry *match.Registry
	sessions *session.Authority
	store    *store.Store
}

func newFixture(t *testing.T) *relayFixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	st, err := store.New(mr.Addr(), "")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = st.Close()
		mr.Close()
	})

	sessions := session.NewAuthority(st, "relay-test-secret-that-is-long-enough")
	registry := match.NewRegistry(st, sessions)
	return &relayFixture{
		relay:    New(st, registry),
		registry: registry,
		sessions: sessions,
		store:    st,
	}
}

func (f *relayFixture) pairedSessions(t *testing.T) (a, b, roomID string) {
	t.Helper()
	ctx := context.Background()

	ia, err := f.sessions.Issue(ctx)
	require.NoError(t, err)
	ib, err := f.sessions.Issue(ctx)
	require.NoError(t, err)

	room, err := f.registry.Mint(ctx, ib.SessionID, ia.SessionID, match.IntentCasual, match.MediumVideo)
	require.NoError(t, err)
	return ia.SessionID, ib.SessionID, room.ID
}

func TestForward_DeliversToTargetTopic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b, roomID := f.pairedSessions(t)

	received := make(chan store.Envelope, 1)
	sub := f.store.Subscribe(ctx, UserTopic(b), func(env store.Envelope) {
		received <- env
	})
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	env := Envelope{Type: "offer", Payload: json.RawMessage(`{"sdp":"v=0..."}`)}
	require.NoError(t, f.relay.Forward(ctx, a, roomID, b, env))

	select {
	case got := <-received:
		assert.Equal(t, "signal", got.Event)
		assert.Equal(t, a, got.SenderID)

		var delivery Delivery
		require.NoError(t, json.Unmarshal(got.Payload, &delivery))
		assert.Equal(t, "offer", delivery.Signal.Type)
		assert.Equal(t, a, delivery.FromID)
		assert.Equal(t, roomID, delivery.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed signal")
	}
}

func TestForward_SignalTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b, roomID := f.pairedSessions(t)

	for _, typ := range []string{"offer", "answer", "ice-candidate"} {
		err := f.relay.Forward(ctx, a, roomID, b, Envelope{Type: typ, Payload: json.RawMessage(`{}`)})
		assert.NoError(t, err, typ)
	}

	err := f.relay.Forward(ctx, a, roomID, b, Envelope{Type: "renegotiate", Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestForward_PayloadSizeBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b, roomID := f.pairedSessions(t)

	// Exactly 16 KiB is accepted
	exact := make(json.RawMessage, MaxPayloadBytes)
	for i := range exact {
		exact[i] = 'a'
	}
	exact[0], exact[len(exact)-1] = '"', '"'
	assert.NoError(t, f.relay.Forward(ctx, a, roomID, b, Envelope{Type: "offer", Payload: exact}))

	// One byte over is rejected
	over := append(exact, 'x')
	err := f.relay.Forward(ctx, a, roomID, b, Envelope{Type: "offer", Payload: over})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidArgument))
}

func TestForward_OutsiderRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, b, roomID := f.pairedSessions(t)

	outsider, err := f.sessions.Issue(ctx)
	require.NoError(t, err)

	fwdErr := f.relay.Forward(ctx, outsider.SessionID, roomID, b, Envelope{Type: "offer", Payload: json.RawMessage(`{}`)})
	require.Error(t, fwdErr)
	assert.True(t, errors.Is(fwdErr, errs.ErrNotAuthorized))
}

func TestForward_DestroyedRoomRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, b, roomID := f.pairedSessions(t)

	_, err := f.registry.Destroy(ctx, roomID)
	require.NoError(t, err)

	// Leave–signal race: the authorize check fails after destroy
	fwdErr := f.relay.Forward(ctx, a, roomID, b, Envelope{Type: "ice-candidate", Payload: json.RawMessage(`{}`)})
	require.Error(t, fwdErr)
	assert.True(t, errors.Is(fwdErr, errs.ErrNotAuthorized))
}
