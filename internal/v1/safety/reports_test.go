package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/session"
	"github.com/devroulette/backend/internal/v1/store"
)

func TestReports_File(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))
	ctx := context.Background()

	out, err := r.File(ctx, "reporter-1", "target-1", "room-1", "spam", "kept pasting links")
	require.NoError(t, err)
	assert.NotEmpty(t, out.ReportID)
	assert.False(t, out.ShouldAutoDisconnect)

	recent, err := r.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, out.ReportID, recent[0].ID)
	assert.Equal(t, "reporter-1", recent[0].ReporterID)
	assert.Equal(t, "target-1", recent[0].TargetID)
	assert.Equal(t, "spam", recent[0].Reason)
	assert.Equal(t, "pending", recent[0].Status)
}

func TestReports_SelfReportRejected(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))

	_, err := r.File(context.Background(), "sess-1", "sess-1", "", "spam", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestReports_MissingFieldsRejected(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))
	ctx := context.Background()

	_, err := r.File(ctx, "sess-1", "", "", "spam", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = r.File(ctx, "sess-1", "sess-2", "", "", "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestReports_AutoDisconnectThreshold(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))
	ctx := context.Background()

	out, err := r.File(ctx, "reporter-1", "target-1", "", "spam", "")
	require.NoError(t, err)
	assert.False(t, out.ShouldAutoDisconnect)

	out, err = r.File(ctx, "reporter-2", "target-1", "", "harassment", "")
	require.NoError(t, err)
	assert.False(t, out.ShouldAutoDisconnect)

	// The third distinct report crosses the threshold.
	out, err = r.File(ctx, "reporter-3", "target-1", "", "nudity", "")
	require.NoError(t, err)
	assert.True(t, out.ShouldAutoDisconnect)
}

func TestReports_CounterExpires(t *testing.T) {
	st, mr := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.File(ctx, "reporter-1", "target-1", "", "spam", "")
		require.NoError(t, err)
	}

	mr.FastForward(25 * time.Hour)

	// Old reports aged out of the counter; the next one starts fresh.
	out, err := r.File(ctx, "reporter-2", "target-1", "", "spam", "")
	require.NoError(t, err)
	assert.False(t, out.ShouldAutoDisconnect)
}

func TestReports_RecentFiltersByStatus(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.File(ctx, "reporter-1", "target-1", "", "spam", "")
		require.NoError(t, err)
	}

	pending, err := r.Recent(ctx, "pending", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	resolved, err := r.Recent(ctx, "resolved", 10)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestReports_AutoDisconnectPublishes(t *testing.T) {
	st, _ := newTestStore(t)
	r := NewReports(st, session.NewAuthority(st, "test-secret-test-secret-test-secret"))
	ctx := context.Background()

	events := make(chan string, 1)
	sub := st.Subscribe(ctx, "user:target-1", func(env store.Envelope) {
		events <- env.Event
	})
	defer sub.Close()
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < AutoDisconnectThreshold; i++ {
		_, err := r.File(ctx, "reporter", "target-1", "", "spam", "")
		require.NoError(t, err)
	}

	select {
	case ev := <-events:
		assert.Equal(t, "auto-disconnect", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("expected an auto-disconnect event on the target topic")
	}
}
