package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCreateAndDecide(t *testing.T) {
	s := NewStore(time.Minute)

	a := s.Create("WEB_FETCH", map[string]string{"url": "https://example.com"})
	assert.Equal(t, StatusPending, a.Status)
	assert.NotEmpty(t, a.ID)

	got, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "WEB_FETCH", got.Tool)

	decided, ok := s.Decide(a.ID, true, "looks safe")
	require.True(t, ok)
	assert.Equal(t, StatusApproved, decided.Status)
	assert.Equal(t, "looks safe", decided.Reason)

	// Deciding again keeps the first outcome.
	again, ok := s.Decide(a.ID, false, "too late")
	require.True(t, ok)
	assert.Equal(t, StatusApproved, again.Status)
}

func TestDecideUnknown(t *testing.T) {
	s := NewStore(time.Minute)
	_, ok := s.Decide("missing", true, "")
	assert.False(t, ok)
}

func TestWaitResolves(t *testing.T) {
	s := NewStore(time.Minute)
	a := s.Create("TABLE_QUERY", nil)

	done := make(chan Decision, 1)
	go func() {
		d, err := s.Wait(context.Background(), a.ID)
		if err == nil {
			done <- d
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.Decide(a.ID, false, "not allowed")

	select {
	case d := <-done:
		assert.Equal(t, StatusDenied, d.Status)
		assert.Equal(t, "not allowed", d.Reason)
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestWaitAlreadyResolved(t *testing.T) {
	s := NewStore(time.Minute)
	a := s.Create("WEB_FETCH", nil)
	s.Decide(a.ID, true, "")

	d, err := s.Wait(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, d.Status)
}

func TestWaitContextCancel(t *testing.T) {
	s := NewStore(time.Minute)
	a := s.Create("WEB_FETCH", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Wait(ctx, a.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSweepExpires(t *testing.T) {
	s := NewStore(10 * time.Millisecond)
	a := s.Create("WEB_FETCH", nil)

	time.Sleep(20 * time.Millisecond)
	expired := s.SweepExpired()
	assert.Equal(t, 1, expired)

	got, ok := s.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)

	d, err := s.Wait(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, d.Status)
}

func TestSnapshot(t *testing.T) {
	s := NewStore(time.Minute)
	s.Create("WEB_FETCH", nil)
	b := s.Create("TABLE_QUERY", nil)
	c := s.Create("MATH_EVAL", nil)
	s.Decide(b.ID, true, "")
	s.Decide(c.ID, false, "")

	stats := s.Snapshot()
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Denied)
	assert.GreaterOrEqual(t, stats.MaxPendingAge, 0.0)
}
