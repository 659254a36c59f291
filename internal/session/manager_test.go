package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(mirror Mirror) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewManager(Options{Timeout: 30 * time.Second, Mirror: mirror, Now: clock.Now}), clock
}

func TestJoinListLeave(t *testing.T) {
	m, clock := newTestManager(nil)
	ctx := context.Background()

	first, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)
	_, err = m.Join(ctx, "page-2", "user-2")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID, "each tab is its own session")
	active := m.ListActive("page-1")
	require.Len(t, active, 2)
	assert.Equal(t, first.ID, active[0].ID)

	var ended []error
	m.OnEnd(func(s Session, reason error) { ended = append(ended, reason) })

	require.NoError(t, m.Leave(ctx, first.ID))
	require.ErrorIs(t, m.Leave(ctx, first.ID), ErrSessionNotFound)
	require.Len(t, ended, 1)
	assert.ErrorIs(t, ended[0], ErrSessionLeft)

	_, err = m.Get(first.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, m.ListActive("page-1"), 1)
}

func TestJoinRequiresIdentity(t *testing.T) {
	m, _ := newTestManager(nil)
	_, err := m.Join(context.Background(), "", "user-1")
	require.Error(t, err)
	_, err = m.Join(context.Background(), "page-1", " ")
	require.Error(t, err)
}

func TestReportPositionBumpsSeq(t *testing.T) {
	m, _ := newTestManager(nil)
	ctx := context.Background()
	s, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)

	updated, err := m.ReportPosition(ctx, s.ID, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), updated.Seq)
	assert.Equal(t, 3, updated.Anchor)
	assert.Equal(t, 5, updated.Head)

	updated, err = m.ReportPosition(ctx, s.ID, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Seq)

	_, err = m.ReportPosition(ctx, "ses_missing", 1, 1)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	m, clock := newTestManager(nil)
	ctx := context.Background()

	idle, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)
	alive, err := m.Join(ctx, "page-1", "user-2")
	require.NoError(t, err)

	var mu sync.Mutex
	reasons := map[string]error{}
	m.OnEnd(func(s Session, reason error) {
		mu.Lock()
		reasons[s.ID] = reason
		mu.Unlock()
	})

	clock.Advance(20 * time.Second)
	_, err = m.Heartbeat(ctx, alive.ID)
	require.NoError(t, err)
	clock.Advance(15 * time.Second)

	evicted := m.Sweep(ctx, clock.Now())
	require.Len(t, evicted, 1)
	assert.Equal(t, idle.ID, evicted[0].ID)

	var timeout *SessionTimeoutError
	require.True(t, errors.As(reasons[idle.ID], &timeout))
	assert.Equal(t, idle.ID, timeout.SessionID)
	assert.Equal(t, 35*time.Second, timeout.IdleFor)

	_, err = m.Get(idle.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.Heartbeat(ctx, idle.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, m.ListActive("page-1"), 1)

	assert.Empty(t, m.Sweep(ctx, clock.Now()))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	m := NewManager(Options{Timeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	ended := make(chan Session, 1)
	m.OnEnd(func(s Session, _ error) { ended <- s })

	s, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case got := <-ended:
		assert.Equal(t, s.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not evicted")
	}

	cancel()
	require.NoError(t, <-done)
}
