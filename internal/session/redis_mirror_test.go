package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	mirror, err := NewRedisMirror("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })
	return mirror, s
}

func TestNewRedisMirrorBadURL(t *testing.T) {
	_, err := NewRedisMirror("not a url")
	require.Error(t, err)
}

func TestRedisMirrorPutListRemove(t *testing.T) {
	mirror, _ := setupTestMirror(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a := Session{ID: "ses_a", UserID: "user-1", PageEntityID: "page-1", Anchor: 2, Head: 4}
	b := Session{ID: "ses_b", UserID: "user-2", PageEntityID: "page-1"}
	require.NoError(t, mirror.Put(ctx, a, now.Add(30*time.Second)))
	require.NoError(t, mirror.Put(ctx, b, now.Add(5*time.Second)))

	active, err := mirror.ListActive(ctx, "page-1", now)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "ses_b", active[0].ID, "ordered by expiry")
	assert.Equal(t, 4, active[1].Head)

	require.NoError(t, mirror.Remove(ctx, a))
	active, err = mirror.ListActive(ctx, "page-1", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ses_b", active[0].ID)
}

func TestRedisMirrorSweepsExpired(t *testing.T) {
	mirror, s := setupTestMirror(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, mirror.Put(ctx, Session{ID: "ses_old", PageEntityID: "page-1"}, now.Add(-time.Second)))
	require.NoError(t, mirror.Put(ctx, Session{ID: "ses_new", PageEntityID: "page-1"}, now.Add(time.Minute)))

	active, err := mirror.ListActive(ctx, "page-1", now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "ses_new", active[0].ID)

	assert.Empty(t, s.HGet("presence:data:page-1", "ses_old"))
}

func TestManagerWritesThroughMirror(t *testing.T) {
	mirror, _ := setupTestMirror(t)
	m, clock := newTestManager(mirror)
	ctx := context.Background()

	joined, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)

	cluster, err := m.ListCluster(ctx, "page-1")
	require.NoError(t, err)
	require.Len(t, cluster, 1)
	assert.Equal(t, joined.ID, cluster[0].ID)

	clock.Advance(31 * time.Second)
	cluster, err = m.ListCluster(ctx, "page-1")
	require.NoError(t, err)
	assert.Empty(t, cluster, "expired in the mirror before the local sweep runs")

	m.Sweep(ctx, clock.Now())
	assert.Empty(t, m.ListActive("page-1"))
}

func TestPositionReportsKeepMirrorCurrent(t *testing.T) {
	mirror, _ := setupTestMirror(t)
	m, clock := newTestManager(mirror)
	ctx := context.Background()

	joined, err := m.Join(ctx, "page-1", "user-1")
	require.NoError(t, err)

	for head := 1; head <= 5; head++ {
		clock.Advance(10 * time.Second)
		_, err := m.ReportPosition(ctx, joined.ID, head, head)
		require.NoError(t, err)
	}

	cluster, err := m.ListCluster(ctx, "page-1")
	require.NoError(t, err)
	require.Len(t, cluster, 1)
	assert.Equal(t, joined.ID, cluster[0].ID)
	assert.Equal(t, 5, cluster[0].Head)
	assert.Equal(t, uint64(5), cluster[0].Seq)
}
