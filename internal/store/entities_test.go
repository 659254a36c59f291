package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *EntityStore {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, filepath.Join(t.TempDir(), "entities.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, ApplyMigrations(ctx, db))
	return NewEntityStore(db, nil)
}

func pageProps(title string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"title":%q,"contents":[]}`, title))
}

func createPage(t *testing.T, s *EntityStore) Entity {
	t.Helper()
	page, err := s.CreateEntity(context.Background(), CreateEntityParams{
		AccountID:   "acc-1",
		Type:        "Page",
		CreatedByID: "user-1",
		Properties:  pageProps("First"),
		Versioned:   true,
	})
	require.NoError(t, err)
	return page
}

func TestCreateEntityAndGetLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	page := createPage(t, s)

	assert.Equal(t, int64(1), page.Seq)
	assert.NotEmpty(t, page.EntityVersionID)

	latest, err := s.GetLatest(ctx, page.EntityID)
	require.NoError(t, err)
	assert.Equal(t, page.EntityVersionID, latest.EntityVersionID)
	assert.Equal(t, "acc-1", latest.AccountID)
	assert.Equal(t, "user-1", latest.CreatedByID)
	assert.JSONEq(t, string(pageProps("First")), string(latest.Properties))
	assert.True(t, latest.Versioned)
}

func TestCreateEntityValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateEntity(context.Background(), CreateEntityParams{
		AccountID:   "acc-1",
		Type:        "Page",
		CreatedByID: "user-1",
		Properties:  json.RawMessage(`{"title":"missing contents"}`),
		Versioned:   true,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Page", verr.EntityType)

	_, err = s.CreateEntity(context.Background(), CreateEntityParams{
		Type:        "Page",
		CreatedByID: "user-1",
		Properties:  pageProps("x"),
	})
	require.ErrorAs(t, err, &verr)

	_, err = s.CreateEntity(context.Background(), CreateEntityParams{
		EntityID:    "not-a-uuid",
		AccountID:   "acc-1",
		Type:        "Page",
		CreatedByID: "user-1",
		Properties:  pageProps("x"),
		Versioned:   true,
	})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "UUID")
}

func TestCreateUserOwnsItself(t *testing.T) {
	s := newTestStore(t)
	user, err := s.CreateEntity(context.Background(), CreateEntityParams{
		Type:       "User",
		Properties: json.RawMessage(`{"email":"ada@example.com","shortname":"ada"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, user.EntityID, user.CreatedByID)
	assert.Equal(t, user.EntityID, user.AccountID)
	assert.False(t, user.Versioned)
}

func TestVersionChainIsLinear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	page := createPage(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.CreateVersion(ctx, page.EntityID, pageProps(fmt.Sprintf("v%d", i+2)), "user-2")
		require.NoError(t, err)
	}

	versions, err := s.ListVersions(ctx, page.EntityID)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assertLinearChain(t, versions)
	assert.Equal(t, page.EntityVersionID, versions[3].EntityVersionID)

	latest, err := s.GetLatest(ctx, page.EntityID)
	require.NoError(t, err)
	assert.Equal(t, versions[0].EntityVersionID, latest.EntityVersionID)
	assert.Equal(t, "user-2", latest.UpdatedByID)
	assert.Equal(t, "user-1", latest.CreatedByID)

	first, err := s.GetVersion(ctx, page.EntityID, page.EntityVersionID)
	require.NoError(t, err)
	assert.JSONEq(t, string(pageProps("First")), string(first.Properties))
}

func TestConcurrentCreateVersionSerializes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	page := createPage(t, s)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CreateVersion(ctx, page.EntityID, pageProps(fmt.Sprintf("w%d", i)), fmt.Sprintf("user-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := s.ListVersions(ctx, page.EntityID)
	require.NoError(t, err)
	require.Len(t, versions, writers+1)
	assertLinearChain(t, versions)
}

func assertLinearChain(t *testing.T, newestFirst []VersionMeta) {
	t.Helper()
	seen := map[string]bool{}
	for i, v := range newestFirst {
		assert.Equal(t, int64(len(newestFirst)-i), v.Seq, "seq at %d", i)
		if i == len(newestFirst)-1 {
			assert.Empty(t, v.PreviousVersionID)
			continue
		}
		assert.Equal(t, newestFirst[i+1].EntityVersionID, v.PreviousVersionID, "predecessor at %d", i)
		assert.False(t, seen[v.PreviousVersionID], "predecessor shared at %d", i)
		seen[v.PreviousVersionID] = true
	}
}

func TestCreateVersionAtConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	page := createPage(t, s)

	next, err := s.CreateVersionAt(ctx, page.EntityID, page.EntityVersionID, pageProps("two"), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Seq)

	_, err = s.CreateVersionAt(ctx, page.EntityID, page.EntityVersionID, pageProps("stale"), "user-1")
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestNonVersionedEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	org, err := s.CreateEntity(ctx, CreateEntityParams{
		AccountID:   "acc-1",
		Type:        "Org",
		CreatedByID: "user-1",
		Properties:  json.RawMessage(`{"shortname":"acme","name":"Acme"}`),
	})
	require.NoError(t, err)

	_, err = s.CreateVersion(ctx, org.EntityID, json.RawMessage(`{"shortname":"acme","name":"Acme 2"}`), "user-1")
	require.ErrorIs(t, err, ErrNotVersioned)

	updated, err := s.UpdateEntity(ctx, org.EntityID, json.RawMessage(`{"shortname":"acme","name":"Acme 2"}`), "user-2")
	require.NoError(t, err)
	assert.Equal(t, org.EntityVersionID, updated.EntityVersionID)

	versions, err := s.ListVersions(ctx, org.EntityID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	latest, err := s.GetLatest(ctx, org.EntityID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"shortname":"acme","name":"Acme 2"}`, string(latest.Properties))

	page := createPage(t, s)
	_, err = s.UpdateEntity(ctx, page.EntityID, pageProps("in place"), "user-1")
	require.ErrorIs(t, err, ErrVersioned)
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetLatest(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetVersion(ctx, "missing", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.ListVersions(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.CreateVersion(ctx, "missing", pageProps("x"), "user-1")
	require.ErrorIs(t, err, ErrNotFound)

	page := createPage(t, s)
	_, err = s.GetVersion(ctx, page.EntityID, "other")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListAndSearchLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	page := createPage(t, s)
	_, err := s.CreateVersion(ctx, page.EntityID, pageProps("Quarterly Roadmap"), "user-1")
	require.NoError(t, err)

	pages, err := s.ListLatest(ctx, "acc-1", "Page")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, int64(2), pages[0].Seq)

	hits, err := s.SearchLatest(ctx, "Page", "roadmap", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, page.EntityID, hits[0].EntityID)

	hits, err = s.SearchLatest(ctx, "Page", "first", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
