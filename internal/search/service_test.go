package search

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagecollab/internal/doc"
	"pagecollab/internal/logging"
	"pagecollab/internal/store"
)

type fakeIndex struct {
	mu      sync.Mutex
	healthy bool
	err     error
	results []Result
	indexed []PageRecord
}

func (f *fakeIndex) Healthy() bool { return f.healthy }

func (f *fakeIndex) Search(context.Context, Query) ([]Result, int, error) {
	return f.results, len(f.results), f.err
}

func (f *fakeIndex) IndexPage(rec PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
	return nil
}

func (f *fakeIndex) IndexPages(recs []PageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, recs...)
	return nil
}

func (f *fakeIndex) DeletePage(string) error { return nil }

func (f *fakeIndex) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

func newTestStore(t *testing.T) *store.EntityStore {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db))
	return store.NewEntityStore(db, nil)
}

func createPage(t *testing.T, s *store.EntityStore, accountID, title, text string) store.Entity {
	t.Helper()
	raw, err := doc.PageProperties{Title: title, Contents: doc.NewDocument(doc.Block("paragraph", doc.Text(text)))}.Encode()
	require.NoError(t, err)
	page, err := s.CreateEntity(context.Background(), store.CreateEntityParams{
		AccountID:   accountID,
		Type:        "Page",
		CreatedByID: "alice",
		Properties:  raw,
		Versioned:   true,
	})
	require.NoError(t, err)
	return page
}

func TestSQLSearchMatchesTitleAndText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	roadmap := createPage(t, s, "acc-1", "Roadmap", "ship the editor")
	createPage(t, s, "acc-1", "Groceries", "milk and eggs")
	createPage(t, s, "acc-2", "Other roadmap", "not ours")

	sql := NewSQLSearch(s)

	results, total, err := sql.Search(ctx, Query{Text: "editor", AccountID: "acc-1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, roadmap.EntityID, results[0].PageEntityID)
	assert.Equal(t, "ship the editor", results[0].Snippet)

	_, total, err = sql.Search(ctx, Query{Text: "ROADMAP"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, total, err = sql.Search(ctx, Query{Text: "contents"})
	require.NoError(t, err)
	assert.Zero(t, total, "property names are not content")

	results, _, err = sql.Search(ctx, Query{Text: "  "})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestServiceFallsBackWhenIndexFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createPage(t, s, "acc-1", "Roadmap", "ship it")

	index := &fakeIndex{healthy: true, err: errors.New("boom")}
	svc := NewService(index, NewSQLSearch(s), s, logging.Nop())

	resp := svc.Search(ctx, Query{Text: "roadmap"})
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "roadmap", resp.Query)

	index.err = nil
	index.results = []Result{{PageEntityID: "from-index"}}
	resp = svc.Search(ctx, Query{Text: "roadmap"})
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "from-index", resp.Results[0].PageEntityID)

	index.healthy = false
	resp = svc.Search(ctx, Query{Text: "nothing matches"})
	assert.NotNil(t, resp.Results)
	assert.Empty(t, resp.Results)
}

func TestServiceIndexesAndReindexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createPage(t, s, "acc-1", "One", "a")
	createPage(t, s, "acc-1", "Two", "b")

	index := &fakeIndex{healthy: true}
	svc := NewService(index, NewSQLSearch(s), s, logging.Nop())

	svc.ReindexAll(ctx)
	assert.Equal(t, 2, index.count())

	svc.IndexPage(PageRecord{ID: "page-3", Title: "Three"})
	require.Eventually(t, func() bool { return index.count() == 3 }, time.Second, time.Millisecond)

	index.healthy = false
	svc.IndexPage(PageRecord{ID: "page-4"})
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, index.count())
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", snippet("short", "x", 10))
	long := "aaaaaaaaaa needle bbbbbbbbbbbbbbbbbbbb"
	got := snippet(long, "needle", 12)
	assert.Contains(t, got, "needle")
	assert.True(t, len([]rune(got)) <= 14)
}
