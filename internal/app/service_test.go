package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagecollab/internal/broadcast"
	"pagecollab/internal/collab"
	"pagecollab/internal/config"
	"pagecollab/internal/doc"
	"pagecollab/internal/events"
	"pagecollab/internal/logging"
	"pagecollab/internal/query"
	"pagecollab/internal/search"
	"pagecollab/internal/session"
	"pagecollab/internal/store"
)

// fakeIndex records what the search service pushes into it.
type fakeIndex struct {
	indexed chan search.PageRecord
}

func (f *fakeIndex) Search(context.Context, search.Query) ([]search.Result, int, error) {
	return nil, 0, errors.New("not used")
}
func (f *fakeIndex) Healthy() bool { return true }
func (f *fakeIndex) IndexPage(rec search.PageRecord) error {
	f.indexed <- rec
	return nil
}
func (f *fakeIndex) IndexPages(recs []search.PageRecord) error { return nil }
func (f *fakeIndex) DeletePage(string) error                   { return nil }

type serviceFixture struct {
	svc      *Service
	sessions *session.Manager
	clock    *time.Time
	index    *fakeIndex
	producer *mocks.SyncProducer
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db))

	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	logger := logging.Nop()
	entities := store.NewEntityStore(db, nil)
	sessions := session.NewManager(session.Options{Timeout: 30 * time.Second, Logger: logger, Now: func() time.Time { return *clock }})
	index := &fakeIndex{indexed: make(chan search.PageRecord, 8)}
	dispatcher := events.NewDispatcher(producer, "page-steps", events.Options{QueueSize: 8, Logger: logger})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = producer.Close()
	})

	svc := New(config.Config{JWTSecret: testSecret}, Deps{
		Entities:  entities,
		Engine:    collab.NewEngine(entities, collab.Options{Logger: logger}),
		Sessions:  sessions,
		Broadcast: broadcast.New(sessions, broadcast.Options{Logger: logger}),
		Pages:     query.NewService(entities, query.Options{Logger: logger}),
		Search:    search.NewService(index, search.NewSQLSearch(entities), entities, logger),
		Events:    dispatcher,
		Logger:    logger,
	})
	return &serviceFixture{svc: svc, sessions: sessions, clock: clock, index: index, producer: producer}
}

func TestCommitPublishesEventAndIndexesPage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alice := Caller{UserID: "alice", AccountID: "acc-1"}

	page, err := f.svc.CreatePage(ctx, alice, "acc-1", CreatePageInput{Title: "Notes", Contents: doc.NewDocument(para("Hello"))})
	require.NoError(t, err)
	created := <-f.index.indexed
	assert.Equal(t, page.EntityID, created.ID)
	assert.Equal(t, "Hello", created.Body)

	published := make(chan events.PageCommitted, 1)
	f.producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt events.PageCommitted
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		published <- evt
		return nil
	})

	result, err := f.svc.SubmitSteps(ctx, alice, page.EntityID, SubmitStepsInput{
		BaseVersionID: page.EntityVersionID,
		Steps:         doc.Steps{doc.Insert(6, doc.Text(" there"))},
	})
	require.NoError(t, err)

	select {
	case evt := <-published:
		assert.Equal(t, page.EntityID, evt.PageEntityID)
		assert.Equal(t, "acc-1", evt.AccountID)
		assert.Equal(t, result.VersionID, evt.VersionID)
		assert.Equal(t, page.EntityVersionID, evt.PrevVersionID)
		assert.Equal(t, int64(2), evt.Seq)
		assert.Equal(t, "alice", evt.AuthorID)
		require.Len(t, evt.Steps, 1)
		applied, err := doc.Apply(doc.NewDocument(para("Hello")), evt.Steps[0])
		require.NoError(t, err)
		assert.Equal(t, "Hello there", applied.TextContent())
	case <-time.After(2 * time.Second):
		t.Fatal("commit event not published")
	}

	select {
	case rec := <-f.index.indexed:
		assert.Equal(t, result.VersionID, rec.VersionID)
		assert.Equal(t, "Hello there", rec.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("page not reindexed after commit")
	}
}

func TestTimedOutSessionIsRetracted(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alice := Caller{UserID: "alice", AccountID: "acc-1"}
	bob := Caller{UserID: "bob", AccountID: "acc-1"}

	page, err := f.svc.CreatePage(ctx, alice, "acc-1", CreatePageInput{Title: "Notes"})
	require.NoError(t, err)
	<-f.index.indexed

	aliceSession, _, err := f.svc.JoinPage(ctx, alice, page.EntityID)
	require.NoError(t, err)
	*f.clock = f.clock.Add(20 * time.Second)
	bobSession, _, err := f.svc.JoinPage(ctx, bob, page.EntityID)
	require.NoError(t, err)

	_, bobSub, err := f.svc.Subscription(bob, bobSession.ID)
	require.NoError(t, err)
	snapshot := <-bobSub.Events()
	require.Equal(t, broadcast.KindSnapshot, snapshot.Kind)
	require.Len(t, snapshot.Positions, 1)

	*f.clock = f.clock.Add(15 * time.Second)
	evicted := f.sessions.Sweep(ctx, *f.clock)
	require.Len(t, evicted, 1)
	assert.Equal(t, aliceSession.ID, evicted[0].ID)

	select {
	case ev := <-bobSub.Events():
		assert.Equal(t, broadcast.KindRetract, ev.Kind)
		assert.Equal(t, aliceSession.ID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("retraction not delivered")
	}

	_, _, err = f.svc.Subscription(alice, aliceSession.ID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	err = f.svc.PublishPosition(ctx, alice, aliceSession.ID, 1, 1)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSubmitWithSessionOfAnotherPage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alice := Caller{UserID: "alice", AccountID: "acc-1"}

	first, err := f.svc.CreatePage(ctx, alice, "acc-1", CreatePageInput{Title: "One"})
	require.NoError(t, err)
	second, err := f.svc.CreatePage(ctx, alice, "acc-1", CreatePageInput{Title: "Two"})
	require.NoError(t, err)

	joined, _, err := f.svc.JoinPage(ctx, alice, first.EntityID)
	require.NoError(t, err)

	_, err = f.svc.SubmitSteps(ctx, alice, second.EntityID, SubmitStepsInput{BaseVersionID: second.EntityVersionID, SessionID: joined.ID})
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "SESSION_PAGE_MISMATCH", domainErr.Code)

	_, err = f.svc.CreatePage(ctx, alice, " ", CreatePageInput{Title: "x"})
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "VALIDATION_ERROR", domainErr.Code)
}

func TestReconnectReceivesFreshSnapshot(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alice := Caller{UserID: "alice", AccountID: "acc-1"}
	bob := Caller{UserID: "bob", AccountID: "acc-1"}

	page, err := f.svc.CreatePage(ctx, alice, "acc-1", CreatePageInput{Title: "Notes", Contents: doc.NewDocument(para("Hello world"))})
	require.NoError(t, err)
	<-f.index.indexed

	aliceSession, _, err := f.svc.JoinPage(ctx, alice, page.EntityID)
	require.NoError(t, err)
	bobSession, _, err := f.svc.JoinPage(ctx, bob, page.EntityID)
	require.NoError(t, err)

	_, first, err := f.svc.Subscription(bob, bobSession.ID)
	require.NoError(t, err)
	require.Equal(t, broadcast.KindSnapshot, (<-first.Events()).Kind)

	// bob's socket is gone while alice keeps moving
	require.NoError(t, f.svc.PublishPosition(ctx, alice, aliceSession.ID, 2, 4))
	require.NoError(t, f.svc.PublishPosition(ctx, alice, aliceSession.ID, 3, 7))

	_, again, err := f.svc.Subscription(bob, bobSession.ID)
	require.NoError(t, err)
	require.Same(t, first, again)

	snap := <-again.Events()
	require.Equal(t, broadcast.KindSnapshot, snap.Kind)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, aliceSession.ID, snap.Positions[0].SessionID)
	assert.Equal(t, 3, snap.Positions[0].Anchor)
	assert.Equal(t, 7, snap.Positions[0].Head)
	select {
	case ev := <-again.Events():
		t.Fatalf("superseded %s event still queued", ev.Kind)
	default:
	}
}
