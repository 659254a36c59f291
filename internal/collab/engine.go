// Package collab merges concurrent step batches into a page's version
// chain. Each page keeps a bounded log of recently committed steps so a
// client behind the head can be rebased without reloading history.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagecollab/internal/doc"
	"pagecollab/internal/logging"
	"pagecollab/internal/metrics"
	"pagecollab/internal/schema"
	"pagecollab/internal/store"
)

const (
	DefaultLogSize = 256

	maxCommitAttempts = 5
)

// VersionStore is the slice of the entity store the engine depends on.
type VersionStore interface {
	GetLatest(ctx context.Context, entityID string) (store.Entity, error)
	GetVersion(ctx context.Context, entityID, versionID string) (store.Entity, error)
	CreateVersionAt(ctx context.Context, entityID, expectedHeadID string, properties json.RawMessage, updatedByID string) (store.Entity, error)
}

type Submission struct {
	PageEntityID  string
	BaseVersionID string
	Steps         []doc.Step
	UserID        string
	SessionID     string
}

// Result is what a client needs to move from its base to the new head:
// apply Intervening to the base, then Steps.
type Result struct {
	VersionID   string     `json:"versionId"`
	Intervening []doc.Step `json:"intervening"`
	Steps       []doc.Step `json:"steps"`
	Dropped     []int      `json:"dropped"`
}

// Commit is emitted after every new page version the engine writes.
type Commit struct {
	PageEntityID  string
	AccountID     string
	VersionID     string
	PrevVersionID string
	Seq           int64
	AuthorID      string
	SessionID     string
	Title         string
	TitleChanged  bool
	Steps         []doc.Step
	Contents      doc.Document
	CommittedAt   time.Time
}

// CommitHook observes commits in order. Hooks run while the page is
// locked and must not block.
type CommitHook func(Commit)

type Options struct {
	LogSize int
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Engine struct {
	store   VersionStore
	logSize int
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	pages map[string]*pageState
	hooks []CommitHook
}

func NewEngine(versions VersionStore, opts Options) *Engine {
	if opts.LogSize <= 0 {
		opts.LogSize = DefaultLogSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:   versions,
		logSize: opts.LogSize,
		logger:  logging.Component(opts.Logger, "collab"),
		now:     opts.Now,
		pages:   make(map[string]*pageState),
	}
}

func (e *Engine) OnCommit(hook CommitHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, hook)
	e.mu.Unlock()
}

// acquire returns the page's state locked. State stays in the map while
// any caller holds or waits for it, so a page never has two states.
func (e *Engine) acquire(pageEntityID string) *pageState {
	e.mu.Lock()
	ps, ok := e.pages[pageEntityID]
	if !ok {
		ps = &pageState{}
		e.pages[pageEntityID] = ps
	}
	ps.users++
	ps.evict = false
	e.mu.Unlock()

	ps.mu.Lock()
	return ps
}

func (e *Engine) release(pageEntityID string, ps *pageState) {
	ps.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	ps.users--
	ps.lastUsed = e.now()
	if ps.users == 0 && ps.evict {
		delete(e.pages, pageEntityID)
	}
}

// Evict forgets the page's cached state and step log once no merge is
// using it. The next merge reloads the page from the store.
func (e *Engine) Evict(pageEntityID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps, ok := e.pages[pageEntityID]
	if !ok {
		return
	}
	if ps.users == 0 {
		delete(e.pages, pageEntityID)
		return
	}
	ps.evict = true
}

// EvictIdle forgets pages unused since before cutoff and returns how many.
func (e *Engine) EvictIdle(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	evicted := 0
	for id, ps := range e.pages {
		if ps.users == 0 && ps.lastUsed.Before(cutoff) {
			delete(e.pages, id)
			evicted++
		}
	}
	return evicted
}

// Run evicts pages idle for longer than idle, checking every interval,
// until ctx is done.
func (e *Engine) Run(ctx context.Context, interval, idle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.EvictIdle(e.now().Add(-idle)); n > 0 {
				e.logger.Debug().Int("count", n).Msg("evicted idle page state")
			}
		}
	}
}

// Submit rebases a batch authored on BaseVersionID onto the page head and
// commits the surviving steps as one new version. An empty batch only
// reports what the client is missing.
func (e *Engine) Submit(ctx context.Context, sub Submission) (Result, error) {
	started := time.Now()
	if sub.BaseVersionID == "" {
		return Result{}, &store.ValidationError{EntityType: schema.TypePage, Reason: "baseVersionId is required"}
	}

	ps := e.acquire(sub.PageEntityID)
	defer e.release(sub.PageEntityID, ps)

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if err := e.sync(ctx, ps, sub.PageEntityID); err != nil {
			return Result{}, err
		}
		baseDoc, intervening, err := e.since(ctx, ps, sub.PageEntityID, sub.BaseVersionID)
		if err != nil {
			return Result{}, err
		}
		if _, err := doc.ApplyAll(baseDoc, sub.Steps); err != nil {
			metrics.MergeResults.WithLabelValues("invalid").Inc()
			return Result{}, err
		}

		result := Result{VersionID: ps.head, Intervening: intervening, Steps: []doc.Step{}, Dropped: []int{}}
		if len(sub.Steps) == 0 {
			metrics.MergeResults.WithLabelValues("catchup").Inc()
			return result, nil
		}

		contents := ps.props.Contents
		rebaser := doc.NewRebaserFromSteps(intervening)
		for i, step := range sub.Steps {
			rebased, ok := rebaser.Step(step, func(s doc.Step) error {
				next, err := doc.Apply(contents, s)
				if err != nil {
					return err
				}
				contents = next
				return nil
			})
			if !ok {
				result.Dropped = append(result.Dropped, i)
				continue
			}
			result.Steps = append(result.Steps, rebased)
		}
		metrics.StepsDropped.Add(float64(len(result.Dropped)))

		if len(result.Steps) == 0 {
			metrics.MergeResults.WithLabelValues("dropped").Inc()
			return result, &MergeDroppedError{Result: result}
		}

		props := doc.PageProperties{Title: ps.props.Title, Contents: contents}
		commit, err := e.commit(ctx, ps, sub.PageEntityID, props, result.Steps, sub.UserID, sub.SessionID)
		if errors.Is(err, store.ErrVersionConflict) {
			e.logger.Debug().Str("pageEntityId", sub.PageEntityID).Int("attempt", attempt).Msg("page head moved during merge")
			continue
		}
		if err != nil {
			return Result{}, err
		}

		result.VersionID = commit.VersionID
		metrics.StepsCommitted.Add(float64(len(result.Steps)))
		if len(result.Dropped) > 0 {
			metrics.MergeResults.WithLabelValues("partial").Inc()
		} else {
			metrics.MergeResults.WithLabelValues("committed").Inc()
		}
		metrics.MergeDuration.Observe(time.Since(started).Seconds())
		return result, nil
	}
	return Result{}, fmt.Errorf("merge page %s: %w after %d attempts", sub.PageEntityID, store.ErrVersionConflict, maxCommitAttempts)
}

// SetTitle commits a version that changes only the page title.
func (e *Engine) SetTitle(ctx context.Context, pageEntityID, title, userID, sessionID string) (string, error) {
	ps := e.acquire(pageEntityID)
	defer e.release(pageEntityID, ps)

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if err := e.sync(ctx, ps, pageEntityID); err != nil {
			return "", err
		}
		if ps.props.Title == title {
			return ps.head, nil
		}
		props := doc.PageProperties{Title: title, Contents: ps.props.Contents}
		commit, err := e.commit(ctx, ps, pageEntityID, props, nil, userID, sessionID)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return "", err
		}
		return commit.VersionID, nil
	}
	return "", fmt.Errorf("set title %s: %w after %d attempts", pageEntityID, store.ErrVersionConflict, maxCommitAttempts)
}

// Head returns the version id the engine last saw for the page.
func (e *Engine) Head(ctx context.Context, pageEntityID string) (string, error) {
	ps := e.acquire(pageEntityID)
	defer e.release(pageEntityID, ps)
	if err := e.sync(ctx, ps, pageEntityID); err != nil {
		return "", err
	}
	return ps.head, nil
}

func (e *Engine) commit(ctx context.Context, ps *pageState, pageEntityID string, props doc.PageProperties, steps []doc.Step, userID, sessionID string) (Commit, error) {
	raw, err := props.Encode()
	if err != nil {
		return Commit{}, err
	}
	entity, err := e.store.CreateVersionAt(ctx, pageEntityID, ps.head, raw, userID)
	if err != nil {
		return Commit{}, err
	}

	commit := Commit{
		PageEntityID:  pageEntityID,
		AccountID:     entity.AccountID,
		VersionID:     entity.EntityVersionID,
		PrevVersionID: ps.head,
		Seq:           entity.Seq,
		AuthorID:      userID,
		SessionID:     sessionID,
		Title:         props.Title,
		TitleChanged:  props.Title != ps.props.Title,
		Steps:         append([]doc.Step{}, steps...),
		Contents:      props.Contents,
		CommittedAt:   entity.UpdatedAt,
	}
	ps.advance(entry{versionID: commit.VersionID, prevVersionID: commit.PrevVersionID, steps: commit.Steps}, entity.Seq, props, e.logSize)

	e.mu.Lock()
	hooks := append([]CommitHook(nil), e.hooks...)
	e.mu.Unlock()
	for _, hook := range hooks {
		hook(commit)
	}
	return commit, nil
}

// sync loads the page on first use and folds a head moved by another
// writer into the log as a single diff entry.
func (e *Engine) sync(ctx context.Context, ps *pageState, pageEntityID string) error {
	latest, err := e.store.GetLatest(ctx, pageEntityID)
	if err != nil {
		return fmt.Errorf("load page %s: %w", pageEntityID, err)
	}
	if latest.Type != schema.TypePage {
		return fmt.Errorf("load page %s: %w", pageEntityID, store.ErrNotFound)
	}
	if ps.loaded && latest.EntityVersionID == ps.head {
		return nil
	}
	props, err := doc.ParsePageProperties(latest.Properties)
	if err != nil {
		return err
	}
	if !ps.loaded {
		ps.loaded = true
		ps.head = latest.EntityVersionID
		ps.seq = latest.Seq
		ps.props = props
		return nil
	}

	e.logger.Info().Str("pageEntityId", pageEntityID).Str("from", ps.head).Str("to", latest.EntityVersionID).Msg("page changed outside the engine")
	var steps []doc.Step
	if d := doc.Diff(ps.props.Contents, props.Contents); d != nil {
		steps = []doc.Step{d}
	}
	ps.advance(entry{versionID: latest.EntityVersionID, prevVersionID: ps.head, steps: steps}, latest.Seq, props, e.logSize)
	return nil
}

// since returns the base document and the steps that turn it into the
// current head. Bases older than the log are reconstructed as one diff.
func (e *Engine) since(ctx context.Context, ps *pageState, pageEntityID, baseVersionID string) (doc.Document, []doc.Step, error) {
	if baseVersionID == ps.head {
		return ps.props.Contents, []doc.Step{}, nil
	}
	if steps, ok := ps.stepsAfter(baseVersionID); ok {
		base, err := e.contentsAt(ctx, pageEntityID, baseVersionID)
		if err != nil {
			return doc.Document{}, nil, err
		}
		return base, steps, nil
	}

	base, err := e.contentsAt(ctx, pageEntityID, baseVersionID)
	if err != nil {
		return doc.Document{}, nil, err
	}
	metrics.StepLogRebuilds.Inc()
	e.logger.Debug().Str("pageEntityId", pageEntityID).Str("base", baseVersionID).Msg("base outside step log")
	steps := []doc.Step{}
	if d := doc.Diff(base, ps.props.Contents); d != nil {
		steps = append(steps, d)
	}
	return base, steps, nil
}

func (e *Engine) contentsAt(ctx context.Context, pageEntityID, versionID string) (doc.Document, error) {
	entity, err := e.store.GetVersion(ctx, pageEntityID, versionID)
	if err != nil {
		return doc.Document{}, fmt.Errorf("load base version %s: %w", versionID, err)
	}
	props, err := doc.ParsePageProperties(entity.Properties)
	if err != nil {
		return doc.Document{}, err
	}
	return props.Contents, nil
}
