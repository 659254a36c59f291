// Package broadcast fans live page activity out to the sessions viewing a
// page: selection positions, their retraction, and committed steps.
// Delivery is best-effort through bounded per-session queues; nothing is
// persisted, so a new subscriber starts from a snapshot.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagecollab/internal/doc"
	"pagecollab/internal/logging"
	"pagecollab/internal/metrics"
	"pagecollab/internal/session"
)

const (
	DefaultBufferSize = 256
	// minBufferSize leaves room for a resync marker and the snapshot after it.
	minBufferSize = 2
)

type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindPosition Kind = "position"
	KindRetract  Kind = "retract"
	KindSteps    Kind = "steps"
	// KindResync tells a subscriber it missed steps and must reload the page.
	KindResync Kind = "resync"
)

type Position struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Anchor    int    `json:"anchor"`
	Head      int    `json:"head"`
	Seq       uint64 `json:"seq"`
}

// Commit describes one committed version of a page.
type Commit struct {
	VersionID     string     `json:"versionId"`
	PrevVersionID string     `json:"prevVersionId"`
	AuthorID      string     `json:"authorId"`
	SessionID     string     `json:"sessionId,omitempty"`
	Title         *string    `json:"title,omitempty"`
	Steps         []doc.Step `json:"steps"`
	CommittedAt   time.Time  `json:"committedAt"`
}

type Event struct {
	Kind         Kind       `json:"type"`
	PageEntityID string     `json:"pageEntityId"`
	Position     *Position  `json:"position,omitempty"`
	Positions    []Position `json:"positions,omitempty"`
	SessionID    string     `json:"sessionId,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Commit       *Commit    `json:"commit,omitempty"`
}

// PositionSource owns session state; the channel only reads and relays it.
type PositionSource interface {
	ReportPosition(ctx context.Context, sessionID string, anchor, head int) (session.Session, error)
	ListActive(pageEntityID string) []session.Session
	Get(sessionID string) (session.Session, error)
}

type Options struct {
	BufferSize int
	Logger     zerolog.Logger
}

type Channel struct {
	mu    sync.RWMutex
	pages map[string]map[string]*Subscriber
	subs  map[string]*Subscriber

	source     PositionSource
	bufferSize int
	logger     zerolog.Logger
}

func New(source PositionSource, opts Options) *Channel {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferSize < minBufferSize {
		opts.BufferSize = minBufferSize
	}
	return &Channel{
		pages:      make(map[string]map[string]*Subscriber),
		subs:       make(map[string]*Subscriber),
		source:     source,
		bufferSize: opts.BufferSize,
		logger:     logging.Component(opts.Logger, "broadcast"),
	}
}

// Subscribe registers the session and queues a snapshot of the page's other
// positions as its first event. Subscribing again returns the existing
// subscriber with its queued presence replaced by a fresh snapshot. A
// session that ended while subscribing gets an already closed subscriber.
func (c *Channel) Subscribe(s session.Session) *Subscriber {
	c.mu.Lock()
	if existing, ok := c.subs[s.ID]; ok {
		c.mu.Unlock()
		existing.refresh(c.snapshot(s.PageEntityID, s.ID))
		return existing
	}
	sub := newSubscriber(s.ID, s.PageEntityID, c.bufferSize)
	c.subs[s.ID] = sub
	page, ok := c.pages[s.PageEntityID]
	if !ok {
		page = make(map[string]*Subscriber)
		c.pages[s.PageEntityID] = page
	}
	page[s.ID] = sub
	c.mu.Unlock()

	// An end observed before registration could not unsubscribe us.
	if _, err := c.source.Get(s.ID); err != nil {
		c.Unsubscribe(s.ID)
		return sub
	}
	sub.enqueue(c.snapshot(s.PageEntityID, s.ID))
	return sub
}

// snapshot lists the positions of the page's sessions other than exclude.
func (c *Channel) snapshot(pageEntityID, exclude string) Event {
	positions := []Position{}
	for _, other := range c.source.ListActive(pageEntityID) {
		if other.ID == exclude {
			continue
		}
		positions = append(positions, positionOf(other))
	}
	return Event{Kind: KindSnapshot, PageEntityID: pageEntityID, Positions: positions}
}

// Subscriber returns the registered subscriber for a session.
func (c *Channel) Subscriber(sessionID string) (*Subscriber, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.subs[sessionID]
	return sub, ok
}

func (c *Channel) Unsubscribe(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
		if page := c.pages[sub.pageEntityID]; page != nil {
			delete(page, sessionID)
			if len(page) == 0 {
				delete(c.pages, sub.pageEntityID)
			}
		}
	}
	c.mu.Unlock()
	if ok {
		sub.close()
	}
}

// PublishPosition records the session's selection and relays it to the
// page's other sessions.
func (c *Channel) PublishPosition(ctx context.Context, sessionID string, anchor, head int) error {
	s, err := c.source.ReportPosition(ctx, sessionID, anchor, head)
	if err != nil {
		return fmt.Errorf("publish position %s: %w", sessionID, err)
	}
	pos := positionOf(s)
	c.fanOut(s.PageEntityID, s.ID, Event{Kind: KindPosition, PageEntityID: s.PageEntityID, Position: &pos})
	return nil
}

// Retract tells the page's other sessions to drop s's selection, then
// closes s's own queue.
func (c *Channel) Retract(s session.Session, reason error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	c.fanOut(s.PageEntityID, s.ID, Event{Kind: KindRetract, PageEntityID: s.PageEntityID, SessionID: s.ID, Reason: msg})
	c.Unsubscribe(s.ID)
}

// PublishSteps relays a commit to every session of the page except the
// author's. Callers publish in commit order.
func (c *Channel) PublishSteps(pageEntityID string, commit Commit) {
	c.fanOut(pageEntityID, commit.SessionID, Event{Kind: KindSteps, PageEntityID: pageEntityID, Commit: &commit})
}

func (c *Channel) fanOut(pageEntityID, exclude string, ev Event) {
	c.mu.RLock()
	targets := make([]*Subscriber, 0, len(c.pages[pageEntityID]))
	for id, sub := range c.pages[pageEntityID] {
		if id != exclude {
			targets = append(targets, sub)
		}
	}
	c.mu.RUnlock()

	for _, sub := range targets {
		switch sub.enqueue(ev) {
		case resynced:
			c.logger.Debug().Str("sessionId", sub.sessionID).Str("kind", string(ev.Kind)).Msg("subscriber fell behind, resyncing")
			sub.enqueue(c.snapshot(pageEntityID, sub.sessionID))
		case dropped:
			c.logger.Debug().Str("sessionId", sub.sessionID).Str("kind", string(ev.Kind)).Msg("stale event discarded")
		}
	}
	metrics.BroadcastEvents.WithLabelValues(string(ev.Kind)).Add(float64(len(targets)))
}

func positionOf(s session.Session) Position {
	return Position{SessionID: s.ID, UserID: s.UserID, Anchor: s.Anchor, Head: s.Head, Seq: s.Seq}
}
