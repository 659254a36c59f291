package broadcast

import (
	"slices"
	"sync"

	"pagecollab/internal/metrics"
)

type delivery int

const (
	dropped delivery = iota
	queued
	// resynced means the backlog was replaced by a resync marker.
	resynced
)

// Subscriber is one session's outbound queue.
type Subscriber struct {
	sessionID    string
	pageEntityID string

	mu      sync.Mutex
	events  chan Event
	lastSeq map[string]uint64
	closed  bool
	done    chan struct{}
}

func newSubscriber(sessionID, pageEntityID string, size int) *Subscriber {
	return &Subscriber{
		sessionID:    sessionID,
		pageEntityID: pageEntityID,
		events:       make(chan Event, size),
		lastSeq:      make(map[string]uint64),
		done:         make(chan struct{}),
	}
}

func (s *Subscriber) SessionID() string { return s.sessionID }

// Events yields queued events. It is never closed; watch Done.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Done is closed once the subscriber is removed from the channel.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// enqueue never blocks. A position no newer than one already seen for the
// same publisher is discarded. When the queue is full the backlog is
// compacted so only the newest position per publisher survives; an event
// that still does not fit replaces the backlog with a resync marker, since
// the client can no longer follow the commit sequence.
func (s *Subscriber) enqueue(ev Event) delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dropped
	}

	switch {
	case ev.Kind == KindPosition && ev.Position != nil:
		if last, ok := s.lastSeq[ev.Position.SessionID]; ok && ev.Position.Seq <= last {
			return dropped
		}
		s.lastSeq[ev.Position.SessionID] = ev.Position.Seq
	case ev.Kind == KindSnapshot:
		s.noteSnapshot(ev)
	}

	select {
	case s.events <- ev:
		return queued
	default:
	}

	metrics.BroadcastDropped.Inc()
	backlog := compact(s.drain(), ev)
	if len(backlog) < cap(s.events) {
		s.refill(backlog)
		s.events <- ev
		return queued
	}
	s.resync()
	return resynced
}

// refresh replaces queued presence events with snapshot. Queued steps stay
// ahead of it in order.
func (s *Subscriber) refresh(snapshot Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	kept := []Event{}
	for _, ev := range s.drain() {
		switch ev.Kind {
		case KindSnapshot, KindPosition, KindRetract:
		default:
			kept = append(kept, ev)
		}
	}
	if len(kept) >= cap(s.events) {
		s.resync()
	} else {
		s.refill(kept)
	}
	s.noteSnapshot(snapshot)
	select {
	case s.events <- snapshot:
	default:
	}
}

// resync must be called with mu held.
func (s *Subscriber) resync() {
	s.drain()
	s.lastSeq = make(map[string]uint64)
	s.events <- Event{Kind: KindResync, PageEntityID: s.pageEntityID, Reason: "subscriber fell behind"}
}

func (s *Subscriber) noteSnapshot(ev Event) {
	for _, p := range ev.Positions {
		if p.Seq > s.lastSeq[p.SessionID] {
			s.lastSeq[p.SessionID] = p.Seq
		}
	}
}

// drain empties the queue without blocking. Only enqueue and refresh send,
// both under mu, so a refill of at most the drained events always fits.
func (s *Subscriber) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (s *Subscriber) refill(events []Event) {
	for _, ev := range events {
		s.events <- ev
	}
}

// compact drops positions superseded by a later position or retraction of
// the same session, counting incoming as the latest event.
func compact(backlog []Event, incoming Event) []Event {
	superseded := map[string]bool{}
	mark := func(ev Event) {
		switch {
		case ev.Kind == KindPosition && ev.Position != nil:
			superseded[ev.Position.SessionID] = true
		case ev.Kind == KindRetract:
			superseded[ev.SessionID] = true
		}
	}
	mark(incoming)

	kept := make([]Event, 0, len(backlog))
	for i := len(backlog) - 1; i >= 0; i-- {
		ev := backlog[i]
		if ev.Kind == KindPosition && ev.Position != nil && superseded[ev.Position.SessionID] {
			continue
		}
		mark(ev)
		kept = append(kept, ev)
	}
	slices.Reverse(kept)
	return kept
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}
