package session

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagecollab/internal/logging"
	"pagecollab/internal/metrics"
	"pagecollab/internal/util"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 5 * time.Second
	mirrorTimeout        = 2 * time.Second
)

// Mirror receives a copy of session state for presence outside this process.
type Mirror interface {
	Put(ctx context.Context, s Session, expireAt time.Time) error
	Remove(ctx context.Context, s Session) error
	ListActive(ctx context.Context, pageEntityID string, now time.Time) ([]Session, error)
}

// EndFunc observes sessions that leave or time out. reason is ErrSessionLeft
// or a *SessionTimeoutError.
type EndFunc func(s Session, reason error)

type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Mirror        Mirror
	Logger        zerolog.Logger
	Now           func() time.Time
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byPage   map[string]map[string]struct{}

	observersMu sync.RWMutex
	observers   []EndFunc

	timeout  time.Duration
	interval time.Duration
	mirror   Mirror
	logger   zerolog.Logger
	now      func() time.Time
}

func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byPage:   make(map[string]map[string]struct{}),
		timeout:  opts.Timeout,
		interval: opts.SweepInterval,
		mirror:   opts.Mirror,
		logger:   logging.Component(opts.Logger, "session"),
		now:      opts.Now,
	}
}

// OnEnd registers fn to run after a session leaves or is evicted.
func (m *Manager) OnEnd(fn EndFunc) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Join opens a new session. The same user may hold several sessions on one
// page (one per tab).
func (m *Manager) Join(ctx context.Context, pageEntityID, userID string) (Session, error) {
	pageEntityID = strings.TrimSpace(pageEntityID)
	userID = strings.TrimSpace(userID)
	if pageEntityID == "" || userID == "" {
		return Session{}, errors.New("join session: page and user are required")
	}

	now := m.now()
	s := &Session{
		ID:              util.NewID("ses"),
		UserID:          userID,
		PageEntityID:    pageEntityID,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	page, ok := m.byPage[pageEntityID]
	if !ok {
		page = make(map[string]struct{})
		m.byPage[pageEntityID] = page
	}
	page[s.ID] = struct{}{}
	snapshot := *s
	m.mu.Unlock()

	metrics.SessionsActive.Inc()
	m.mirrorPut(ctx, snapshot)
	m.logger.Debug().Str("sessionId", snapshot.ID).Str("pageId", pageEntityID).Str("userId", userID).Msg("session joined")
	return snapshot, nil
}

func (m *Manager) Heartbeat(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	s.LastHeartbeatAt = m.now()
	snapshot := *s
	m.mu.Unlock()

	m.mirrorPut(ctx, snapshot)
	return snapshot, nil
}

// ReportPosition records the session's selection and bumps its sequence
// number. It also counts as a heartbeat.
func (m *Manager) ReportPosition(ctx context.Context, sessionID string, anchor, head int) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	s.Anchor = anchor
	s.Head = head
	s.Seq++
	s.LastHeartbeatAt = m.now()
	snapshot := *s
	m.mu.Unlock()

	m.mirrorPut(ctx, snapshot)
	return snapshot, nil
}

func (m *Manager) Leave(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.remove(sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	m.end([]Session{s}, []error{ErrSessionLeft})
	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		if err := m.mirror.Remove(ctx, s); err != nil {
			m.logger.Warn().Err(err).Str("sessionId", s.ID).Msg("presence mirror remove failed")
		}
	}
	return nil
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// ListActive returns the page's sessions on this node, oldest first.
func (m *Manager) ListActive(pageEntityID string) []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.byPage[pageEntityID]))
	for id := range m.byPage[pageEntityID] {
		out = append(out, *m.sessions[id])
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// ListCluster returns the page's sessions across every node sharing the
// presence mirror, or the local sessions when there is no mirror.
func (m *Manager) ListCluster(ctx context.Context, pageEntityID string) ([]Session, error) {
	if m.mirror == nil {
		return m.ListActive(pageEntityID), nil
	}
	return m.mirror.ListActive(ctx, pageEntityID, m.now())
}

// Sweep evicts sessions idle for longer than the timeout and returns them.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []Session {
	var evicted []Session
	var reasons []error

	m.mu.Lock()
	for id, s := range m.sessions {
		idle := now.Sub(s.LastHeartbeatAt)
		if idle <= m.timeout {
			continue
		}
		removed, _ := m.remove(id)
		evicted = append(evicted, removed)
		reasons = append(reasons, &SessionTimeoutError{SessionID: id, IdleFor: idle})
	}
	m.mu.Unlock()

	if len(evicted) == 0 {
		return nil
	}
	m.end(evicted, reasons)
	if m.mirror != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
		defer cancel()
		for _, s := range evicted {
			if err := m.mirror.Remove(ctx, s); err != nil {
				m.logger.Warn().Err(err).Str("sessionId", s.ID).Msg("presence mirror remove failed")
			}
		}
	}
	return evicted
}

// Run sweeps on a fixed interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if evicted := m.Sweep(ctx, m.now()); len(evicted) > 0 {
				m.logger.Info().Int("count", len(evicted)).Msg("evicted idle sessions")
			}
		}
	}
}

// remove must be called with mu held.
func (m *Manager) remove(sessionID string) (Session, bool) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	delete(m.sessions, sessionID)
	if page := m.byPage[s.PageEntityID]; page != nil {
		delete(page, sessionID)
		if len(page) == 0 {
			delete(m.byPage, s.PageEntityID)
		}
	}
	return *s, true
}

func (m *Manager) end(sessions []Session, reasons []error) {
	m.observersMu.RLock()
	observers := append([]EndFunc(nil), m.observers...)
	m.observersMu.RUnlock()

	for i, s := range sessions {
		reason := "left"
		var timeout *SessionTimeoutError
		if errors.As(reasons[i], &timeout) {
			reason = "timeout"
		}
		metrics.SessionsActive.Dec()
		metrics.SessionsEnded.WithLabelValues(reason).Inc()
		m.logger.Debug().Str("sessionId", s.ID).Str("pageId", s.PageEntityID).Str("reason", reason).Msg("session ended")

		for _, fn := range observers {
			fn(s, reasons[i])
		}
	}
}

func (m *Manager) mirrorPut(ctx context.Context, s Session) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := m.mirror.Put(ctx, s, s.LastHeartbeatAt.Add(m.timeout)); err != nil {
		m.logger.Warn().Err(err).Str("sessionId", s.ID).Msg("presence mirror put failed")
	}
}
