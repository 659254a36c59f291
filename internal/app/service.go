package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"pagecollab/internal/auth"
	"pagecollab/internal/broadcast"
	"pagecollab/internal/collab"
	"pagecollab/internal/config"
	"pagecollab/internal/doc"
	"pagecollab/internal/events"
	"pagecollab/internal/logging"
	"pagecollab/internal/query"
	"pagecollab/internal/schema"
	"pagecollab/internal/search"
	"pagecollab/internal/session"
	"pagecollab/internal/store"
)

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID    string
	UserName  string
	AccountID string
	TokenID   string
}

type CreateEntityInput struct {
	EntityID   string          `json:"entityId"`
	AccountID  string          `json:"accountId"`
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	Versioned  *bool           `json:"versioned"`
}

type CreatePageInput struct {
	Title    string       `json:"title"`
	Contents doc.Document `json:"contents"`
}

type SubmitStepsInput struct {
	BaseVersionID string    `json:"baseVersionId"`
	SessionID     string    `json:"sessionId"`
	Steps         doc.Steps `json:"steps"`
}

// entityStore is what the service needs from the entity store.
type entityStore interface {
	Ping(context.Context) error
	CreateEntity(context.Context, store.CreateEntityParams) (store.Entity, error)
	CreateVersion(context.Context, string, json.RawMessage, string) (store.Entity, error)
	UpdateEntity(context.Context, string, json.RawMessage, string) (store.Entity, error)
	GetLatest(context.Context, string) (store.Entity, error)
	GetVersion(context.Context, string, string) (store.Entity, error)
	ListVersions(context.Context, string) ([]store.VersionMeta, error)
}

type Deps struct {
	Entities  entityStore
	Engine    *collab.Engine
	Sessions  *session.Manager
	Broadcast *broadcast.Channel
	Pages     *query.Service
	Search    *search.Service
	// Events is nil when no Kafka brokers are configured.
	Events *events.Dispatcher
	Logger zerolog.Logger
}

type Service struct {
	cfg       config.Config
	entities  entityStore
	engine    *collab.Engine
	sessions  *session.Manager
	broadcast *broadcast.Channel
	pages     *query.Service
	search    *search.Service
	events    *events.Dispatcher
	logger    zerolog.Logger
}

// New wires the components together: commits fan out to live sessions,
// the event bus and the search index; ended sessions are retracted, and a
// page left without sessions drops its merge state.
func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		entities:  deps.Entities,
		engine:    deps.Engine,
		sessions:  deps.Sessions,
		broadcast: deps.Broadcast,
		pages:     deps.Pages,
		search:    deps.Search,
		events:    deps.Events,
		logger:    logging.Component(deps.Logger, "app"),
	}
	s.engine.OnCommit(s.onCommit)
	s.sessions.OnEnd(func(ended session.Session, reason error) {
		s.broadcast.Retract(ended, reason)
		if len(s.sessions.ListActive(ended.PageEntityID)) == 0 {
			s.engine.Evict(ended.PageEntityID)
		}
	})
	return s
}

func (s *Service) onCommit(c collab.Commit) {
	commit := broadcast.Commit{
		VersionID:     c.VersionID,
		PrevVersionID: c.PrevVersionID,
		AuthorID:      c.AuthorID,
		SessionID:     c.SessionID,
		Steps:         c.Steps,
		CommittedAt:   c.CommittedAt,
	}
	if c.TitleChanged {
		title := c.Title
		commit.Title = &title
	}
	s.broadcast.PublishSteps(c.PageEntityID, commit)

	if s.events != nil {
		s.events.Publish(events.PageCommitted{
			PageEntityID:  c.PageEntityID,
			AccountID:     c.AccountID,
			VersionID:     c.VersionID,
			PrevVersionID: c.PrevVersionID,
			Seq:           c.Seq,
			AuthorID:      c.AuthorID,
			Title:         c.Title,
			Steps:         c.Steps,
			CommittedAt:   c.CommittedAt,
		})
	}
	if s.search != nil {
		s.search.IndexPage(search.NewPageRecord(c.PageEntityID, c.AccountID, c.VersionID, doc.PageProperties{Title: c.Title, Contents: c.Contents}))
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.entities.Ping(ctx)
}

func (s *Service) CallerFromToken(_ context.Context, token string) (Caller, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{UserID: claims.UserID(), UserName: claims.Name, AccountID: claims.AccountID, TokenID: claims.ID}, nil
}

// Entities

func (s *Service) CreateEntity(ctx context.Context, caller Caller, input CreateEntityInput) (store.Entity, error) {
	versioned := input.Type != schema.TypeUser
	if input.Versioned != nil {
		versioned = *input.Versioned
	}
	createdBy := caller.UserID
	if input.Type == schema.TypeUser {
		// users own themselves
		createdBy = ""
	}
	entity, err := s.entities.CreateEntity(ctx, store.CreateEntityParams{
		EntityID:    input.EntityID,
		AccountID:   input.AccountID,
		Type:        input.Type,
		CreatedByID: createdBy,
		Properties:  input.Properties,
		Versioned:   versioned,
	})
	if err != nil {
		return store.Entity{}, err
	}
	s.indexIfPage(entity)
	return entity, nil
}

func (s *Service) GetEntity(ctx context.Context, entityID string) (store.Entity, error) {
	return s.entities.GetLatest(ctx, entityID)
}

func (s *Service) GetEntityVersion(ctx context.Context, entityID, versionID string) (store.Entity, error) {
	return s.entities.GetVersion(ctx, entityID, versionID)
}

func (s *Service) ListVersions(ctx context.Context, entityID string) ([]store.VersionMeta, error) {
	return s.entities.ListVersions(ctx, entityID)
}

// CreateVersion appends a whole properties snapshot. Page edits made this
// way reach live sessions as a diff the next time the page is merged.
func (s *Service) CreateVersion(ctx context.Context, caller Caller, entityID string, properties json.RawMessage) (store.Entity, error) {
	entity, err := s.entities.CreateVersion(ctx, entityID, properties, caller.UserID)
	if err != nil {
		return store.Entity{}, err
	}
	s.indexIfPage(entity)
	return entity, nil
}

func (s *Service) UpdateEntity(ctx context.Context, caller Caller, entityID string, properties json.RawMessage) (store.Entity, error) {
	return s.entities.UpdateEntity(ctx, entityID, properties, caller.UserID)
}

func (s *Service) indexIfPage(entity store.Entity) {
	if s.search == nil || entity.Type != schema.TypePage {
		return
	}
	props, err := doc.ParsePageProperties(entity.Properties)
	if err != nil {
		return
	}
	s.search.IndexPage(search.NewPageRecord(entity.EntityID, entity.AccountID, entity.EntityVersionID, props))
}

// Pages

func (s *Service) CreatePage(ctx context.Context, caller Caller, accountID string, input CreatePageInput) (store.Entity, error) {
	if strings.TrimSpace(accountID) == "" {
		return store.Entity{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "accountId is required", nil)
	}
	if input.Contents.Content == nil {
		input.Contents = doc.NewDocument(doc.Block("paragraph"))
	}
	raw, err := doc.PageProperties{Title: input.Title, Contents: input.Contents}.Encode()
	if err != nil {
		return store.Entity{}, err
	}
	return s.CreateEntity(ctx, caller, CreateEntityInput{AccountID: accountID, Type: schema.TypePage, Properties: raw})
}

func (s *Service) GetPage(ctx context.Context, accountID, pageEntityID, versionID string) (query.Page, error) {
	return s.pages.GetPage(ctx, accountID, pageEntityID, versionID)
}

func (s *Service) SubmitSteps(ctx context.Context, caller Caller, pageEntityID string, input SubmitStepsInput) (collab.Result, error) {
	if input.SessionID != "" {
		if _, err := s.touchSession(ctx, caller, input.SessionID, pageEntityID); err != nil {
			return collab.Result{}, err
		}
	}
	return s.engine.Submit(ctx, collab.Submission{
		PageEntityID:  pageEntityID,
		BaseVersionID: input.BaseVersionID,
		Steps:         input.Steps,
		UserID:        caller.UserID,
		SessionID:     input.SessionID,
	})
}

func (s *Service) SetPageTitle(ctx context.Context, caller Caller, pageEntityID, title, sessionID string) (string, error) {
	if sessionID != "" {
		if _, err := s.touchSession(ctx, caller, sessionID, pageEntityID); err != nil {
			return "", err
		}
	}
	return s.engine.SetTitle(ctx, pageEntityID, title, caller.UserID, sessionID)
}

// Sessions

// JoinPage opens a session on an existing page and subscribes it to the
// page's live events.
func (s *Service) JoinPage(ctx context.Context, caller Caller, pageEntityID string) (session.Session, string, error) {
	head, err := s.engine.Head(ctx, pageEntityID)
	if err != nil {
		return session.Session{}, "", err
	}
	joined, err := s.sessions.Join(ctx, pageEntityID, caller.UserID)
	if err != nil {
		return session.Session{}, "", err
	}
	if sub := s.broadcast.Subscribe(joined); subscriberClosed(sub) {
		return session.Session{}, "", fmt.Errorf("session %s: %w", joined.ID, session.ErrSessionNotFound)
	}
	return joined, head, nil
}

func (s *Service) ListSessions(ctx context.Context, pageEntityID string) ([]session.Session, error) {
	sessions, err := s.sessions.ListCluster(ctx, pageEntityID)
	if err != nil {
		s.logger.Warn().Err(err).Str("pageEntityId", pageEntityID).Msg("cluster presence unavailable, listing local sessions")
		return s.sessions.ListActive(pageEntityID), nil
	}
	return sessions, nil
}

func (s *Service) Heartbeat(ctx context.Context, caller Caller, sessionID string) (session.Session, error) {
	return s.touchSession(ctx, caller, sessionID, "")
}

func (s *Service) PublishPosition(ctx context.Context, caller Caller, sessionID string, anchor, head int) error {
	if _, err := s.ownSession(caller, sessionID); err != nil {
		return err
	}
	if anchor < 0 || head < 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchor and head must be non-negative", nil)
	}
	return s.broadcast.PublishPosition(ctx, sessionID, anchor, head)
}

func (s *Service) LeaveSession(ctx context.Context, caller Caller, sessionID string) error {
	if _, err := s.ownSession(caller, sessionID); err != nil {
		return err
	}
	return s.sessions.Leave(ctx, sessionID)
}

// Subscription returns the live event queue of one of the caller's
// sessions. A reconnecting client finds a fresh snapshot at the end of it.
func (s *Service) Subscription(caller Caller, sessionID string) (session.Session, *broadcast.Subscriber, error) {
	own, err := s.ownSession(caller, sessionID)
	if err != nil {
		return session.Session{}, nil, err
	}
	sub := s.broadcast.Subscribe(own)
	if subscriberClosed(sub) {
		return session.Session{}, nil, fmt.Errorf("session %s: %w", sessionID, session.ErrSessionNotFound)
	}
	return own, sub, nil
}

func subscriberClosed(sub *broadcast.Subscriber) bool {
	select {
	case <-sub.Done():
		return true
	default:
		return false
	}
}

// ownSession hides other users' sessions behind not-found.
func (s *Service) ownSession(caller Caller, sessionID string) (session.Session, error) {
	found, err := s.sessions.Get(sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if found.UserID != caller.UserID {
		return session.Session{}, fmt.Errorf("session %s: %w", sessionID, session.ErrSessionNotFound)
	}
	return found, nil
}

func (s *Service) touchSession(ctx context.Context, caller Caller, sessionID, pageEntityID string) (session.Session, error) {
	own, err := s.ownSession(caller, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if pageEntityID != "" && own.PageEntityID != pageEntityID {
		return session.Session{}, domainError(http.StatusConflict, "SESSION_PAGE_MISMATCH", "Session belongs to another page", nil)
	}
	return s.sessions.Heartbeat(ctx, sessionID)
}

// Search

func (s *Service) Search(ctx context.Context, text, accountID string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, AccountID: accountID, Limit: limit, Offset: offset})
}

// Reindex pushes all page heads into the search index.
func (s *Service) Reindex(ctx context.Context) {
	if s.search != nil {
		s.search.ReindexAll(ctx)
	}
}
