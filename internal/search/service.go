package search

import (
	"context"

	"github.com/rs/zerolog"

	"pagecollab/internal/doc"
	"pagecollab/internal/logging"
	"pagecollab/internal/schema"
	"pagecollab/internal/store"
)

// Index is a search backend that can also be written to.
type Index interface {
	Searcher
	Indexer
}

// PageLister loads every page head for a full reindex.
type PageLister interface {
	ListLatest(ctx context.Context, accountID, entityType string) ([]store.Entity, error)
}

// Service is the facade that tries the index first and falls back to SQL.
type Service struct {
	index    Index
	fallback Searcher
	pages    PageLister
	logger   zerolog.Logger
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher, pages PageLister, logger zerolog.Logger) *Service {
	return &Service{index: index, fallback: fallback, pages: pages, logger: logging.Component(logger, "search")}
}

// Search tries the index if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to sql")
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("sql search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage indexes a page head (fire-and-forget).
func (s *Service) IndexPage(rec PageRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexPage(rec); err != nil {
			s.logger.Warn().Err(err).Str("pageEntityId", rec.ID).Msg("index page")
		}
	}()
}

// ReindexAll pushes every page head from the store into the index.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.pages == nil {
		return
	}
	pages, err := s.pages.ListLatest(ctx, "", schema.TypePage)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	recs := make([]PageRecord, 0, len(pages))
	for _, p := range pages {
		props, err := doc.ParsePageProperties(p.Properties)
		if err != nil {
			s.logger.Warn().Err(err).Str("pageEntityId", p.EntityID).Msg("skip unparsable page")
			continue
		}
		recs = append(recs, NewPageRecord(p.EntityID, p.AccountID, p.EntityVersionID, props))
	}
	if err := s.index.IndexPages(recs); err != nil {
		s.logger.Error().Err(err).Msg("reindex pages")
		return
	}
	s.logger.Info().Int("pages", len(recs)).Msg("reindexed pages")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
