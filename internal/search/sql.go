package search

import (
	"context"
	"strings"

	"pagecollab/internal/doc"
	"pagecollab/internal/schema"
	"pagecollab/internal/store"
)

// LatestSearcher is the store query the SQL fallback runs on.
type LatestSearcher interface {
	SearchLatest(ctx context.Context, entityType, text string, limit int) ([]store.Entity, error)
}

// SQLSearch implements Searcher over the latest page versions in the
// entity store. It is the fallback when Meilisearch is unavailable.
type SQLSearch struct {
	entities LatestSearcher
}

func NewSQLSearch(entities LatestSearcher) *SQLSearch {
	return &SQLSearch{entities: entities}
}

// Healthy always returns true; without the database nothing else works either.
func (s *SQLSearch) Healthy() bool {
	return true
}

// Search matches the raw properties in SQL, then keeps only pages whose
// title or text actually contains the query.
func (s *SQLSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	// Over-fetch: JSON keys and other accounts are filtered out below.
	candidates, err := s.entities.SearchLatest(ctx, schema.TypePage, text, (offset+limit)*4)
	if err != nil {
		return nil, 0, err
	}

	needle := strings.ToLower(text)
	var matches []Result
	for _, e := range candidates {
		if q.AccountID != "" && e.AccountID != q.AccountID {
			continue
		}
		props, err := doc.ParsePageProperties(e.Properties)
		if err != nil {
			continue
		}
		rec := NewPageRecord(e.EntityID, e.AccountID, e.EntityVersionID, props)
		if !strings.Contains(strings.ToLower(rec.Title), needle) && !strings.Contains(strings.ToLower(rec.Body), needle) {
			continue
		}
		matches = append(matches, Result{
			PageEntityID: rec.ID,
			AccountID:    rec.AccountID,
			VersionID:    rec.VersionID,
			Title:        rec.Title,
			Snippet:      snippet(rec.Body, text, 120),
		})
	}

	total := len(matches)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matches[offset:end], total, nil
}
