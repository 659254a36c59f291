package search

import (
	"context"
	"strings"

	"pagecollab/internal/doc"
)

// Result is a single search hit returned to the caller.
type Result struct {
	PageEntityID string `json:"pageEntityId"`
	AccountID    string `json:"accountId"`
	VersionID    string `json:"versionId"`
	Title        string `json:"title"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	AccountID string // empty = all accounts
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push pages into a search index.
type Indexer interface {
	IndexPage(rec PageRecord) error
	IndexPages(recs []PageRecord) error
	DeletePage(id string) error
}

// PageRecord is the data we index for a page's head version.
type PageRecord struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	VersionID string `json:"versionId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

func NewPageRecord(pageEntityID, accountID, versionID string, props doc.PageProperties) PageRecord {
	return PageRecord{
		ID:        pageEntityID,
		AccountID: accountID,
		VersionID: versionID,
		Title:     props.Title,
		Body:      props.Contents.TextContent(),
	}
}

// snippet returns up to width runes of body around the first match of text.
func snippet(body, text string, width int) string {
	runes := []rune(body)
	if len(runes) <= width {
		return body
	}
	idx := strings.Index(strings.ToLower(body), strings.ToLower(text))
	if idx < 0 {
		return string(runes[:width]) + "…"
	}
	start := len([]rune(body[:idx])) - width/4
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(runes) {
		end = len(runes)
	}
	out := string(runes[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}
