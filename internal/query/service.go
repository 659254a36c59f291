// Package query serves read-only page snapshots: a page's title and
// contents at its head or at a given version, with its version history.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pagecollab/internal/doc"
	"pagecollab/internal/logging"
	"pagecollab/internal/metrics"
	"pagecollab/internal/schema"
	"pagecollab/internal/store"
)

const (
	DefaultLatestTTL  = 2 * time.Second
	DefaultVersionTTL = time.Hour
)

type Reader interface {
	GetLatest(ctx context.Context, entityID string) (store.Entity, error)
	GetVersion(ctx context.Context, entityID, versionID string) (store.Entity, error)
	ListVersions(ctx context.Context, entityID string) ([]store.VersionMeta, error)
}

type HistoryEntry struct {
	VersionID   string    `json:"versionId"`
	Seq         int64     `json:"seq"`
	CreatedByID string    `json:"createdById"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Page struct {
	EntityID    string         `json:"entityId"`
	AccountID   string         `json:"accountId"`
	VersionID   string         `json:"versionId"`
	Title       string         `json:"title"`
	Contents    doc.Document   `json:"contents"`
	UpdatedByID string         `json:"updatedById"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	History     []HistoryEntry `json:"history"`
}

// snapshot is the cached part of a page read; history is cached apart
// from it because a fixed version never changes but its page's history does.
type snapshot struct {
	EntityID    string       `json:"entityId"`
	AccountID   string       `json:"accountId"`
	Type        string       `json:"type"`
	VersionID   string       `json:"versionId"`
	Seq         int64        `json:"seq"`
	Title       string       `json:"title"`
	Contents    doc.Document `json:"contents"`
	UpdatedByID string       `json:"updatedById"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

type Options struct {
	// Cache is optional; without it every read goes to the store.
	Cache Cache
	// LatestTTL bounds how stale a head read may be.
	LatestTTL  time.Duration
	VersionTTL time.Duration
	Logger     zerolog.Logger
}

type Service struct {
	reader     Reader
	cache      Cache
	sf         singleflight.Group
	latestTTL  time.Duration
	versionTTL time.Duration
	logger     zerolog.Logger
}

func NewService(reader Reader, opts Options) *Service {
	if opts.LatestTTL <= 0 {
		opts.LatestTTL = DefaultLatestTTL
	}
	if opts.VersionTTL <= 0 {
		opts.VersionTTL = DefaultVersionTTL
	}
	return &Service{
		reader:     reader,
		cache:      opts.Cache,
		latestTTL:  opts.LatestTTL,
		versionTTL: opts.VersionTTL,
		logger:     logging.Component(opts.Logger, "query"),
	}
}

// GetPage returns the page at versionID, or at its head when versionID is
// empty. Pages outside accountID are reported as not found.
func (s *Service) GetPage(ctx context.Context, accountID, pageEntityID, versionID string) (Page, error) {
	snap, err := s.snapshot(ctx, pageEntityID, versionID)
	if err != nil {
		return Page{}, err
	}
	if snap.Type != schema.TypePage || snap.AccountID != accountID {
		return Page{}, fmt.Errorf("get page %s: %w", pageEntityID, store.ErrNotFound)
	}

	history, err := s.history(ctx, snap, versionID == "")
	if err != nil {
		return Page{}, err
	}

	return Page{
		EntityID:    snap.EntityID,
		AccountID:   snap.AccountID,
		VersionID:   snap.VersionID,
		Title:       snap.Title,
		Contents:    snap.Contents,
		UpdatedByID: snap.UpdatedByID,
		UpdatedAt:   snap.UpdatedAt,
		History:     history,
	}, nil
}

// history lists the page's versions, newest first, consistent with snap:
// it always contains snap's version, and a head read lists nothing newer
// than the head it returns. Reading a fixed version lists the whole chain.
func (s *Service) history(ctx context.Context, snap snapshot, latest bool) ([]HistoryEntry, error) {
	key := "history:" + snap.EntityID
	history, err := cached(ctx, s, key, s.latestTTL, func(ctx context.Context) ([]HistoryEntry, error) {
		return s.loadHistory(ctx, snap.EntityID)
	})
	if err != nil {
		return nil, err
	}
	if !containsVersion(history, snap.VersionID) {
		// cached history predates the snapshot
		if history, err = s.loadHistory(ctx, snap.EntityID); err != nil {
			return nil, err
		}
		s.put(ctx, key, history, s.latestTTL)
	}
	if latest && snap.Seq > 0 {
		trimmed := history[:0:0]
		for _, h := range history {
			if h.Seq <= snap.Seq {
				trimmed = append(trimmed, h)
			}
		}
		history = trimmed
	}
	return history, nil
}

func (s *Service) loadHistory(ctx context.Context, pageEntityID string) ([]HistoryEntry, error) {
	versions, err := s.reader.ListVersions(ctx, pageEntityID)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(versions))
	for _, v := range versions {
		out = append(out, HistoryEntry{VersionID: v.EntityVersionID, Seq: v.Seq, CreatedByID: v.CreatedByID, CreatedAt: v.CreatedAt})
	}
	return out, nil
}

func containsVersion(history []HistoryEntry, versionID string) bool {
	for _, h := range history {
		if h.VersionID == versionID {
			return true
		}
	}
	return false
}

func (s *Service) snapshot(ctx context.Context, pageEntityID, versionID string) (snapshot, error) {
	key, ttl := "latest:"+pageEntityID, s.latestTTL
	if versionID != "" {
		key, ttl = "version:"+pageEntityID+":"+versionID, jitter(s.versionTTL)
	}
	return cached(ctx, s, key, ttl, func(ctx context.Context) (snapshot, error) {
		var (
			entity store.Entity
			err    error
		)
		if versionID == "" {
			entity, err = s.reader.GetLatest(ctx, pageEntityID)
		} else {
			entity, err = s.reader.GetVersion(ctx, pageEntityID, versionID)
		}
		if err != nil {
			return snapshot{}, err
		}
		snap := snapshot{
			EntityID:    entity.EntityID,
			AccountID:   entity.AccountID,
			Type:        entity.Type,
			VersionID:   entity.EntityVersionID,
			Seq:         entity.Seq,
			UpdatedByID: entity.UpdatedByID,
			UpdatedAt:   entity.UpdatedAt,
		}
		if entity.Type == schema.TypePage {
			props, err := doc.ParsePageProperties(entity.Properties)
			if err != nil {
				return snapshot{}, err
			}
			snap.Title = props.Title
			snap.Contents = props.Contents
		}
		return snap, nil
	})
}

// cached reads key through the cache, coalescing concurrent misses into
// one load. Cache failures degrade to a direct load.
func cached[T any](ctx context.Context, s *Service, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	v, err, _ := s.sf.Do(key, func() (any, error) {
		var out T
		if s.cache != nil {
			raw, hit, err := s.cache.Get(ctx, key)
			switch {
			case err != nil:
				metrics.CacheLookups.WithLabelValues("error").Inc()
				s.logger.Warn().Err(err).Str("key", key).Msg("page cache read failed")
			case hit:
				if err := json.Unmarshal(raw, &out); err == nil {
					metrics.CacheLookups.WithLabelValues("hit").Inc()
					return out, nil
				}
				s.logger.Warn().Str("key", key).Msg("discarding undecodable cache entry")
			default:
				metrics.CacheLookups.WithLabelValues("miss").Inc()
			}
		}

		out, err := load(ctx)
		if err != nil {
			return out, err
		}
		s.put(ctx, key, out, ttl)
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("load %s: unexpected cached type %T", key, v)
	}
	return out, nil
}

func (s *Service) put(ctx context.Context, key string, value any, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("page cache write failed")
	}
}

// jitter spreads expiry of long-lived entries over an extra tenth of ttl.
func jitter(ttl time.Duration) time.Duration {
	return ttl + time.Duration(rand.Int63n(int64(ttl)/10+1))
}
