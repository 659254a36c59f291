package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"pagecollab/internal/schema"
	"pagecollab/internal/util"
)

const entitySelect = `
	SELECT e.entity_id, e.account_id, e.type, e.versioned,
		e.created_by_id AS entity_created_by_id, e.latest_version_id,
		e.created_at AS entity_created_at, e.updated_at,
		v.entity_version_id, v.seq, v.created_by_id AS version_created_by_id,
		v.properties, v.created_at AS version_created_at
	FROM entities e
	JOIN entity_versions v ON v.entity_id = e.entity_id`

// PropertyValidator checks a properties payload for an entity type.
type PropertyValidator interface {
	Validate(entityType string, properties []byte) error
}

// EntityStore is the append-only entity version store. Versioned entities
// get a new immutable entity_versions row per mutation; the chain per entity
// is linear because writers serialize on a per-entity lock, a row lock
// (Postgres) or an immediate transaction (SQLite), and the uniqueness of
// previous_version_id.
type EntityStore struct {
	db        *sqlx.DB
	validator PropertyValidator
	locks     *keyedMutex
	now       func() time.Time
	retry     retryConfig
}

func NewEntityStore(db *sqlx.DB, validator PropertyValidator) *EntityStore {
	if validator == nil {
		validator = schema.MustNewValidator()
	}
	return &EntityStore{
		db:        db,
		validator: validator,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
		retry:     defaultRetryConfig,
	}
}

func (s *EntityStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *EntityStore) validate(entityType string, properties []byte) error {
	if err := s.validator.Validate(entityType, properties); err != nil {
		return &ValidationError{EntityType: entityType, Reason: err.Error()}
	}
	return nil
}

// CreateEntity inserts the entity and its first version. Users own
// themselves: an empty creator or account defaults to the new entity id.
func (s *EntityStore) CreateEntity(ctx context.Context, params CreateEntityParams) (Entity, error) {
	params.Type = strings.TrimSpace(params.Type)
	if params.Type == "" {
		return Entity{}, &ValidationError{EntityType: params.Type, Reason: "type is required"}
	}
	if err := s.validate(params.Type, params.Properties); err != nil {
		return Entity{}, err
	}
	if params.EntityID == "" {
		params.EntityID = util.NewEntityID()
	} else if !util.IsEntityID(params.EntityID) {
		return Entity{}, &ValidationError{EntityType: params.Type, Reason: "entityId must be a UUID"}
	}
	if params.Type == schema.TypeUser {
		if params.CreatedByID == "" {
			params.CreatedByID = params.EntityID
		}
		if params.AccountID == "" {
			params.AccountID = params.EntityID
		}
	}
	if params.AccountID == "" {
		return Entity{}, &ValidationError{EntityType: params.Type, Reason: "accountId is required"}
	}
	if params.CreatedByID == "" {
		return Entity{}, &ValidationError{EntityType: params.Type, Reason: "createdById is required"}
	}

	versionID := util.NewEntityID()
	now := s.now()
	err := retryOp(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create entity: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO entities (entity_id, account_id, type, versioned, created_by_id, latest_version_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			params.EntityID, params.AccountID, params.Type, params.Versioned, params.CreatedByID, versionID, now, now,
		); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
		if err := insertVersion(ctx, tx, s.db, versionID, params.EntityID, 1, "", params.CreatedByID, params.Properties, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return Entity{}, err
	}

	return Entity{
		EntityID:        params.EntityID,
		EntityVersionID: versionID,
		AccountID:       params.AccountID,
		Type:            params.Type,
		Versioned:       params.Versioned,
		CreatedByID:     params.CreatedByID,
		UpdatedByID:     params.CreatedByID,
		Seq:             1,
		Properties:      params.Properties,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// CreateVersion appends a version after the current head.
func (s *EntityStore) CreateVersion(ctx context.Context, entityID string, properties json.RawMessage, updatedByID string) (Entity, error) {
	return s.appendVersion(ctx, entityID, "", properties, updatedByID)
}

// CreateVersionAt appends a version only if expectedHeadID is still the
// head, returning ErrVersionConflict otherwise.
func (s *EntityStore) CreateVersionAt(ctx context.Context, entityID, expectedHeadID string, properties json.RawMessage, updatedByID string) (Entity, error) {
	if expectedHeadID == "" {
		return Entity{}, fmt.Errorf("create version at: expected head is required")
	}
	return s.appendVersion(ctx, entityID, expectedHeadID, properties, updatedByID)
}

func (s *EntityStore) appendVersion(ctx context.Context, entityID, expectedHeadID string, properties json.RawMessage, updatedByID string) (Entity, error) {
	if strings.TrimSpace(updatedByID) == "" {
		return Entity{}, &ValidationError{Reason: "updatedById is required"}
	}
	unlock := s.locks.Lock(entityID)
	defer unlock()

	var created Entity
	err := retryOp(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create version: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		head, err := s.lockHead(ctx, tx, entityID)
		if err != nil {
			return err
		}
		if !head.Versioned {
			return ErrNotVersioned
		}
		if expectedHeadID != "" && head.EntityVersionID != expectedHeadID {
			return ErrVersionConflict
		}
		if err := s.validate(head.Type, properties); err != nil {
			return err
		}

		now := s.now()
		versionID := util.NewEntityID()
		if err := insertVersion(ctx, tx, s.db, versionID, entityID, head.Seq+1, head.EntityVersionID, updatedByID, properties, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE entities SET latest_version_id=?, updated_at=? WHERE entity_id=?`),
			versionID, now, entityID,
		); err != nil {
			return fmt.Errorf("advance entity head: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create version: %w", err)
		}

		created = head.toEntity()
		created.EntityVersionID = versionID
		created.Seq = head.Seq + 1
		created.UpdatedByID = updatedByID
		created.Properties = properties
		created.UpdatedAt = now
		return nil
	})
	return created, err
}

// UpdateEntity replaces the properties of a non-versioned entity in place.
func (s *EntityStore) UpdateEntity(ctx context.Context, entityID string, properties json.RawMessage, updatedByID string) (Entity, error) {
	unlock := s.locks.Lock(entityID)
	defer unlock()

	var updated Entity
	err := retryOp(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update entity: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		head, err := s.lockHead(ctx, tx, entityID)
		if err != nil {
			return err
		}
		if head.Versioned {
			return ErrVersioned
		}
		if err := s.validate(head.Type, properties); err != nil {
			return err
		}

		now := s.now()
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE entity_versions SET properties=?, created_by_id=? WHERE entity_version_id=?`),
			string(properties), updatedByID, head.EntityVersionID,
		); err != nil {
			return fmt.Errorf("update entity properties: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE entities SET updated_at=? WHERE entity_id=?`), now, entityID); err != nil {
			return fmt.Errorf("touch entity: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update entity: %w", err)
		}

		updated = head.toEntity()
		updated.UpdatedByID = updatedByID
		updated.Properties = properties
		updated.UpdatedAt = now
		return nil
	})
	return updated, err
}

func (s *EntityStore) GetLatest(ctx context.Context, entityID string) (Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(entitySelect+` AND v.entity_version_id = e.latest_version_id WHERE e.entity_id=?`), entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get latest %s: %w", entityID, err)
	}
	return row.toEntity(), nil
}

func (s *EntityStore) GetVersion(ctx context.Context, entityID, versionID string) (Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(entitySelect+` WHERE e.entity_id=? AND v.entity_version_id=?`), entityID, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, fmt.Errorf("get version %s/%s: %w", entityID, versionID, err)
	}
	return row.toEntity(), nil
}

// ListVersions returns the version chain newest first.
func (s *EntityStore) ListVersions(ctx context.Context, entityID string) ([]VersionMeta, error) {
	var versions []VersionMeta
	err := s.db.SelectContext(ctx, &versions, s.db.Rebind(`
		SELECT entity_version_id, COALESCE(previous_version_id, '') AS previous_version_id,
			seq, created_by_id, created_at
		FROM entity_versions
		WHERE entity_id=?
		ORDER BY seq DESC`), entityID)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", entityID, err)
	}
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions, nil
}

// ListLatest returns the head version of every entity of entityType,
// optionally restricted to one account.
func (s *EntityStore) ListLatest(ctx context.Context, accountID, entityType string) ([]Entity, error) {
	query := entitySelect + ` AND v.entity_version_id = e.latest_version_id WHERE e.type=?`
	args := []any{entityType}
	if accountID != "" {
		query += ` AND e.account_id=?`
		args = append(args, accountID)
	}
	query += ` ORDER BY e.updated_at DESC`

	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list latest %s: %w", entityType, err)
	}
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// SearchLatest does a case-insensitive substring match over the latest
// properties of entities of entityType.
func (s *EntityStore) SearchLatest(ctx context.Context, entityType, text string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	props := "v.properties"
	if s.db.DriverName() == DriverPostgres {
		props = "v.properties::text"
	}
	query := entitySelect + ` AND v.entity_version_id = e.latest_version_id
		WHERE e.type=? AND LOWER(` + props + `) LIKE ?
		ORDER BY e.updated_at DESC
		LIMIT ?`

	var rows []entityRow
	pattern := "%" + strings.ToLower(stripLikeWildcards(text)) + "%"
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), entityType, pattern, limit); err != nil {
		return nil, fmt.Errorf("search %s: %w", entityType, err)
	}
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

func stripLikeWildcards(value string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(value)
}

// lockHead reads the entity head inside tx. On Postgres the entity row is
// locked until the transaction ends.
func (s *EntityStore) lockHead(ctx context.Context, tx *sqlx.Tx, entityID string) (entityRow, error) {
	query := entitySelect + ` AND v.entity_version_id = e.latest_version_id WHERE e.entity_id=?`
	if s.db.DriverName() == DriverPostgres {
		query += ` FOR UPDATE OF e`
	}
	var row entityRow
	err := tx.GetContext(ctx, &row, s.db.Rebind(query), entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return entityRow{}, ErrNotFound
	}
	if err != nil {
		return entityRow{}, fmt.Errorf("lock entity %s: %w", entityID, err)
	}
	return row, nil
}

func insertVersion(ctx context.Context, tx *sqlx.Tx, db *sqlx.DB, versionID, entityID string, seq int64, previousID, createdByID string, properties json.RawMessage, at time.Time) error {
	var previous any
	if previousID != "" {
		previous = previousID
	}
	_, err := tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO entity_versions (entity_version_id, entity_id, seq, previous_version_id, created_by_id, properties, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		versionID, entityID, seq, previous, createdByID, string(properties), at,
	)
	if err != nil {
		return fmt.Errorf("insert entity version: %w", err)
	}
	return nil
}
