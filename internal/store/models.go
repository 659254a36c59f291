package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("entity not found")
	ErrNotVersioned    = errors.New("entity is not versioned")
	ErrVersioned       = errors.New("entity is versioned; create a version instead")
	ErrVersionConflict = errors.New("entity head moved")
)

// ValidationError reports properties that do not satisfy the entity type's schema.
type ValidationError struct {
	EntityType string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s properties: %s", e.EntityType, e.Reason)
}

// Entity is one version of an entity: the stable EntityID plus the
// properties snapshot stored under EntityVersionID.
type Entity struct {
	EntityID        string          `json:"entityId"`
	EntityVersionID string          `json:"entityVersionId"`
	AccountID       string          `json:"accountId"`
	Type            string          `json:"type"`
	Versioned       bool            `json:"versioned"`
	CreatedByID     string          `json:"createdById"`
	UpdatedByID     string          `json:"updatedById"`
	Seq             int64           `json:"seq"`
	Properties      json.RawMessage `json:"properties"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// VersionMeta describes one link of an entity's version chain.
type VersionMeta struct {
	EntityVersionID   string    `json:"entityVersionId" db:"entity_version_id"`
	PreviousVersionID string    `json:"previousVersionId,omitempty" db:"previous_version_id"`
	Seq               int64     `json:"seq" db:"seq"`
	CreatedByID       string    `json:"createdById" db:"created_by_id"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}

// CreateEntityParams are the inputs to CreateEntity. EntityID is generated
// when empty.
type CreateEntityParams struct {
	EntityID    string
	AccountID   string
	Type        string
	CreatedByID string
	Properties  json.RawMessage
	Versioned   bool
}

// entityRow is the joined entities + entity_versions row.
type entityRow struct {
	EntityID          string    `db:"entity_id"`
	AccountID         string    `db:"account_id"`
	Type              string    `db:"type"`
	Versioned         bool      `db:"versioned"`
	EntityCreatedByID string    `db:"entity_created_by_id"`
	LatestVersionID   string    `db:"latest_version_id"`
	EntityCreatedAt   time.Time `db:"entity_created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
	EntityVersionID   string    `db:"entity_version_id"`
	Seq               int64     `db:"seq"`
	VersionCreatedBy  string    `db:"version_created_by_id"`
	Properties        []byte    `db:"properties"`
	VersionCreatedAt  time.Time `db:"version_created_at"`
}

func (r entityRow) toEntity() Entity {
	updatedAt := r.VersionCreatedAt
	if !r.Versioned {
		updatedAt = r.UpdatedAt
	}
	return Entity{
		EntityID:        r.EntityID,
		EntityVersionID: r.EntityVersionID,
		AccountID:       r.AccountID,
		Type:            r.Type,
		Versioned:       r.Versioned,
		CreatedByID:     r.EntityCreatedByID,
		UpdatedByID:     r.VersionCreatedBy,
		Seq:             r.Seq,
		Properties:      json.RawMessage(r.Properties),
		CreatedAt:       r.EntityCreatedAt,
		UpdatedAt:       updatedAt,
	}
}
