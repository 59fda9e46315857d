// Package domain defines the core types and collaborator contracts
// for the Shrike lead deduplication engine.
package domain

import (
	"context"
	"time"
)

// LeadStore is the read side of the persistence collaborator. All
// methods are tenant-scoped; a lead outside the tenant is not found.
type LeadStore interface {
	// GetLead fetches a single lead by id.
	GetLead(ctx context.Context, tenantID string, leadID string) (*Lead, error)

	// FindByExactField returns active leads whose normalized field
	// equals value, newest first. Field must be a known attribute.
	FindByExactField(ctx context.Context, tenantID string, field string, value string) ([]*Lead, error)

	// FindWithField returns the fuzzy candidate pool: active leads
	// carrying any non-empty value for field, newest first.
	FindWithField(ctx context.Context, tenantID string, field string) ([]*Lead, error)
}

// LeadWriter is the write side of the persistence collaborator. All
// writes are conditional on the lead's current version so two
// concurrent merges of the same source cannot both succeed.
type LeadWriter interface {
	// UpdateMergedPayload replaces the target lead's payload if its
	// version still matches expectedVersion. Returns ErrConflict on a
	// version mismatch.
	UpdateMergedPayload(ctx context.Context, tenantID string, targetID string, payload map[string]string, expectedVersion int64) error

	// MarkMerged flags the source lead as merged into the target if
	// it is still active at expectedVersion. Returns ErrConflict when
	// another merge won the race.
	MarkMerged(ctx context.Context, tenantID string, sourceID string, targetID string, expectedVersion int64) error

	// CommitMerge applies both writes as one atomic unit: target
	// payload update plus source merged flag. Partial application is
	// not a valid outcome.
	CommitMerge(ctx context.Context, tenantID string, sourceID string, targetID string, payload map[string]string, sourceVersion int64, targetVersion int64) error
}

// ConfigStore serves the tenant detection configuration with
// replace-whole-object update semantics.
type ConfigStore interface {
	// GetDetectionConfig returns the latest config version for the
	// tenant, or the default config if none was ever stored.
	GetDetectionConfig(ctx context.Context, tenantID string) (*DetectionConfig, error)

	// PutDetectionConfig stores cfg as a new immutable version.
	PutDetectionConfig(ctx context.Context, tenantID string, cfg *DetectionConfig) error
}

// GroupStore persists duplicate groups and their resolution state.
type GroupStore interface {
	SaveGroup(ctx context.Context, tenantID string, group *Group) error
	GetGroup(ctx context.Context, tenantID string, groupID string) (*Group, error)

	// MarkGroupResolved records a terminal resolution. Returns
	// ErrConflict if the group was already resolved.
	MarkGroupResolved(ctx context.Context, tenantID string, groupID string, method string, primaryLeadID string, resolvedAt time.Time) error

	ListOpenGroups(ctx context.Context, tenantID string) ([]*Group, error)
}

// AuditStore appends and reads the append-only merge timeline.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, tenantID string, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, leadID string) ([]*AuditEvent, error)
}

// AuditSink is the engine-facing audit collaborator. Append is used
// on the merge critical path and blocks at most for its configured
// timeout; Emit is fire-and-forget for detection-side events.
type AuditSink interface {
	Append(ctx context.Context, event *AuditEvent) error
	Emit(event *AuditEvent)
	Close() error
}

// Repository is the full persistence surface implemented by the
// storage backends. Engine components depend on the narrow
// interfaces above, not on this aggregate.
type Repository interface {
	LeadStore
	LeadWriter
	ConfigStore
	GroupStore
	AuditStore

	// SaveLead belongs to the surrounding intake system, not the
	// engine; it exists here so tooling and tests can seed leads.
	SaveLead(ctx context.Context, tenantID string, lead *Lead) error

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
