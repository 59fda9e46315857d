package domain

import (
	"time"
)

// Conflict resolutions for a single field.
const (
	ConflictKeepSource = "source"
	ConflictKeepTarget = "target"
	ConflictCustom     = "custom"
)

// Audit event kinds emitted around a merge.
const (
	AuditMergeStarted   = "merge_started"
	AuditMergeCommitted = "merge_committed"
	AuditMergeFailed    = "merge_failed"
	AuditGroupResolved  = "group_resolved"
)

// MergeConflict records a field where source and target both held a
// non-empty value that differed after normalization-aware comparison.
type MergeConflict struct {
	Field       string `json:"field"`
	SourceValue string `json:"sourceValue"`
	TargetValue string `json:"targetValue"`
	Resolution  string `json:"resolution"` // source, target, or custom
	CustomValue string `json:"customValue,omitempty"`
}

// FieldResolution is an explicit, caller-provided answer for one
// conflicting field.
type FieldResolution struct {
	Resolution  string `json:"resolution"`
	CustomValue string `json:"customValue,omitempty"`
}

// MergeOperation is the immutable record of one merge invocation.
// Only its audit trail grows after creation.
type MergeOperation struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	SourceLeadID string            `json:"sourceLeadId"`
	TargetLeadID string            `json:"targetLeadId"`
	MergedFields map[string]string `json:"mergedFields"`
	Conflicts    []MergeConflict   `json:"conflicts,omitempty"`
	PerformedBy  string            `json:"performedBy"`
	PerformedAt  time.Time         `json:"performedAt"`
	AuditTrail   []AuditEvent      `json:"auditTrail"`
}

// AuditEvent is one entry in the append-only merge timeline. The
// started event is written before the payload commit and the
// committed/failed event after it, so crash recovery can tell an
// attempted merge from a finished one.
type AuditEvent struct {
	ID           string            `json:"id"`
	TenantID     string            `json:"tenantId"`
	Kind         string            `json:"kind"`
	SourceLeadID string            `json:"sourceLeadId,omitempty"`
	TargetLeadID string            `json:"targetLeadId,omitempty"`
	Actor        string            `json:"actor,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}
