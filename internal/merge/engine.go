// Package merge implements field-level lead merging under a
// conflict-resolution policy. Detection fails soft; merging fails
// loud: every store error on this path is surfaced, never swallowed.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/normalize"
)

// Engine merges two lead records and records the audit timeline.
type Engine struct {
	store   domain.LeadStore
	writer  domain.LeadWriter
	configs domain.ConfigStore // optional
	audit   domain.AuditSink
	bus     domain.EventBus // optional
}

// NewEngine creates a merge engine. configs and bus may be nil; a
// merge-committed notification is published only when a bus is wired
// and the tenant's detection config has notificationEnabled set.
func NewEngine(store domain.LeadStore, writer domain.LeadWriter, configs domain.ConfigStore, audit domain.AuditSink, bus domain.EventBus) *Engine {
	return &Engine{
		store:   store,
		writer:  writer,
		configs: configs,
		audit:   audit,
		bus:     bus,
	}
}

// MergePayloads combines two payloads field by field: the incoming
// value wins when non-empty, otherwise the existing value stays.
// Keys present on only one side carry through unchanged. The rule is
// applied independently per field, so the operation is
// order-independent across fields and idempotent.
func MergePayloads(existing, incoming map[string]string) map[string]string {
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		if _, present := merged[k]; !present || strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	return merged
}

// MergeLeads merges the source lead into the target. Explicit
// fieldResolutions override the default incoming-wins rule per field;
// a MergeConflict is recorded for every field where both sides held
// differing non-empty values. The persistence write is one atomic
// unit, bracketed by merge_started and merge_committed/merge_failed
// audit events.
func (e *Engine) MergeLeads(ctx context.Context, tenantID, sourceID, targetID string, fieldResolutions map[string]domain.FieldResolution, performedBy, reason string) (*domain.MergeOperation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if sourceID == "" || targetID == "" {
		return nil, fmt.Errorf("%w: sourceLeadId and targetLeadId are required", domain.ErrValidation)
	}
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: a lead cannot be merged into itself", domain.ErrValidation)
	}
	for field, r := range fieldResolutions {
		switch r.Resolution {
		case domain.ConflictKeepSource, domain.ConflictKeepTarget, domain.ConflictCustom:
		default:
			return nil, fmt.Errorf("%w: unknown resolution %q for field %q", domain.ErrValidation, r.Resolution, field)
		}
	}

	source, err := e.store.GetLead(ctx, tenantID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source lead: %w", err)
	}
	target, err := e.store.GetLead(ctx, tenantID, targetID)
	if err != nil {
		return nil, fmt.Errorf("load target lead: %w", err)
	}

	// A source that already merged must fail fast rather than
	// re-apply; the first merge's outcome stands.
	if source.Status != domain.LeadStatusActive {
		return nil, fmt.Errorf("%w: source lead %s is already merged", domain.ErrConflict, sourceID)
	}
	if target.Status != domain.LeadStatusActive {
		return nil, fmt.Errorf("%w: target lead %s is not active", domain.ErrConflict, targetID)
	}

	merged := MergePayloads(target.Payload, source.Payload)
	conflicts := resolveConflicts(source.Payload, target.Payload, fieldResolutions, merged)

	now := time.Now().UTC()
	op := &domain.MergeOperation{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		SourceLeadID: sourceID,
		TargetLeadID: targetID,
		MergedFields: merged,
		Conflicts:    conflicts,
		PerformedBy:  performedBy,
		PerformedAt:  now,
	}

	// The started event must be durable before the payload commit so
	// crash recovery can tell an attempted merge from a finished one.
	started := e.event(op, domain.AuditMergeStarted, map[string]string{
		"reason":    reason,
		"conflicts": fmt.Sprintf("%d", len(conflicts)),
	})
	if err := e.audit.Append(ctx, started); err != nil {
		return nil, fmt.Errorf("%w: audit write before merge: %v", domain.ErrTransientStore, err)
	}
	op.AuditTrail = append(op.AuditTrail, *started)

	if err := e.writer.CommitMerge(ctx, tenantID, sourceID, targetID, merged, source.Version, target.Version); err != nil {
		failed := e.event(op, domain.AuditMergeFailed, map[string]string{"error": err.Error()})
		if auditErr := e.audit.Append(ctx, failed); auditErr != nil {
			slog.Error("merge_failed audit write lost",
				"tenant_id", tenantID,
				"source_lead_id", sourceID,
				"error", auditErr,
			)
		}
		op.AuditTrail = append(op.AuditTrail, *failed)

		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
			err = fmt.Errorf("%w: commit merge: %v", domain.ErrTransientStore, err)
		}
		return op, err
	}

	committed := e.event(op, domain.AuditMergeCommitted, nil)
	if err := e.audit.Append(ctx, committed); err != nil {
		slog.Error("merge_committed audit write lost",
			"tenant_id", tenantID,
			"source_lead_id", sourceID,
			"error", err,
		)
	}
	op.AuditTrail = append(op.AuditTrail, *committed)

	e.publishCommitted(ctx, op)

	slog.Info("leads merged",
		"tenant_id", tenantID,
		"source_lead_id", sourceID,
		"target_lead_id", targetID,
		"conflicts", len(conflicts),
		"performed_by", performedBy,
	)
	return op, nil
}

// resolveConflicts records a conflict for every field where both
// sides held differing non-empty values and applies explicit
// resolutions onto the merged payload.
func resolveConflicts(source, target map[string]string, resolutions map[string]domain.FieldResolution, merged map[string]string) []domain.MergeConflict {
	fields := make(map[string]bool, len(source)+len(target))
	for f := range source {
		fields[f] = true
	}
	for f := range target {
		fields[f] = true
	}

	var conflicts []domain.MergeConflict
	for field := range fields {
		sv, tv := source[field], target[field]
		differs := strings.TrimSpace(sv) != "" && strings.TrimSpace(tv) != "" &&
			normalize.Field(field, sv) != normalize.Field(field, tv)

		resolution, explicit := resolutions[field]
		if explicit {
			switch resolution.Resolution {
			case domain.ConflictKeepSource:
				merged[field] = sv
			case domain.ConflictKeepTarget:
				merged[field] = tv
			case domain.ConflictCustom:
				merged[field] = resolution.CustomValue
			}
		}
		if !differs {
			continue
		}

		conflict := domain.MergeConflict{
			Field:       field,
			SourceValue: sv,
			TargetValue: tv,
			Resolution:  domain.ConflictKeepSource,
		}
		if explicit {
			conflict.Resolution = resolution.Resolution
			conflict.CustomValue = resolution.CustomValue
		}
		conflicts = append(conflicts, conflict)
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })
	return conflicts
}

func (e *Engine) event(op *domain.MergeOperation, kind string, detail map[string]string) *domain.AuditEvent {
	return &domain.AuditEvent{
		ID:           uuid.New().String(),
		TenantID:     op.TenantID,
		Kind:         kind,
		SourceLeadID: op.SourceLeadID,
		TargetLeadID: op.TargetLeadID,
		Actor:        op.PerformedBy,
		Detail:       detail,
		Timestamp:    time.Now().UTC(),
	}
}

func (e *Engine) publishCommitted(ctx context.Context, op *domain.MergeOperation) {
	if e.bus == nil || !e.notifyEnabled(ctx, op.TenantID) {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"mergeId":      op.ID,
		"sourceLeadId": op.SourceLeadID,
		"targetLeadId": op.TargetLeadID,
		"conflicts":    len(op.Conflicts),
		"performedBy":  op.PerformedBy,
	})
	if err := e.bus.Publish(ctx, op.TenantID, domain.TopicMergeCommitted, payload); err != nil {
		slog.Warn("merge notification dropped",
			"tenant_id", op.TenantID,
			"merge_id", op.ID,
			"error", err,
		)
	}
}

// notifyEnabled reads the tenant's notification switch. Lookup
// failures fall back to the default config, the same degradation the
// detection path uses.
func (e *Engine) notifyEnabled(ctx context.Context, tenantID string) bool {
	if e.configs == nil {
		return domain.DefaultDetectionConfig(tenantID).NotificationEnabled
	}
	cfg, err := e.configs.GetDetectionConfig(ctx, tenantID)
	if err != nil || cfg == nil {
		if err != nil {
			slog.Warn("detection config lookup failed, using defaults",
				"tenant_id", tenantID,
				"error", err,
			)
		}
		return domain.DefaultDetectionConfig(tenantID).NotificationEnabled
	}
	return cfg.NotificationEnabled
}
