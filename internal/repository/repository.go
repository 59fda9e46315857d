// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/normalize"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// normColumn maps a matchable attribute to its normalized column.
func normColumn(field string) (string, error) {
	switch field {
	case domain.FieldEmail:
		return "norm_email", nil
	case domain.FieldPhone:
		return "norm_phone", nil
	case domain.FieldName:
		return "norm_name", nil
	case domain.FieldAddress:
		return "norm_address", nil
	case domain.FieldPostalCode:
		return "norm_postal", nil
	default:
		return "", fmt.Errorf("%w: unknown match field %q", domain.ErrValidation, field)
	}
}

const leadColumns = `id, tenant_id, payload, status, merged_into, version, created_at, updated_at`

func scanLead(scan func(...any) error) (*domain.Lead, error) {
	var lead domain.Lead
	var payload string

	if err := scan(
		&lead.ID, &lead.TenantID, &payload,
		&lead.Status, &lead.MergedInto, &lead.Version,
		&lead.CreatedAt, &lead.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if payload != "" {
		json.Unmarshal([]byte(payload), &lead.Payload)
	}
	return &lead, nil
}

// SaveLead upserts a lead and recomputes its normalized columns.
// Intake owns lead creation; this exists for tooling and tests.
func (r *SQLRepository) SaveLead(ctx context.Context, tenantID string, lead *domain.Lead) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	now := time.Now().UTC()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	if lead.Version == 0 {
		lead.Version = 1
	}
	if lead.Status == "" {
		lead.Status = domain.LeadStatusActive
	}

	payload, _ := json.Marshal(lead.Payload)
	norm := normalize.Payload(lead.Payload)

	query := `
		INSERT INTO leads (
			id, tenant_id, payload,
			norm_email, norm_phone, norm_name, norm_address, norm_postal,
			status, merged_into, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			payload = excluded.payload,
			norm_email = excluded.norm_email,
			norm_phone = excluded.norm_phone,
			norm_name = excluded.norm_name,
			norm_address = excluded.norm_address,
			norm_postal = excluded.norm_postal,
			status = excluded.status,
			merged_into = excluded.merged_into,
			version = excluded.version,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		lead.ID, tenantID, string(payload),
		norm[domain.FieldEmail], norm[domain.FieldPhone], norm[domain.FieldName],
		norm[domain.FieldAddress], norm[domain.FieldPostalCode],
		lead.Status, lead.MergedInto, lead.Version,
		lead.CreatedAt, lead.UpdatedAt,
	)
	return err
}

// GetLead retrieves a lead by ID with tenant isolation.
func (r *SQLRepository) GetLead(ctx context.Context, tenantID string, leadID string) (*domain.Lead, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	query := `SELECT ` + leadColumns + ` FROM leads WHERE tenant_id = ? AND id = ?`

	lead, err := scanLead(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, leadID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: lead %s", domain.ErrNotFound, leadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return lead, nil
}

// FindByExactField returns active leads whose normalized field equals
// value, newest first. The value is normalized before comparison.
func (r *SQLRepository) FindByExactField(ctx context.Context, tenantID string, field string, value string) ([]*domain.Lead, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	column, err := normColumn(field)
	if err != nil {
		return nil, err
	}
	normalized := normalize.Field(field, value)
	if normalized == "" {
		return nil, nil
	}

	query := `
		SELECT ` + leadColumns + `
		FROM leads
		WHERE tenant_id = ? AND status = 'active' AND ` + column + ` = ?
		ORDER BY created_at DESC, id
	`
	return r.queryLeads(ctx, query, tenantID, normalized)
}

// FindWithField returns active leads carrying any non-empty value for
// field, newest first. This is the fuzzy candidate pool.
func (r *SQLRepository) FindWithField(ctx context.Context, tenantID string, field string) ([]*domain.Lead, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	column, err := normColumn(field)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + leadColumns + `
		FROM leads
		WHERE tenant_id = ? AND status = 'active' AND ` + column + ` != ''
		ORDER BY created_at DESC, id
	`
	return r.queryLeads(ctx, query, tenantID)
}

func (r *SQLRepository) queryLeads(ctx context.Context, query string, args ...any) ([]*domain.Lead, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	defer rows.Close()

	var leads []*domain.Lead
	for rows.Next() {
		lead, err := scanLead(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
		}
		leads = append(leads, lead)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return leads, nil
}

// UpdateMergedPayload replaces the target payload if the version still
// matches. Normalized columns are recomputed from the new payload.
func (r *SQLRepository) UpdateMergedPayload(ctx context.Context, tenantID string, targetID string, payload map[string]string, expectedVersion int64) error {
	return r.execLeadWrite(ctx, r.db, tenantID, targetID, expectedVersion, updatePayloadQuery, r.payloadArgs(payload))
}

// MarkMerged flags the source lead as merged into target if it is
// still active at the expected version.
func (r *SQLRepository) MarkMerged(ctx context.Context, tenantID string, sourceID string, targetID string, expectedVersion int64) error {
	return r.execLeadWrite(ctx, r.db, tenantID, sourceID, expectedVersion, markMergedQuery, []any{targetID})
}

// CommitMerge applies the target payload update and the source merged
// flag inside one transaction. Either both land or neither does.
func (r *SQLRepository) CommitMerge(ctx context.Context, tenantID string, sourceID string, targetID string, payload map[string]string, sourceVersion int64, targetVersion int64) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin merge tx: %v", domain.ErrTransientStore, err)
	}
	defer tx.Rollback()

	if err := r.execLeadWrite(ctx, tx, tenantID, targetID, targetVersion, updatePayloadQuery, r.payloadArgs(payload)); err != nil {
		return err
	}
	if err := r.execLeadWrite(ctx, tx, tenantID, sourceID, sourceVersion, markMergedQuery, []any{targetID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit merge tx: %v", domain.ErrTransientStore, err)
	}
	return nil
}

const updatePayloadQuery = `
	UPDATE leads
	SET payload = ?,
		norm_email = ?, norm_phone = ?, norm_name = ?, norm_address = ?, norm_postal = ?,
		version = version + 1, updated_at = ?
	WHERE tenant_id = ? AND id = ? AND version = ? AND status = 'active'
`

const markMergedQuery = `
	UPDATE leads
	SET status = 'merged', merged_into = ?,
		version = version + 1, updated_at = ?
	WHERE tenant_id = ? AND id = ? AND version = ? AND status = 'active'
`

func (r *SQLRepository) payloadArgs(payload map[string]string) []any {
	raw, _ := json.Marshal(payload)
	norm := normalize.Payload(payload)
	return []any{
		string(raw),
		norm[domain.FieldEmail], norm[domain.FieldPhone], norm[domain.FieldName],
		norm[domain.FieldAddress], norm[domain.FieldPostalCode],
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execLeadWrite runs a version-guarded lead update and classifies a
// zero-row outcome as not-found or version conflict.
func (r *SQLRepository) execLeadWrite(ctx context.Context, db execer, tenantID, leadID string, expectedVersion int64, query string, leading []any) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	args := append(leading, time.Now().UTC(), tenantID, leadID, expectedVersion)
	result, err := db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	if affected == 0 {
		var exists int
		check := `SELECT COUNT(1) FROM leads WHERE tenant_id = ? AND id = ?`
		if err := r.db.QueryRowContext(ctx, r.rebind(check), tenantID, leadID).Scan(&exists); err == nil && exists == 0 {
			return fmt.Errorf("%w: lead %s", domain.ErrNotFound, leadID)
		}
		return fmt.Errorf("%w: lead %s changed since it was read", domain.ErrConflict, leadID)
	}
	return nil
}

// GetDetectionConfig returns the highest stored config version, or the
// tenant default if none was ever stored.
func (r *SQLRepository) GetDetectionConfig(ctx context.Context, tenantID string) (*domain.DetectionConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	query := `
		SELECT config FROM detection_configs
		WHERE tenant_id = ?
		ORDER BY version DESC
		LIMIT 1
	`

	var raw string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultDetectionConfig(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	var cfg domain.DetectionConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse detection config: %w", err)
	}
	return &cfg, nil
}

// PutDetectionConfig stores cfg as the next immutable version.
func (r *SQLRepository) PutDetectionConfig(ctx context.Context, tenantID string, cfg *domain.DetectionConfig) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin config tx: %v", domain.ErrTransientStore, err)
	}
	defer tx.Rollback()

	var next int64
	verQuery := `SELECT COALESCE(MAX(version), 0) + 1 FROM detection_configs WHERE tenant_id = ?`
	if err := tx.QueryRowContext(ctx, r.rebind(verQuery), tenantID).Scan(&next); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	cfg.TenantID = tenantID
	cfg.Version = next
	cfg.CreatedAt = time.Now().UTC()
	raw, _ := json.Marshal(cfg)

	insert := `INSERT INTO detection_configs (tenant_id, version, config, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, r.rebind(insert), tenantID, next, string(raw), cfg.CreatedAt); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit config tx: %v", domain.ErrTransientStore, err)
	}
	return nil
}

// SaveGroup stores a duplicate group with tenant isolation.
func (r *SQLRepository) SaveGroup(ctx context.Context, tenantID string, group *domain.Group) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	candidates, _ := json.Marshal(group.Candidates)
	resolved := 0
	if group.Resolved {
		resolved = 1
	}

	query := `
		INSERT INTO duplicate_groups (
			id, tenant_id, candidates, primary_lead_id,
			resolved, resolution_method, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		group.ID, tenantID, string(candidates), group.PrimaryLeadID,
		resolved, group.ResolutionMethod, group.CreatedAt, group.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return nil
}

// GetGroup retrieves a duplicate group by ID with tenant isolation.
func (r *SQLRepository) GetGroup(ctx context.Context, tenantID string, groupID string) (*domain.Group, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	query := `
		SELECT id, tenant_id, candidates, primary_lead_id,
			   resolved, resolution_method, created_at, resolved_at
		FROM duplicate_groups
		WHERE tenant_id = ? AND id = ?
	`

	group, err := scanGroup(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, groupID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: group %s", domain.ErrNotFound, groupID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return group, nil
}

func scanGroup(scan func(...any) error) (*domain.Group, error) {
	var group domain.Group
	var candidates string
	var resolved int
	var resolvedAt sql.NullTime

	if err := scan(
		&group.ID, &group.TenantID, &candidates, &group.PrimaryLeadID,
		&resolved, &group.ResolutionMethod, &group.CreatedAt, &resolvedAt,
	); err != nil {
		return nil, err
	}
	group.Resolved = resolved == 1
	if resolvedAt.Valid {
		t := resolvedAt.Time
		group.ResolvedAt = &t
	}
	json.Unmarshal([]byte(candidates), &group.Candidates)
	return &group, nil
}

// MarkGroupResolved records a terminal resolution. A group can only be
// resolved once.
func (r *SQLRepository) MarkGroupResolved(ctx context.Context, tenantID string, groupID string, method string, primaryLeadID string, resolvedAt time.Time) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	query := `
		UPDATE duplicate_groups
		SET resolved = 1, resolution_method = ?, primary_lead_id = ?, resolved_at = ?
		WHERE tenant_id = ? AND id = ? AND resolved = 0
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), method, primaryLeadID, resolvedAt, tenantID, groupID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	if affected == 0 {
		if _, err := r.GetGroup(ctx, tenantID, groupID); err != nil {
			return err
		}
		return fmt.Errorf("%w: group %s is already resolved", domain.ErrConflict, groupID)
	}
	return nil
}

// ListOpenGroups returns the tenant's unresolved groups, oldest first.
func (r *SQLRepository) ListOpenGroups(ctx context.Context, tenantID string) ([]*domain.Group, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	query := `
		SELECT id, tenant_id, candidates, primary_lead_id,
			   resolved, resolution_method, created_at, resolved_at
		FROM duplicate_groups
		WHERE tenant_id = ? AND resolved = 0
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	defer rows.Close()

	var groups []*domain.Group
	for rows.Next() {
		group, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
		}
		groups = append(groups, group)
	}
	return groups, rows.Err()
}

// AppendAuditEvent stores one audit event. The timeline is append-only.
func (r *SQLRepository) AppendAuditEvent(ctx context.Context, tenantID string, event *domain.AuditEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	detail, _ := json.Marshal(event.Detail)

	query := `
		INSERT INTO audit_events (
			id, tenant_id, kind, source_lead_id, target_lead_id, actor, detail, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, tenantID, event.Kind,
		event.SourceLeadID, event.TargetLeadID, event.Actor,
		string(detail), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	return nil
}

// ListAuditEvents returns the audit timeline touching leadID, oldest
// first.
func (r *SQLRepository) ListAuditEvents(ctx context.Context, tenantID string, leadID string) ([]*domain.AuditEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	query := `
		SELECT id, tenant_id, kind, source_lead_id, target_lead_id, actor, detail, timestamp
		FROM audit_events
		WHERE tenant_id = ? AND (source_lead_id = ? OR target_lead_id = ?)
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, leadID, leadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var detail string

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.Kind,
			&ev.SourceLeadID, &ev.TargetLeadID, &ev.Actor,
			&detail, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
		}
		if detail != "" {
			json.Unmarshal([]byte(detail), &ev.Detail)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
