package repository

// Schema definitions for the Shrike database.
// Compatible with both SQLite and PostgreSQL.

// Leads carry their payload as JSON plus one normalized column per
// matchable attribute so exact-match scans stay index-backed.
const schemaLeads = `
CREATE TABLE IF NOT EXISTS leads (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    norm_email TEXT NOT NULL DEFAULT '',
    norm_phone TEXT NOT NULL DEFAULT '',
    norm_name TEXT NOT NULL DEFAULT '',
    norm_address TEXT NOT NULL DEFAULT '',
    norm_postal TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    merged_into TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_leads_tenant ON leads(tenant_id);
CREATE INDEX IF NOT EXISTS idx_leads_email ON leads(tenant_id, norm_email);
CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(tenant_id, norm_phone);
CREATE INDEX IF NOT EXISTS idx_leads_postal ON leads(tenant_id, norm_postal);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(tenant_id, status);
`

// Detection configs are immutable versions; the highest version wins.
const schemaDetectionConfigs = `
CREATE TABLE IF NOT EXISTS detection_configs (
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    config TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, version)
);
`

const schemaDuplicateGroups = `
CREATE TABLE IF NOT EXISTS duplicate_groups (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    candidates TEXT NOT NULL,
    primary_lead_id TEXT NOT NULL,
    resolved INTEGER NOT NULL DEFAULT 0,
    resolution_method TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_groups_tenant ON duplicate_groups(tenant_id);
CREATE INDEX IF NOT EXISTS idx_groups_open ON duplicate_groups(tenant_id, resolved);
`

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    source_lead_id TEXT NOT NULL DEFAULT '',
    target_lead_id TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events(tenant_id);
CREATE INDEX IF NOT EXISTS idx_audit_source ON audit_events(tenant_id, source_lead_id);
CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_events(tenant_id, target_lead_id);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(tenant_id, timestamp);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaLeads,
		schemaDetectionConfigs,
		schemaDuplicateGroups,
		schemaAuditEvents,
	}
}
