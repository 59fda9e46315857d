package domain

import (
	"time"
)

// Well-known payload attribute names. Payloads may carry arbitrary
// additional keys; only these participate in duplicate detection.
const (
	FieldEmail      = "email"
	FieldPhone      = "phone"
	FieldName       = "name"
	FieldAddress    = "address"
	FieldPostalCode = "postal_code"
)

// Lead lifecycle status.
const (
	LeadStatusActive = "active"
	LeadStatusMerged = "merged"
)

// Lead represents a prospective-customer record owned by the
// persistence layer. The engine reads leads and proposes merges; it
// never creates them.
type Lead struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Payload maps attribute names to raw values as captured at intake.
	Payload map[string]string `json:"payload"`

	// Status is "active" until the lead is merged into another record.
	Status     string `json:"status"`
	MergedInto string `json:"mergedInto,omitempty"`

	// Version guards conditional writes. Every committed update
	// increments it; a stale version makes the write fail with a
	// conflict instead of silently overwriting.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IdentifyingFields returns the payload keys that can anchor a
// duplicate search: email, phone, name, or address plus postal code.
func (l *Lead) IdentifyingFields() []string {
	return identifyingFields(l.Payload)
}

// HasIdentifyingField reports whether a payload carries at least one
// attribute a match strategy can work with.
func HasIdentifyingField(payload map[string]string) bool {
	return len(identifyingFields(payload)) > 0
}

func identifyingFields(payload map[string]string) []string {
	var fields []string
	for _, f := range []string{FieldEmail, FieldPhone, FieldName} {
		if payload[f] != "" {
			fields = append(fields, f)
		}
	}
	if payload[FieldAddress] != "" && payload[FieldPostalCode] != "" {
		fields = append(fields, FieldAddress, FieldPostalCode)
	}
	return fields
}
