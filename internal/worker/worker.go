// Package worker provides async duplicate scanning off the event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/match"
)

// Merger is the slice of the merge engine the worker needs for
// auto-merge.
type Merger interface {
	MergeLeads(ctx context.Context, tenantID, sourceID, targetID string, fieldResolutions map[string]domain.FieldResolution, performedBy, reason string) (*domain.MergeOperation, error)
}

// Worker listens for ingested leads and scans each one for
// duplicates. Hits become persisted duplicate groups; exact hits can
// be auto-merged when the tenant opted in.
type Worker struct {
	bus    domain.EventBus
	groups domain.GroupStore
	finder *match.Finder
	merger Merger

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, groups domain.GroupStore, finder *match.Finder, merger Merger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		groups: groups,
		finder: finder,
		merger: merger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing messages for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicLeadIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicLeadIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processLead(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicLeadIngested,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processLead(ctx, msg.TenantID, msg)
}

// LeadMessage is the message payload for an ingested lead.
type LeadMessage struct {
	LeadID   string            `json:"leadId"`
	TenantID string            `json:"tenantId"`
	TraceID  string            `json:"traceId"`
	Payload  map[string]string `json:"payload"`
}

// DuplicateNotification is published when a scan finds a duplicate.
type DuplicateNotification struct {
	GroupID       string   `json:"groupId"`
	LeadID        string   `json:"leadId"`
	DuplicateID   string   `json:"duplicateId"`
	Strategy      string   `json:"strategy"`
	Similarity    float64  `json:"similarity"`
	Confidence    float64  `json:"confidence"`
	MatchedFields []string `json:"matchedFields"`
	AutoMerged    bool     `json:"autoMerged"`
}

// processLead scans one ingested lead for duplicates.
func (w *Worker) processLead(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var leadMsg LeadMessage
	if err := json.Unmarshal(msg.Payload, &leadMsg); err != nil {
		slog.Error("failed to parse lead message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if leadMsg.TenantID != "" {
		tenantID = leadMsg.TenantID
	}

	slog.Debug("scanning lead",
		"lead_id", leadMsg.LeadID,
		"tenant_id", tenantID,
	)

	found, err := w.finder.FindDuplicate(ctx, tenantID, leadMsg.Payload)
	if err != nil {
		slog.Error("duplicate scan failed",
			"lead_id", leadMsg.LeadID,
			"error", err,
		)
		return err
	}
	if found == nil {
		slog.Debug("no duplicate found",
			"lead_id", leadMsg.LeadID,
			"tenant_id", tenantID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil
	}

	group := &domain.Group{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Candidates: []domain.Candidate{
			{LeadID: found.Lead.ID, Similarity: found.Similarity, Confidence: found.Confidence, MatchedFields: found.MatchedFields},
			{LeadID: leadMsg.LeadID, Similarity: 1.0, Confidence: 1.0},
		},
		PrimaryLeadID: found.Lead.ID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := w.groups.SaveGroup(ctx, tenantID, group); err != nil {
		slog.Error("failed to save duplicate group",
			"lead_id", leadMsg.LeadID,
			"error", err,
		)
		return err
	}

	cfg := w.finder.Config(ctx, tenantID)

	autoMerged := false
	if cfg.AutoMergeEnabled && found.Confidence == 1.0 && leadMsg.LeadID != "" {
		// Only exact-strategy hits qualify; the newer lead folds into
		// the one already on record.
		if _, err := w.merger.MergeLeads(ctx, tenantID, leadMsg.LeadID, found.Lead.ID, nil, "system", "auto-merge on ingest"); err != nil {
			slog.Error("auto-merge failed",
				"lead_id", leadMsg.LeadID,
				"duplicate_id", found.Lead.ID,
				"error", err,
			)
		} else {
			autoMerged = true
		}
	}

	if cfg.NotificationEnabled {
		payload, _ := json.Marshal(DuplicateNotification{
			GroupID:       group.ID,
			LeadID:        leadMsg.LeadID,
			DuplicateID:   found.Lead.ID,
			Strategy:      found.Strategy,
			Similarity:    found.Similarity,
			Confidence:    found.Confidence,
			MatchedFields: found.MatchedFields,
			AutoMerged:    autoMerged,
		})
		if err := w.bus.Publish(ctx, tenantID, domain.TopicDuplicateFound, payload); err != nil {
			slog.Error("failed to publish duplicate notification",
				"lead_id", leadMsg.LeadID,
				"error", err,
			)
		}
	}

	slog.Info("lead scanned",
		"lead_id", leadMsg.LeadID,
		"tenant_id", tenantID,
		"duplicate_id", found.Lead.ID,
		"strategy", found.Strategy,
		"auto_merged", autoMerged,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
