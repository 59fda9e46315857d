// Package bulk coordinates batched duplicate detection and merge
// operations with per-record error isolation.
package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/group"
)

var tracer = otel.Tracer("shrike-bulk")

const (
	defaultBatchSize = 50
	maxBatchSize     = 1000
)

// Checker finds duplicate candidates for one payload.
type Checker interface {
	FindCandidates(ctx context.Context, tenantID string, payload map[string]string, threshold float64) ([]domain.Candidate, error)
}

// Merger merges one source lead into one target lead.
type Merger interface {
	MergeLeads(ctx context.Context, tenantID, sourceID, targetID string, fieldResolutions map[string]domain.FieldResolution, performedBy, reason string) (*domain.MergeOperation, error)
}

// Grouper clusters scan results into persisted duplicate groups.
type Grouper interface {
	BuildGroups(ctx context.Context, tenantID string, scans []group.ScanResult) ([]*domain.Group, error)
}

// Coordinator fans batched work out over a bounded worker pool for
// scans and runs merges strictly in input order.
type Coordinator struct {
	checker Checker
	merger  Merger
	grouper Grouper
	workers int
}

// NewCoordinator creates a bulk coordinator. workers bounds scan
// concurrency and defaults to 4 when non-positive.
func NewCoordinator(checker Checker, merger Merger, grouper Grouper, workers int) *Coordinator {
	if workers <= 0 {
		workers = 4
	}
	return &Coordinator{
		checker: checker,
		merger:  merger,
		grouper: grouper,
		workers: workers,
	}
}

// CheckRecord is one lead to scan in a bulk check.
type CheckRecord struct {
	LeadID  string            `json:"leadId"`
	Payload map[string]string `json:"payload"`
}

// CheckOutcome is the scan result for one input record, in input
// order. A failed scan carries its error and an empty candidate list.
type CheckOutcome struct {
	LeadID     string             `json:"leadId"`
	Candidates []domain.Candidate `json:"candidates"`
	Error      string             `json:"error,omitempty"`
}

// BulkCheckResult aggregates a bulk scan.
type BulkCheckResult struct {
	Outcomes  []CheckOutcome  `json:"outcomes"`
	Groups    []*domain.Group `json:"groups"`
	Scanned   int             `json:"scanned"`
	Failed    int             `json:"failed"`
	Cancelled bool            `json:"cancelled"`
}

// BulkCheck scans every record for duplicate candidates and clusters
// the hits into duplicate groups. Scans run concurrently but results
// keep input order; one record failing never fails the batch.
func (c *Coordinator) BulkCheck(ctx context.Context, tenantID string, records []CheckRecord, threshold float64) (*BulkCheckResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: threshold %v out of range [0,1]", domain.ErrValidation, threshold)
	}

	ctx, span := tracer.Start(ctx, "bulk.check")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("bulk.records", len(records)),
	)
	start := time.Now()

	result := &BulkCheckResult{Outcomes: make([]CheckOutcome, len(records))}

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.workers)

	for i, rec := range records {
		wg.Add(1)
		go func(idx int, rec CheckRecord) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := CheckOutcome{LeadID: rec.LeadID}
			if err := ctx.Err(); err != nil {
				outcome.Error = err.Error()
			} else if candidates, err := c.checker.FindCandidates(ctx, tenantID, rec.Payload, threshold); err != nil {
				outcome.Error = err.Error()
			} else {
				outcome.Candidates = candidates
			}
			result.Outcomes[idx] = outcome
		}(i, rec)
	}
	wg.Wait()

	scans := make([]group.ScanResult, 0, len(records))
	for _, outcome := range result.Outcomes {
		result.Scanned++
		if outcome.Error != "" {
			result.Failed++
			continue
		}
		scans = append(scans, group.ScanResult{LeadID: outcome.LeadID, Candidates: outcome.Candidates})
	}
	if ctx.Err() != nil {
		result.Cancelled = true
	}

	if c.grouper != nil && !result.Cancelled {
		groups, err := c.grouper.BuildGroups(ctx, tenantID, scans)
		if err != nil {
			slog.Error("bulk check group build failed",
				"tenant_id", tenantID,
				"error", err,
			)
		} else {
			result.Groups = groups
		}
	}

	slog.Info("bulk check complete",
		"tenant_id", tenantID,
		"records", len(records),
		"failed", result.Failed,
		"groups", len(result.Groups),
		"cancelled", result.Cancelled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// MergePair is one source-into-target merge request.
type MergePair struct {
	SourceLeadID     string                            `json:"sourceLeadId"`
	TargetLeadID     string                            `json:"targetLeadId"`
	FieldResolutions map[string]domain.FieldResolution `json:"fieldResolutions,omitempty"`
}

// PairError records why one pair in a bulk merge failed.
type PairError struct {
	Index        int    `json:"index"`
	SourceLeadID string `json:"sourceLeadId"`
	TargetLeadID string `json:"targetLeadId"`
	Reason       string `json:"reason"`
}

// BulkMergeOptions tunes a bulk merge run.
type BulkMergeOptions struct {
	// BatchSize bounds how many pairs are processed per batch. Zero
	// means the default of 50; values above 1000 are rejected.
	BatchSize int `json:"batchSize"`

	// StopOnError aborts scheduling after the first failed pair.
	StopOnError bool `json:"stopOnError"`

	PerformedBy string `json:"performedBy"`
}

// BulkMergeResult aggregates a bulk merge run.
type BulkMergeResult struct {
	ProcessedRecords int         `json:"processedRecords"`
	SuccessCount     int         `json:"successCount"`
	ErrorCount       int         `json:"errorCount"`
	Errors           []PairError `json:"errors,omitempty"`
	Cancelled        bool        `json:"cancelled"`
}

// BulkMerge merges pairs sequentially in input order so audit
// timelines stay deterministic. A failed pair is recorded and the run
// continues unless StopOnError is set. Cancellation stops scheduling
// between pairs; a merge already in flight runs to completion so the
// store is never left between its two writes.
func (c *Coordinator) BulkMerge(ctx context.Context, tenantID string, pairs []MergePair, opts BulkMergeOptions) (*BulkMergeResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: mergePairs must not be empty", domain.ErrValidation)
	}
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	if batchSize < 1 || batchSize > maxBatchSize {
		return nil, fmt.Errorf("%w: batchSize %d out of range [1,%d]", domain.ErrValidation, opts.BatchSize, maxBatchSize)
	}

	ctx, span := tracer.Start(ctx, "bulk.merge")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("bulk.pairs", len(pairs)),
		attribute.Int("bulk.batch_size", batchSize),
	)
	start := time.Now()

	result := &BulkMergeResult{}

schedule:
	for batchStart := 0; batchStart < len(pairs); batchStart += batchSize {
		batchEnd := min(batchStart+batchSize, len(pairs))
		for i := batchStart; i < batchEnd; i++ {
			if ctx.Err() != nil {
				result.Cancelled = true
				break schedule
			}

			pair := pairs[i]
			result.ProcessedRecords++

			// The merge itself must not be torn down mid-transaction.
			mergeCtx := context.WithoutCancel(ctx)
			if _, err := c.merger.MergeLeads(mergeCtx, tenantID, pair.SourceLeadID, pair.TargetLeadID, pair.FieldResolutions, opts.PerformedBy, "bulk merge"); err != nil {
				result.ErrorCount++
				result.Errors = append(result.Errors, PairError{
					Index:        i,
					SourceLeadID: pair.SourceLeadID,
					TargetLeadID: pair.TargetLeadID,
					Reason:       err.Error(),
				})
				if opts.StopOnError {
					break schedule
				}
				continue
			}
			result.SuccessCount++
		}
		slog.Debug("bulk merge batch done",
			"tenant_id", tenantID,
			"batch_start", batchStart,
			"processed", result.ProcessedRecords,
		)
	}

	slog.Info("bulk merge complete",
		"tenant_id", tenantID,
		"pairs", len(pairs),
		"succeeded", result.SuccessCount,
		"failed", result.ErrorCount,
		"cancelled", result.Cancelled,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}
