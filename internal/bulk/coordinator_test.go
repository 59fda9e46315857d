package bulk

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/group"
)

type fakeChecker struct {
	failFor map[string]error
}

func (c *fakeChecker) FindCandidates(ctx context.Context, tenantID string, payload map[string]string, threshold float64) ([]domain.Candidate, error) {
	id := payload["lead_id"]
	if err, ok := c.failFor[id]; ok {
		return nil, err
	}
	if match := payload["matches"]; match != "" {
		return []domain.Candidate{{LeadID: match, Similarity: 0.9}}, nil
	}
	return nil, nil
}

type fakeMerger struct {
	calls       [][2]string
	failFor     map[string]error
	cancelAfter int
	cancel      context.CancelFunc
}

func (m *fakeMerger) MergeLeads(ctx context.Context, tenantID, sourceID, targetID string, res map[string]domain.FieldResolution, performedBy, reason string) (*domain.MergeOperation, error) {
	m.calls = append(m.calls, [2]string{sourceID, targetID})
	if m.cancel != nil && len(m.calls) == m.cancelAfter {
		m.cancel()
	}
	if err, ok := m.failFor[sourceID]; ok {
		return nil, err
	}
	return &domain.MergeOperation{SourceLeadID: sourceID, TargetLeadID: targetID}, nil
}

type fakeGrouper struct {
	scans []group.ScanResult
	fail  error
}

func (g *fakeGrouper) BuildGroups(ctx context.Context, tenantID string, scans []group.ScanResult) ([]*domain.Group, error) {
	if g.fail != nil {
		return nil, g.fail
	}
	g.scans = scans
	var groups []*domain.Group
	for _, s := range scans {
		if len(s.Candidates) > 0 {
			groups = append(groups, &domain.Group{ID: "g-" + s.LeadID, TenantID: tenantID})
		}
	}
	return groups, nil
}

func record(id, matches string) CheckRecord {
	return CheckRecord{LeadID: id, Payload: map[string]string{"lead_id": id, "matches": matches}}
}

func TestBulkCheckKeepsInputOrderAndIsolatesFailures(t *testing.T) {
	checker := &fakeChecker{failFor: map[string]error{"b": fmt.Errorf("%w: store down", domain.ErrTransientStore)}}
	grouper := &fakeGrouper{}
	c := NewCoordinator(checker, &fakeMerger{}, grouper, 2)

	records := []CheckRecord{record("a", "x"), record("b", ""), record("c", "y"), record("d", "")}
	res, err := c.BulkCheck(context.Background(), "acme", records, 0.8)
	if err != nil {
		t.Fatalf("BulkCheck: %v", err)
	}
	if res.Scanned != 4 || res.Failed != 1 {
		t.Errorf("scanned=%d failed=%d, want 4/1", res.Scanned, res.Failed)
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		if res.Outcomes[i].LeadID != want {
			t.Fatalf("outcome %d is %s, want %s", i, res.Outcomes[i].LeadID, want)
		}
	}
	if res.Outcomes[1].Error == "" {
		t.Errorf("failing record should carry its error")
	}
	if len(res.Outcomes[0].Candidates) != 1 || res.Outcomes[0].Candidates[0].LeadID != "x" {
		t.Errorf("record a candidates = %v", res.Outcomes[0].Candidates)
	}
	// Failed records must not reach the grouper.
	if len(grouper.scans) != 3 {
		t.Errorf("grouper saw %d scans, want 3", len(grouper.scans))
	}
	if len(res.Groups) != 2 {
		t.Errorf("groups = %d, want 2", len(res.Groups))
	}
}

func TestBulkCheckThresholdValidation(t *testing.T) {
	c := NewCoordinator(&fakeChecker{}, &fakeMerger{}, &fakeGrouper{}, 1)
	for _, threshold := range []float64{-0.1, 1.5} {
		if _, err := c.BulkCheck(context.Background(), "acme", nil, threshold); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("threshold %v: expected ErrValidation, got %v", threshold, err)
		}
	}
}

func TestBulkCheckRequiresTenant(t *testing.T) {
	c := NewCoordinator(&fakeChecker{}, &fakeMerger{}, &fakeGrouper{}, 1)
	if _, err := c.BulkCheck(context.Background(), "", nil, 0.5); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBulkCheckCancelledContext(t *testing.T) {
	grouper := &fakeGrouper{}
	c := NewCoordinator(&fakeChecker{}, &fakeMerger{}, grouper, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.BulkCheck(ctx, "acme", []CheckRecord{record("a", "x")}, 0.5)
	if err != nil {
		t.Fatalf("BulkCheck: %v", err)
	}
	if !res.Cancelled {
		t.Errorf("expected cancelled result")
	}
	if len(res.Groups) != 0 || grouper.scans != nil {
		t.Errorf("no groups should be built after cancellation")
	}
}

func TestBulkMergeIsolatesPairFailures(t *testing.T) {
	merger := &fakeMerger{failFor: map[string]error{"s2": fmt.Errorf("%w: version changed", domain.ErrConflict)}}
	c := NewCoordinator(&fakeChecker{}, merger, &fakeGrouper{}, 1)

	pairs := []MergePair{
		{SourceLeadID: "s1", TargetLeadID: "t1"},
		{SourceLeadID: "s2", TargetLeadID: "t2"},
		{SourceLeadID: "s3", TargetLeadID: "t3"},
	}
	res, err := c.BulkMerge(context.Background(), "acme", pairs, BulkMergeOptions{PerformedBy: "alice"})
	if err != nil {
		t.Fatalf("BulkMerge: %v", err)
	}
	if res.ProcessedRecords != 3 || res.SuccessCount != 2 || res.ErrorCount != 1 {
		t.Errorf("processed=%d success=%d errors=%d, want 3/2/1",
			res.ProcessedRecords, res.SuccessCount, res.ErrorCount)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v", res.Errors)
	}
	e := res.Errors[0]
	if e.Index != 1 || e.SourceLeadID != "s2" || e.TargetLeadID != "t2" {
		t.Errorf("error entry = %+v, want index 1 pair s2->t2", e)
	}
	if res.Cancelled {
		t.Errorf("run was not cancelled")
	}
}

func TestBulkMergeStopOnError(t *testing.T) {
	merger := &fakeMerger{failFor: map[string]error{"s1": domain.ErrNotFound}}
	c := NewCoordinator(&fakeChecker{}, merger, &fakeGrouper{}, 1)

	pairs := []MergePair{
		{SourceLeadID: "s1", TargetLeadID: "t1"},
		{SourceLeadID: "s2", TargetLeadID: "t2"},
	}
	res, err := c.BulkMerge(context.Background(), "acme", pairs, BulkMergeOptions{StopOnError: true})
	if err != nil {
		t.Fatalf("BulkMerge: %v", err)
	}
	if res.ProcessedRecords != 1 || res.ErrorCount != 1 || res.SuccessCount != 0 {
		t.Errorf("processed=%d success=%d errors=%d, want 1/0/1",
			res.ProcessedRecords, res.SuccessCount, res.ErrorCount)
	}
	if len(merger.calls) != 1 {
		t.Errorf("merge calls = %v, want only the first pair", merger.calls)
	}
}

func TestBulkMergeBatchSizeValidation(t *testing.T) {
	c := NewCoordinator(&fakeChecker{}, &fakeMerger{}, &fakeGrouper{}, 1)
	pairs := []MergePair{{SourceLeadID: "lead-a", TargetLeadID: "lead-b"}}
	for _, size := range []int{-1, 1001} {
		_, err := c.BulkMerge(context.Background(), "acme", pairs, BulkMergeOptions{BatchSize: size})
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("batchSize %d: expected ErrValidation, got %v", size, err)
		}
	}
}

func TestBulkMergeRejectsEmptyPairs(t *testing.T) {
	merger := &fakeMerger{}
	c := NewCoordinator(&fakeChecker{}, merger, &fakeGrouper{}, 1)

	result, err := c.BulkMerge(context.Background(), "acme", nil, BulkMergeOptions{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}
	if len(merger.calls) != 0 {
		t.Errorf("merge calls = %v, want none", merger.calls)
	}
}

func TestBulkMergeDefaultBatchSize(t *testing.T) {
	merger := &fakeMerger{}
	c := NewCoordinator(&fakeChecker{}, merger, &fakeGrouper{}, 1)

	pairs := make([]MergePair, 60)
	for i := range pairs {
		pairs[i] = MergePair{SourceLeadID: fmt.Sprintf("s%d", i), TargetLeadID: "t"}
	}
	res, err := c.BulkMerge(context.Background(), "acme", pairs, BulkMergeOptions{})
	if err != nil {
		t.Fatalf("BulkMerge: %v", err)
	}
	if res.SuccessCount != 60 {
		t.Errorf("success = %d, want all 60 across two default batches", res.SuccessCount)
	}
}

func TestBulkMergeCancellationStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	merger := &fakeMerger{cancelAfter: 1, cancel: cancel}
	c := NewCoordinator(&fakeChecker{}, merger, &fakeGrouper{}, 1)

	pairs := []MergePair{
		{SourceLeadID: "s1", TargetLeadID: "t1"},
		{SourceLeadID: "s2", TargetLeadID: "t2"},
		{SourceLeadID: "s3", TargetLeadID: "t3"},
	}
	res, err := c.BulkMerge(ctx, "acme", pairs, BulkMergeOptions{})
	if err != nil {
		t.Fatalf("BulkMerge: %v", err)
	}
	if !res.Cancelled {
		t.Errorf("expected cancelled run")
	}
	// The first merge ran to completion; nothing after it started.
	if len(merger.calls) != 1 || res.SuccessCount != 1 {
		t.Errorf("calls=%v success=%d, want exactly the in-flight pair", merger.calls, res.SuccessCount)
	}
	if res.ProcessedRecords != 1 {
		t.Errorf("processed = %d, want 1", res.ProcessedRecords)
	}
}
