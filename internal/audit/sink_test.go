package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
)

type memAuditStore struct {
	mu     sync.Mutex
	events []*domain.AuditEvent
	fail   error
	block  time.Duration
}

func (s *memAuditStore) AppendAuditEvent(ctx context.Context, tenantID string, event *domain.AuditEvent) error {
	if s.block > 0 {
		select {
		case <-time.After(s.block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *memAuditStore) ListAuditEvents(ctx context.Context, tenantID string, leadID string) ([]*domain.AuditEvent, error) {
	return nil, nil
}

func (s *memAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func event(kind string) *domain.AuditEvent {
	return &domain.AuditEvent{
		ID:        kind + "-1",
		TenantID:  "acme",
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
}

func TestAppendWritesThrough(t *testing.T) {
	store := &memAuditStore{}
	sink := NewStoreSink(store, time.Second, 10)
	defer sink.Close()

	if err := sink.Append(context.Background(), event(domain.AuditMergeStarted)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 event, got %d", store.count())
	}
}

func TestAppendSurfacesStoreError(t *testing.T) {
	store := &memAuditStore{fail: domain.ErrTransientStore}
	sink := NewStoreSink(store, time.Second, 10)
	defer sink.Close()

	err := sink.Append(context.Background(), event(domain.AuditMergeStarted))
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("expected store error through Append, got %v", err)
	}
}

func TestAppendHonoursTimeout(t *testing.T) {
	store := &memAuditStore{block: 500 * time.Millisecond}
	sink := NewStoreSink(store, 20*time.Millisecond, 10)
	defer sink.Close()

	start := time.Now()
	err := sink.Append(context.Background(), event(domain.AuditMergeStarted))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Append blocked for %v, should give up at the timeout", elapsed)
	}
}

func TestEmitIsAsynchronous(t *testing.T) {
	store := &memAuditStore{}
	sink := NewStoreSink(store, time.Second, 10)

	for i := 0; i < 5; i++ {
		sink.Emit(event(domain.AuditGroupResolved))
	}

	// Close flushes the queue.
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.count() != 5 {
		t.Errorf("expected 5 events after flush, got %d", store.count())
	}
}

func TestEmitAfterCloseIsNoop(t *testing.T) {
	store := &memAuditStore{}
	sink := NewStoreSink(store, time.Second, 10)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Must not panic or write.
	sink.Emit(event(domain.AuditGroupResolved))
	if store.count() != 0 {
		t.Errorf("expected no events, got %d", store.count())
	}

	// Double close is safe.
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
