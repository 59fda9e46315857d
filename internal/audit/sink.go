// Package audit persists the merge audit trail.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
)

const defaultAppendTimeout = 5 * time.Second

// StoreSink writes audit events to an AuditStore. Append is the
// synchronous path used inside a merge: it blocks up to the configured
// timeout and surfaces the store error so the caller can abort.
// Emit queues detection-side events on a buffered channel and drops
// them under overflow rather than slowing a scan down.
type StoreSink struct {
	store   domain.AuditStore
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan *domain.AuditEvent
	done   chan struct{}
}

// NewStoreSink creates a sink over store. appendTimeout bounds the
// synchronous path; bufferSize bounds the async queue.
func NewStoreSink(store domain.AuditStore, appendTimeout time.Duration, bufferSize int) *StoreSink {
	if appendTimeout <= 0 {
		appendTimeout = defaultAppendTimeout
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	s := &StoreSink{
		store:   store,
		timeout: appendTimeout,
		queue:   make(chan *domain.AuditEvent, bufferSize),
		done:    make(chan struct{}),
	}
	go s.drain()
	return s
}

// Append writes one event synchronously. The caller's context is
// bounded by the sink timeout so a slow store cannot hang a merge
// indefinitely, but a failure here is still a failure.
func (s *StoreSink) Append(ctx context.Context, event *domain.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.AppendAuditEvent(ctx, event.TenantID, event); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Emit queues one event for background persistence. Overflow drops
// the event with a warning instead of blocking the caller.
func (s *StoreSink) Emit(event *domain.AuditEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.queue <- event:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		slog.Warn("audit queue full, dropping event",
			"tenant_id", event.TenantID,
			"kind", event.Kind,
		)
	}
}

func (s *StoreSink) drain() {
	defer close(s.done)
	for event := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.store.AppendAuditEvent(ctx, event.TenantID, event); err != nil {
			slog.Error("audit event lost",
				"tenant_id", event.TenantID,
				"kind", event.Kind,
				"error", err,
			)
		}
		cancel()
	}
}

// Close flushes the async queue and stops the sink.
func (s *StoreSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return nil
}
