package domain

import (
	"context"
)

// EventBus carries engine notifications. Backed by Go channels
// (community tier) or NATS (pro tier). All methods require tenantID
// for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (community tier)
	ChannelBufferSize int

	// NATS settings (pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics published and consumed by the engine.
const (
	// TopicLeadIngested is published by the intake system when a new
	// lead arrives; the async worker scans it for duplicates.
	TopicLeadIngested = "lead.ingested"

	// TopicDuplicateFound is published when a scan finds a duplicate
	// and the tenant has notifications enabled.
	TopicDuplicateFound = "lead.duplicate_found"

	// TopicMergeCommitted is published after a merge commits.
	TopicMergeCommitted = "lead.merge_committed"

	// TopicGroupResolved is published when a duplicate group reaches
	// a terminal resolution.
	TopicGroupResolved = "group.resolved"
)
