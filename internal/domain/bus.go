package domain

import (
	"context"
)

// EventBus carries pipeline events between components and, when NATS
// backs it, between nodes.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic. Handlers run on a
	// goroutine owned by the bus; a returned error is logged, not retried.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every bus implementation delivers.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	// Type is "channel" or "nats".
	Type string

	ChannelBufferSize int

	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// QueueGroup load-balances ingestion across nodes. Every other
	// topic fans out to all subscribers.
	QueueGroup string
}

// Pipeline topics.
const (
	TopicTransactionIngested = "harrier.transaction.ingested"
	TopicTransactionScored   = "harrier.transaction.scored"
	TopicAlertCreated        = "harrier.alert.created"
	TopicAlertUpdated        = "harrier.alert.updated"
)

// WorkTopics are consumed by exactly one node per message.
var WorkTopics = map[string]bool{
	TopicTransactionIngested: true,
}
