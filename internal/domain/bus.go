package domain

import (
	"context"
	"time"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (in-process) or NATS.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, topic string, payload []byte) ([]byte, error)

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
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`

	// Reply is set for request-reply messages. Not serialized.
	Reply func(payload []byte) error `json:"-"`
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
	// Type is the bus type: "channel", "nats" or "none"
	Type string `koanf:"type" validate:"omitempty,oneof=channel nats none"`

	// RequestTimeout bounds each Request call.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// Channel settings
	ChannelBufferSize int `koanf:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `koanf:"nats_url"`
	NATSToken         string `koanf:"nats_token"`
	NATSMaxReconnects int    `koanf:"nats_max_reconnects"`
	NATSReconnectWait int    `koanf:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup, when set, load-balances each subject across replicas.
	NATSQueueGroup string `koanf:"nats_queue_group"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicScoreRequested = "kestrel.score.requested"
	TopicVerdictScored  = "kestrel.verdict.scored"
	TopicScoreFailed    = "kestrel.score.failed"
	TopicAlert          = "kestrel.alert"

	// TopicHistoryImported announces customers loaded by the importer.
	TopicHistoryImported = "kestrel.history.imported"
)

// BroadcastTopics reach every subscriber, even when NATS queue groups
// share the other topics between replicas.
var BroadcastTopics = map[string]bool{
	TopicHistoryImported: true,
}
