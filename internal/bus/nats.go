package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// NATSBus implements EventBus using NATS.
// Topics map directly to NATS subjects. With a queue group configured,
// each message on a subject reaches one subscriber per group, so several
// kestrel replicas share the score request stream. domain.BroadcastTopics
// are exempt and reach every replica.
type NATSBus struct {
	mu            sync.RWMutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig
}

type natsSubscription struct {
	id    string
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

// NewNATSBus dials cfg.NATSUrl, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	cfg = natsDefaults(cfg)
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		if conn, err = nats.Connect(cfg.NATSUrl, natsOptions(cfg)...); err == nil {
			break
		}
		slog.Warn("nats dial failed",
			"url", cfg.NATSUrl,
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		if attempt < cfg.NATSMaxReconnects {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("event bus connected",
		"type", "nats",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

func natsDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	return cfg
}

// natsOptions keeps the connection alive across server restarts and
// reports every state change through slog.
func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("event bus disconnected", "type", "nats", "error", err, "closed", nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("event bus reconnected", "type", "nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("event bus closed", "type", "nats")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("event bus async error", "type", "nats", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish wraps payload in an envelope and sends it to the subject topic.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	data, err := encodeMessage(newMessage(ctx, topic, payload))
	if err != nil {
		return err
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func encodeMessage(msg *domain.Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message for %s: %w", msg.Topic, err)
	}
	return data, nil
}

// Subscribe registers a handler for a NATS subject.
// Messages sent with Request carry a Reply func bound to the NATS inbox.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	cb := func(m *nats.Msg) {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			slog.Error("dropping undecodable message", "subject", m.Subject, "error", err)
			return
		}

		if m.Reply != "" {
			msg.Reply = func(payload []byte) error {
				data, err := encodeMessage(newMessage(ctx, m.Reply, payload))
				if err != nil {
					return err
				}
				return m.Respond(data)
			}
		}

		if err := handler(handlerContext(ctx, &msg), &msg); err != nil {
			slog.Error("handler error",
				"subject", m.Subject,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if group := b.config.NATSQueueGroup; group != "" && !domain.BroadcastTopics[topic] {
		natsSub, err = b.conn.QueueSubscribe(topic, group, cb)
	} else {
		natsSub, err = b.conn.Subscribe(topic, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		sub:   natsSub,
		bus:   b,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// Request publishes to topic and waits for the first reply. A ctx without
// a deadline is bounded by the configured request timeout.
func (b *NATSBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	data, err := encodeMessage(newMessage(ctx, topic, payload))
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout(b.config))
		defer cancel()
	}

	reply, err := b.conn.RequestWithContext(ctx, topic, data)
	if err != nil {
		return nil, fmt.Errorf("request on %s failed: %w", topic, err)
	}

	var replyMsg domain.Message
	if err := json.Unmarshal(reply.Data, &replyMsg); err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", topic, err)
	}

	return replyMsg.Payload, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains subscriptions and closes the NATS connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscriptions {
		_ = sub.sub.Unsubscribe()
	}
	b.subscriptions = make(map[string]*natsSubscription)

	b.conn.Close()
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
