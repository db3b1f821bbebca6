// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus implements EventBus using Go channels.
// Used as the in-process event bus.
type ChannelBus struct {
	mu             sync.RWMutex
	bufferSize     int
	requestTimeout time.Duration
	subscriptions  map[string][]*channelSubscription
	closed         bool
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:     bufferSize,
		requestTimeout: defaultRequestTimeout,
		subscriptions:  make(map[string][]*channelSubscription),
	}
}

// Publish sends a message to a topic.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.deliver(newMessage(ctx, topic, payload))
}

func (b *ChannelBus) deliver(msg *domain.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	// Send to all matching subscribers (non-blocking)
	for _, sub := range b.subscriptions[msg.Topic] {
		select {
		case sub.msgCh <- msg:
		default:
			slog.Warn("subscriber buffer full, dropping message",
				"topic", msg.Topic,
				"message_id", msg.ID,
			)
		}
	}

	return nil
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}

	// Start message handler goroutine
	go sub.run()

	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	return sub, nil
}

// run processes messages for a subscription.
func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			if err := s.handler(handlerContext(s.ctx, msg), msg); err != nil {
				slog.Error("handler error",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request implements request-reply pattern using channels.
// The responder answers through msg.Reply.
func (b *ChannelBus) Request(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	replyCh := make(chan []byte, 1)

	msg := newMessage(ctx, topic, payload)
	msg.Reply = func(reply []byte) error {
		select {
		case replyCh <- reply:
			return nil
		default:
			return fmt.Errorf("request %s already answered", msg.ID)
		}
	}

	if err := b.deliver(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request %s on %s timed out after %s", msg.ID, topic, b.requestTimeout)
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the event bus.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	// Cancel all subscriptions
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}

	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscriptions[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscriptions[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[sub.topic]) == 0 {
		delete(b.subscriptions, sub.topic)
	}
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
