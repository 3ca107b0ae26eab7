package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus delivers messages in process. Each subscription owns a
// buffered channel drained by one goroutine, so a handler sees its topic's
// messages in publish order.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string][]*channelSubscription
	closed     bool
	handlers   sync.WaitGroup
	dropped    atomic.Uint64
	logger     *slog.Logger
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	queue   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *ChannelBus
}

// NewChannelBus creates an in-process bus. bufferSize bounds each
// subscription's backlog.
func NewChannelBus(bufferSize int, logger *slog.Logger) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string][]*channelSubscription),
		logger:     logger.With("component", "bus", "type", "channel"),
	}
}

// Publish never blocks: a subscriber with a full backlog misses the message.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	msg := newMessage(topic, payload)
	metrics.BusMessages.WithLabelValues(topic, resultPublished).Inc()

	for _, sub := range b.topics[topic] {
		select {
		case sub.queue <- msg:
		default:
			b.dropped.Add(1)
			metrics.BusMessages.WithLabelValues(topic, resultDropped).Inc()
			b.logger.Warn("subscriber backlog full, message dropped", "topic", topic, "subscription", sub.id)
		}
	}
	return nil
}

// Subscribe registers handler for topic until ctx is done or the
// subscription is cancelled.
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
		queue:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.topics[topic] = append(b.topics[topic], sub)

	b.handlers.Add(1)
	go sub.run()

	return sub, nil
}

func (s *channelSubscription) run() {
	defer s.bus.handlers.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			dispatch(s.ctx, s.bus.logger, s.handler, msg)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Ping reports ErrClosed after Close.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close cancels every subscription and waits for running handlers to return.
// Messages still queued are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.topics = make(map[string][]*channelSubscription)
	b.mu.Unlock()

	b.handlers.Wait()
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

func (s *channelSubscription) Topic() string {
	return s.topic
}
