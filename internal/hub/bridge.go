package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/harrier/internal/domain"
)

// route maps an event bus topic to a broadcast channel.
type route struct {
	topic   string
	channel Channel
	msgType MessageType
}

var routes = []route{
	{domain.TopicTransactionScored, ChannelTransactions, TypeTransaction},
	{domain.TopicAlertCreated, ChannelAlerts, TypeAlert},
	{domain.TopicAlertUpdated, ChannelAlerts, TypeAlertUpdated},
}

// Bridge forwards pipeline events from the event bus to hub channels.
// With NATS every node's hub sees events scored on any node.
type Bridge struct {
	hub  *Hub
	bus  domain.EventBus
	subs []domain.Subscription
}

// NewBridge creates a bridge between bus and hub.
func NewBridge(h *Hub, bus domain.EventBus) *Bridge {
	return &Bridge{hub: h, bus: bus}
}

// Start subscribes to every routed topic.
func (b *Bridge) Start(ctx context.Context) error {
	for _, r := range routes {
		r := r
		sub, err := b.bus.Subscribe(ctx, r.topic, func(_ context.Context, msg *domain.Message) error {
			if !json.Valid(msg.Payload) {
				return fmt.Errorf("invalid payload on %s", msg.Topic)
			}
			_, err := b.hub.Publish(r.channel, r.msgType, json.RawMessage(msg.Payload))
			return err
		})
		if err != nil {
			b.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", r.topic, err)
		}
		b.subs = append(b.subs, sub)
	}

	b.hub.logger.Info("hub bridge started", "topics", len(b.subs))
	return nil
}

// Stop removes all subscriptions.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.hub.logger.Warn("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	b.subs = nil
}
