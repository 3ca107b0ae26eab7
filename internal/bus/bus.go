// Package bus moves pipeline events between the scorer, the alert manager,
// the broadcast bridge and the async worker. A single node uses in-process
// channels; a cluster shares NATS subjects.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

// Delivery results recorded in harrier_bus_messages_total.
const (
	resultPublished = "published"
	resultDelivered = "delivered"
	resultDropped   = "dropped"
	resultFailed    = "failed"
)

// New creates the event bus selected by cfg.Type.
func New(cfg domain.EventBusConfig, logger *slog.Logger) (domain.EventBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize, logger), nil
	case "nats":
		return NewNATSBus(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

func newMessage(topic string, payload []byte) *domain.Message {
	return &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
}

// dispatch runs one handler call. A panicking handler is logged and counted
// as a failure so it cannot take down the subscription goroutine.
func dispatch(ctx context.Context, logger *slog.Logger, handler domain.MessageHandler, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BusMessages.WithLabelValues(msg.Topic, resultFailed).Inc()
			logger.Error("bus handler panicked", "topic", msg.Topic, "message_id", msg.ID, "panic", r)
		}
	}()

	if err := handler(ctx, msg); err != nil {
		metrics.BusMessages.WithLabelValues(msg.Topic, resultFailed).Inc()
		logger.Error("bus handler failed", "topic", msg.Topic, "message_id", msg.ID, "error", err)
		return
	}
	metrics.BusMessages.WithLabelValues(msg.Topic, resultDelivered).Inc()
}
