package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100, nil)
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		var received atomic.Bool
		var receivedMsg *domain.Message

		var wg sync.WaitGroup
		wg.Add(1)

		_, err := bus.Subscribe(ctx, "test.topic", func(ctx context.Context, msg *domain.Message) error {
			receivedMsg = msg
			received.Store(true)
			wg.Done()
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		// Allow subscription to be active
		time.Sleep(10 * time.Millisecond)

		err = bus.Publish(ctx, "test.topic", []byte("hello"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		// Wait for message
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Success
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		if !received.Load() {
			t.Error("message not received")
		}

		if string(receivedMsg.Payload) != "hello" {
			t.Errorf("expected payload 'hello', got '%s'", string(receivedMsg.Payload))
		}
		if receivedMsg.Topic != "test.topic" {
			t.Errorf("expected topic 'test.topic', got '%s'", receivedMsg.Topic)
		}
	})

	t.Run("TopicIsolation", func(t *testing.T) {
		var received1 atomic.Int32
		var received2 atomic.Int32

		bus.Subscribe(ctx, "isolation.a", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, "isolation.b", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "isolation.a", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if received1.Load() != 1 {
			t.Errorf("subscriber a should receive 1 message, got %d", received1.Load())
		}
		if received2.Load() != 0 {
			t.Errorf("subscriber b should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32

		sub, _ := bus.Subscribe(ctx, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg1"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 1 {
			t.Errorf("expected 1 message before unsubscribe, got %d", count.Load())
		}

		sub.Unsubscribe()
		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "unsub.topic", []byte("msg2"))
		time.Sleep(50 * time.Millisecond)

		// Should still be 1 after unsubscribe
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})

		bus.Subscribe(ctx, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		time.Sleep(10 * time.Millisecond)

		bus.Publish(ctx, "multi.topic", []byte("broadcast"))
		time.Sleep(50 * time.Millisecond)

		if count1.Load() != 1 || count2.Load() != 1 {
			t.Errorf("expected both subscribers to receive, got %d and %d", count1.Load(), count2.Load())
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := bus.Ping(ctx); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})

		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100, nil)

	ctx := context.Background()

	sub, _ := bus.Subscribe(ctx, "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	// Operations should fail after close
	if err := bus.Publish(ctx, "close.topic", []byte("data")); err == nil {
		t.Error("expected error after close")
	}

	if err := bus.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}

	// Unsubscribe after close is harmless
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("unsubscribe after close failed: %v", err)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 50,
		}

		bus, err := New(cfg, nil)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer bus.Close()

		_, ok := bus.(*ChannelBus)
		if !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.EventBusConfig{
			Type: "kafka",
		}

		_, err := New(cfg, nil)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000, nil)
	defer bus.Close()

	ctx := context.Background()

	var received atomic.Int32
	const messageCount = 100

	var wg sync.WaitGroup
	wg.Add(messageCount)

	bus.Subscribe(ctx, "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})

	time.Sleep(10 * time.Millisecond)

	// Publish many messages
	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "load.topic", []byte("msg"))
	}

	// Wait for all messages
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != messageCount {
			t.Errorf("expected %d messages, got %d", messageCount, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), messageCount)
	}
}

func TestChannelBusFullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewChannelBus(1, nil)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})

	bus.Subscribe(ctx, "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(ctx, "slow.topic", []byte("msg"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected dropped deliveries for a full subscriber")
	}
}

func TestChannelBusHandlerFailures(t *testing.T) {
	bus := NewChannelBus(10, nil)
	defer bus.Close()

	ctx := context.Background()
	var calls atomic.Int32
	seen := make(chan struct{}, 3)

	bus.Subscribe(ctx, "fail.topic", func(ctx context.Context, msg *domain.Message) error {
		n := calls.Add(1)
		defer func() { seen <- struct{}{} }()
		switch n {
		case 1:
			panic("boom")
		case 2:
			return errors.New("handler error")
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "fail.topic", []byte("x")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatalf("subscription stopped after %d messages", calls.Load())
		}
	}
}

func TestChannelBusCloseWaitsForHandlers(t *testing.T) {
	bus := NewChannelBus(10, nil)
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	bus.Subscribe(ctx, "drain.topic", func(ctx context.Context, msg *domain.Message) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	bus.Publish(ctx, "drain.topic", []byte("x"))
	<-started

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !finished.Load() {
		t.Error("Close returned while a handler was still running")
	}
	if err := bus.Publish(ctx, "drain.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMessageEnvelope(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		data, err := encodeMessage(newMessage(domain.TopicAlertCreated, []byte(`{"id":"a1"}`)))
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		msg, err := decodeMessage(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if msg.Topic != domain.TopicAlertCreated || string(msg.Payload) != `{"id":"a1"}` {
			t.Errorf("unexpected message: %+v", msg)
		}
	})

	t.Run("Rejected", func(t *testing.T) {
		missing, _ := json.Marshal(domain.Message{Payload: []byte("x")})
		for name, data := range map[string][]byte{
			"NotJSON":       []byte("not json"),
			"MissingFields": missing,
		} {
			if _, err := decodeMessage(data); err == nil {
				t.Errorf("%s: expected decode error", name)
			}
		}
	})
}

func TestWorkTopics(t *testing.T) {
	if !domain.WorkTopics[domain.TopicTransactionIngested] {
		t.Error("ingestion must be load-balanced across nodes")
	}
	for _, topic := range []string{domain.TopicTransactionScored, domain.TopicAlertCreated, domain.TopicAlertUpdated} {
		if domain.WorkTopics[topic] {
			t.Errorf("%s must fan out to every node", topic)
		}
	}
}
