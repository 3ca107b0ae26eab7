package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/harrier/internal/domain"
)

// maxReconnectDelay caps the exponential reconnect backoff.
const maxReconnectDelay = time.Minute

// SubscriberOptions tunes a Subscriber. Zero values use server-announced or
// default settings.
type SubscriberOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatMultiple int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

// Subscriber is a reconnecting client for a hub channel. It sends a ping
// every heartbeat interval and treats silence longer than
// interval*multiple as a dead connection.
type Subscriber struct {
	url     string
	handler func(Envelope)
	opts    SubscriberOptions
	logger  *slog.Logger

	sessions atomic.Int64
}

// NewSubscriber creates a subscriber for url. handler receives every
// envelope, including connected, heartbeat and pong messages.
func NewSubscriber(url string, handler func(Envelope), opts SubscriberOptions) *Subscriber {
	def := domain.DefaultConfig().Hub
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.HeartbeatMultiple <= 0 {
		opts.HeartbeatMultiple = def.HeartbeatMultiple
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.MaxReconnectDelay <= 0 {
		opts.MaxReconnectDelay = maxReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		url:     url,
		handler: handler,
		opts:    opts,
		logger:  logger.With("component", "subscriber", "url", url),
	}
}

// Sessions returns how many connections have been established.
func (s *Subscriber) Sessions() int64 {
	return s.sessions.Load()
}

// Run connects and reconnects until ctx is done. It returns ctx.Err().
func (s *Subscriber) Run(ctx context.Context) error {
	delay := s.opts.ReconnectDelay
	for {
		established, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			delay = s.opts.ReconnectDelay
		}
		s.logger.Warn("subscription lost, reconnecting", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > s.opts.MaxReconnectDelay {
			delay = s.opts.MaxReconnectDelay
		}
	}
}

// session runs one connection. It reports whether the connection was
// established before it ended.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	ws, _, err := s.opts.Dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}
	s.sessions.Add(1)

	interval := s.opts.HeartbeatInterval
	liveness := interval * time.Duration(s.opts.HeartbeatMultiple)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		_ = ws.Close()
		wg.Wait()
	}()

	// Unblock the read loop when ctx is cancelled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		case <-stop:
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := ws.WriteMessage(websocket.TextMessage, []byte(PingPayload)); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(liveness))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, normalCloseCodes...) {
				return true, err
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return true, fmt.Errorf("no traffic for %s: %w", liveness, err)
			}
			return true, err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug("ignoring malformed message", "error", err)
			continue
		}
		if s.handler != nil {
			s.handler(env)
		}
	}
}
