package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Authentication and origin policy live in front of the hub.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registry holds the connections of one channel. Each channel has its own
// lock so publishes on one channel never wait on the other.
type registry struct {
	channel Channel
	mu      sync.RWMutex
	conns   map[*Conn]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

func (r *registry) add(c *Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	return len(r.conns)
}

func (r *registry) remove(c *Conn) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	return len(r.conns), ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StatsProvider supplies pipeline statistics for stats messages.
type StatsProvider func() any

// Hub manages websocket subscribers for all channels.
type Hub struct {
	cfg        domain.HubConfig
	registries map[Channel]*registry
	logger     *slog.Logger

	statsMu sync.RWMutex
	statsFn StatsProvider

	total   atomic.Int64
	closed  atomic.Bool
	done    chan struct{}
	closeMu sync.Mutex
}

// NewHub creates a hub. Zero config values fall back to defaults.
func NewHub(cfg domain.HubConfig, logger *slog.Logger) *Hub {
	def := domain.DefaultConfig().Hub
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatMultiple <= 0 {
		cfg.HeartbeatMultiple = def.HeartbeatMultiple
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if logger == nil {
		logger = slog.Default()
	}

	regs := make(map[Channel]*registry, len(Channels))
	for _, ch := range Channels {
		regs[ch] = &registry{channel: ch, conns: make(map[*Conn]struct{})}
	}

	return &Hub{
		cfg:        cfg,
		registries: regs,
		logger:     logger.With("component", "hub"),
		done:       make(chan struct{}),
	}
}

// SetStatsProvider installs the pipeline statistics source.
func (h *Hub) SetStatsProvider(fn StatsProvider) {
	h.statsMu.Lock()
	h.statsFn = fn
	h.statsMu.Unlock()
}

// Publish serializes data once and offers it to every connection on the
// channel. A connection whose send buffer is full misses the message.
// It returns the number of connections the message was queued for.
func (h *Hub) Publish(channel Channel, msgType MessageType, data any) (int, error) {
	reg, ok := h.registries[channel]
	if !ok {
		return 0, fmt.Errorf("unknown channel %q", channel)
	}

	payload, err := encode(msgType, channel, data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}

	reg.mu.RLock()
	defer reg.mu.RUnlock()

	reg.published.Add(1)
	delivered := 0
	for c := range reg.conns {
		if c.trySend(payload) {
			delivered++
			continue
		}
		reg.dropped.Add(1)
		metrics.HubDropped.WithLabelValues(string(channel)).Inc()
	}
	return delivered, nil
}

// Handler returns the websocket endpoint for a channel.
func (h *Hub) Handler(channel Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(channel, w, r)
	}
}

func (h *Hub) serve(channel Channel, w http.ResponseWriter, r *http.Request) {
	reg, ok := h.registries[channel]
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	if h.closed.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if !h.reserve() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.total.Add(-1)
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(h, reg, ws)

	hello, err := encode(TypeConnected, channel, ConnectedInfo{
		Channel:             channel,
		HeartbeatIntervalMs: h.cfg.HeartbeatInterval.Milliseconds(),
		ReconnectDelayMs:    h.cfg.ReconnectDelay.Milliseconds(),
	})
	if err == nil {
		c.trySend(hello)
	}

	if !h.register(c) {
		h.total.Add(-1)
		c.close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// reserve claims one of the MaxConnections slots. The slot is returned by
// unregister, or directly if the connection never registers.
func (h *Hub) reserve() bool {
	for {
		n := h.total.Load()
		if n >= int64(h.cfg.MaxConnections) {
			return false
		}
		if h.total.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// register adds a connection whose slot is already reserved.
func (h *Hub) register(c *Conn) bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed.Load() {
		return false
	}

	n := c.reg.add(c)
	metrics.HubConnections.WithLabelValues(string(c.reg.channel)).Set(float64(n))
	h.logger.Debug("subscriber connected",
		"channel", c.reg.channel,
		"remote", c.ws.RemoteAddr().String(),
		"connections", n,
	)
	return true
}

func (h *Hub) unregister(c *Conn) {
	n, ok := c.reg.remove(c)
	if !ok {
		return
	}
	h.total.Add(-1)
	metrics.HubConnections.WithLabelValues(string(c.reg.channel)).Set(float64(n))
	h.logger.Debug("subscriber disconnected",
		"channel", c.reg.channel,
		"connections", n,
	)
}

// ConnectionCount returns live connections on a channel.
func (h *Hub) ConnectionCount(channel Channel) int {
	reg, ok := h.registries[channel]
	if !ok {
		return 0
	}
	return reg.len()
}

// Stats returns a snapshot of hub and pipeline statistics.
func (h *Hub) Stats() Stats {
	s := Stats{Connections: make(map[Channel]int, len(h.registries))}
	for ch, reg := range h.registries {
		s.Connections[ch] = reg.len()
		s.Published += reg.published.Load()
		s.Dropped += reg.dropped.Load()
	}

	h.statsMu.RLock()
	fn := h.statsFn
	h.statsMu.RUnlock()
	if fn != nil {
		s.Pipeline = fn()
	}
	return s
}

// Config returns the effective hub configuration.
func (h *Hub) Config() domain.HubConfig {
	return h.cfg
}

// Run publishes periodic stats on every channel until ctx is done, then
// closes all connections.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("broadcast hub started",
		"heartbeat_interval", h.cfg.HeartbeatInterval,
		"heartbeat_multiple", h.cfg.HeartbeatMultiple,
	)

	ticker := time.NewTicker(h.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case <-ticker.C:
			stats := h.Stats()
			for _, ch := range Channels {
				if _, err := h.Publish(ch, TypeStats, stats); err != nil {
					h.logger.Error("failed to publish stats", "channel", ch, "error", err)
				}
			}
		}
	}
}

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) shutdown() {
	h.closeMu.Lock()
	if h.closed.Swap(true) {
		h.closeMu.Unlock()
		return
	}
	h.closeMu.Unlock()

	h.logger.Info("broadcast hub shutting down, closing subscriber connections")

	for _, reg := range h.registries {
		reg.mu.RLock()
		conns := make([]*Conn, 0, len(reg.conns))
		for c := range reg.conns {
			conns = append(conns, c)
		}
		reg.mu.RUnlock()

		for _, c := range conns {
			c.close()
		}
	}

	close(h.done)
	h.logger.Info("broadcast hub stopped")
}
