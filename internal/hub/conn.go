package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// normalCloseCodes are close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Conn is one subscriber connection. The write pump is the only writer of
// data frames; everything else enqueues onto the bounded send buffer.
type Conn struct {
	hub  *Hub
	reg  *registry
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(h *Hub, reg *registry, ws *websocket.Conn) *Conn {
	return &Conn{
		hub:  h,
		reg:  reg,
		ws:   ws,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

// trySend queues payload without blocking. It reports false when the
// buffer is full or the connection is closing.
func (c *Conn) trySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close unregisters and tears down the connection. Safe to call repeatedly.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// liveness is how long a connection may stay silent before it is dropped.
func (c *Conn) liveness() time.Duration {
	return c.hub.cfg.HeartbeatInterval * time.Duration(c.hub.cfg.HeartbeatMultiple)
}

func (c *Conn) touch() {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.liveness()))
}

// readPump consumes client frames. Every inbound frame refreshes liveness;
// a ping token is answered with a pong message.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.touch()
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.touch()
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("subscriber read ended",
					"channel", c.reg.channel,
					"error", err,
				)
			}
			return
		}
		c.touch()

		if isPing(message) {
			if pong, err := encode(TypePong, c.reg.channel, nil); err == nil {
				c.trySend(pong)
			}
		}
	}
}

// writePump drains the send buffer and emits heartbeats on a fixed interval.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("subscriber write failed", "channel", c.reg.channel, "error", err)
				return
			}

		case <-ticker.C:
			beat, err := encode(TypeHeartbeat, c.reg.channel, nil)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, beat); err != nil {
				c.hub.logger.Debug("heartbeat failed", "channel", c.reg.channel, "error", err)
				return
			}
		}
	}
}

// isPing accepts the bare token or a JSON envelope of type ping.
func isPing(message []byte) bool {
	text := strings.TrimSpace(string(message))
	if strings.EqualFold(text, PingPayload) {
		return true
	}
	if !strings.HasPrefix(text, "{") {
		return false
	}
	var env struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(message, &env) == nil && strings.EqualFold(env.Type, PingPayload)
}
