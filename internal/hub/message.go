// Package hub distributes scored transactions and alerts to live websocket
// subscribers on two independent channels, with heartbeat and reconnect
// discipline. Delivery is at-most-once to currently connected subscribers.
package hub

import (
	"encoding/json"
	"time"
)

// Channel is a logical broadcast channel.
type Channel string

const (
	ChannelTransactions Channel = "transactions"
	ChannelAlerts       Channel = "alerts"
)

// Channels lists every broadcast channel.
var Channels = []Channel{ChannelTransactions, ChannelAlerts}

// MessageType is the envelope type.
type MessageType string

const (
	TypeConnected   MessageType = "connected"
	TypeTransaction MessageType = "transaction"
	TypeAlert       MessageType = "alert"
	TypeStats       MessageType = "stats"
	TypeHeartbeat   MessageType = "heartbeat"
	TypePong        MessageType = "pong"

	// TypeAlertUpdated carries an existing alert after a status transition.
	TypeAlertUpdated MessageType = "alert_updated"
)

// PingPayload is the liveness token clients send.
const PingPayload = "ping"

// Message is the envelope sent to subscribers.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
	Channel   Channel     `json:"channel,omitempty"`
}

// Envelope is Message as received by a client, with Data left raw.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Channel   Channel         `json:"channel,omitempty"`
}

// ConnectedInfo is the data of a connected message.
type ConnectedInfo struct {
	Channel             Channel `json:"channel"`
	HeartbeatIntervalMs int64   `json:"heartbeat_interval_ms"`
	ReconnectDelayMs    int64   `json:"reconnect_delay_ms"`
}

// Stats is the data of a stats message.
type Stats struct {
	Connections map[Channel]int `json:"connections"`
	Published   uint64          `json:"published"`
	Dropped     uint64          `json:"dropped"`
	Pipeline    any             `json:"pipeline,omitempty"`
}

func encode(msgType MessageType, channel Channel, data any) ([]byte, error) {
	return json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Channel:   channel,
	})
}
