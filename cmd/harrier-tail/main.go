// harrier-tail follows a Harrier broadcast channel and prints every message
// as a JSON line. It reconnects with backoff when the connection drops.
//
// Usage:
//
//	harrier-tail -url ws://localhost:8080 -channel alerts
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/hub"
	"github.com/opensource-finance/harrier/internal/logging"
)

func main() {
	baseURL := flag.String("url", "ws://localhost:8080", "Harrier websocket base URL")
	channel := flag.String("channel", string(hub.ChannelTransactions), "channel to follow (transactions or alerts)")
	all := flag.Bool("all", false, "also print connected, heartbeat and pong messages")
	heartbeat := flag.Duration("heartbeat", 0, "client ping interval (default: server default)")
	logLevel := flag.String("log-level", "warn", "log level for connection events")
	flag.Parse()

	logger := logging.NewWithWriter(os.Stderr, *logLevel, "text")

	ch := hub.Channel(*channel)
	if ch != hub.ChannelTransactions && ch != hub.ChannelAlerts {
		fmt.Fprintf(os.Stderr, "unknown channel %q\n", *channel)
		os.Exit(2)
	}
	url := strings.TrimRight(*baseURL, "/") + "/ws/" + string(ch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	sub := hub.NewSubscriber(url, func(env hub.Envelope) {
		if !*all && !isPayload(env.Type) {
			return
		}
		if err := enc.Encode(env); err != nil {
			logger.Error("failed to write message", "error", err)
		}
	}, hub.SubscriberOptions{
		HeartbeatInterval: *heartbeat,
		Logger:            logger,
	})

	start := time.Now()
	err := sub.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "harrier-tail: %v\n", err)
		os.Exit(1)
	}
	logger.Info("stopped", "sessions", sub.Sessions(), "uptime", time.Since(start).Round(time.Second))
}

func isPayload(t hub.MessageType) bool {
	switch t {
	case hub.TypeTransaction, hub.TypeAlert, hub.TypeAlertUpdated, hub.TypeStats:
		return true
	}
	return false
}
