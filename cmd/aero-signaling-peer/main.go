// Command aero-signaling-peer joins a signaling relay, opens a data channel
// to every other peer, and echoes whatever arrives on them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peerclient"
)

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("aero-signaling-peer", flag.ContinueOnError)
	url := fs.String("url", envOr("AERO_SIGNALING_URL", "ws://127.0.0.1:3030/signal"), "relay WebSocket URL")
	peerID := fs.String("peer-id", envOr("AERO_PEER_ID", ""), "peer id to claim (default: random)")
	peerType := fs.String("peer-type", envOr("AERO_PEER_TYPE", "cli"), "peer type advertised to other peers")
	token := fs.String("token", os.Getenv("AERO_SIGNALING_TOKEN"), "auth token or JWT")
	iceJSON := fs.String("ice-servers", os.Getenv("AERO_ICE_SERVERS_JSON"), "ICE servers as JSON")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}
		os.Exit(2)
	}
	if *peerID == "" {
		*peerID = uuid.NewString()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var iceServers []webrtc.ICEServer
	if *iceJSON != "" {
		var err error
		iceServers, err = config.ParseICEServersJSON(*iceJSON, false)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := peerclient.Dial(dialCtx, peerclient.Config{
		URL:      *url,
		PeerID:   *peerID,
		PeerType: *peerType,
		Token:    *token,
		Logger:   logger,
	})
	cancel()
	if err != nil {
		logger.Error("failed to join relay", "url", *url, "err", err)
		os.Exit(1)
	}
	logger.Info("joined relay", "url", *url, "peer_id", *peerID)

	mesh := peerclient.NewMesh(client, peerclient.MeshConfig{ICEServers: iceServers, Logger: logger})
	defer mesh.Close()

	go func() {
		for ch := range mesh.Channels() {
			ch := ch
			logger.Info("data channel open", "remote_peer_id", ch.PeerID)
			ch.DataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
				logger.Info("data channel message", "remote_peer_id", ch.PeerID, "bytes", len(msg.Data))
				if err := ch.DataChannel.Send(msg.Data); err != nil {
					logger.Warn("echo failed", "remote_peer_id", ch.PeerID, "err", err)
				}
			})
			_ = ch.DataChannel.SendText("hello from " + *peerID)
		}
	}()

	if err := mesh.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("relay connection ended", "err", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
