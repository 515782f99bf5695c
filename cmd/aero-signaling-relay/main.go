package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/admission"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/router"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, logCloser, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting aero-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_connections", cfg.MaxConnections,
		"connect_attempts_per_window", cfg.ConnectAttemptsPerWindow,
		"connect_attempt_window", cfg.ConnectAttemptWindow,
		"trust_proxy_headers", cfg.TrustProxyHeaders,
		"static_dir", cfg.StaticDir,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)

	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}
	turnCreds, err := turnrest.FromConfig(cfg.TURNREST)
	if err != nil {
		logger.Error("failed to configure TURN REST credentials", "err", err)
		os.Exit(2)
	}

	promRegistry := metrics.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	registry := peer.NewRegistry(nil)
	rt := router.New(registry, recorder, logger)
	limiter := ratelimit.NewAttemptLimiter(ratelimit.RealClock{}, cfg.ConnectAttemptsPerWindow, cfg.ConnectAttemptWindow)
	controller := admission.New(admission.Config{
		MaxPeers:        cfg.MaxConnections,
		MaxPeerIDLength: cfg.MaxPeerIDLength,
	}, limiter, registry, rt, recorder, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Deps{
		Registry: registry,
		Metrics:  promRegistry,
		TURNREST: turnCreds,
	})

	sig := signaling.NewServer(signaling.Config{
		Controller:        controller,
		Verifier:          verifier,
		Origins:           origin.Policy{AllowedOrigins: cfg.AllowedOrigins},
		Metrics:           recorder,
		Logger:            logger,
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:      cfg.SignalingSendQueueLength,
	})
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Hijacked WebSockets outlive http.Server.Shutdown.
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
