package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/admission"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer/peertest"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/router"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/turnrest"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, deps Deps) (baseURL string, srv *Server) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv = New(cfg, log, build, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String(), srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig(), Deps{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/readyz", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		resp := getJSON(t, baseURL+"/version", &got)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestRequestIDIsPropagated(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig(), Deps{})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}
}

func TestConnectionsSnapshot(t *testing.T) {
	registry := peer.NewRegistry(nil)
	for _, id := range []string{"alice", "bob"} {
		if _, err := registry.TryRegister(peer.Claim{ID: id, Type: "browser"}, peertest.NewConn("conn-"+id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	baseURL, _ := startTestServer(t, testConfig(), Deps{Registry: registry})

	var entries []peer.Entry
	resp := getJSON(t, baseURL+"/connections", &entries)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if len(entries) != 2 || entries[0].PeerID != "alice" || entries[1].PeerID != "bob" {
		t.Fatalf("entries=%+v", entries)
	}
	if entries[0].PeerType != "browser" || entries[0].ConnectionID != "conn-alice" {
		t.Fatalf("entry=%+v", entries[0])
	}
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}

	baseURL, _ := startTestServer(t, cfg, Deps{})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", &payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpointEmptyListIsArray(t *testing.T) {
	baseURL, _ := startTestServer(t, testConfig(), Deps{})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"iceServers":[]`) {
		t.Fatalf("body=%s", body)
	}
}

func TestICEEndpointIssuesTURNRESTCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:    "secret",
		TTLSeconds:      60,
		UsernamePrefix:  "aero",
		Now:             func() time.Time { return time.Unix(1000, 0) },
		SessionIDSource: func() (string, error) { return "sid", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	baseURL, _ := startTestServer(t, cfg, Deps{TURNREST: gen})

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	getJSON(t, baseURL+"/webrtc/ice", &payload)
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got username %q", payload.ICEServers[0].Username)
	}
	if payload.ICEServers[1].Username != "1060:aero:sid" || payload.ICEServers[1].Credential == "" {
		t.Fatalf("turn server=%+v", payload.ICEServers[1])
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	baseURL, _ := startTestServer(t, cfg, Deps{})

	req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL, _ := startTestServer(t, cfg, Deps{Registry: peer.NewRegistry(nil)})

	req, _ := http.NewRequest(http.MethodOptions, baseURL+"/connections", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	rec := metrics.NewRecorder(reg)
	rec.ObserveConnection(metrics.ConnectionAccepted)

	baseURL, _ := startTestServer(t, testConfig(), Deps{Metrics: reg})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `aero_signaling_connections_total{result="accepted"} 1`) {
		t.Fatalf("metrics body missing connection counter:\n%s", body)
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>relay</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig()
	cfg.StaticDir = dir
	baseURL, _ := startTestServer(t, cfg, Deps{})

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "relay") {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}

	// Explicit routes still win over the file server.
	var health map[string]any
	getJSON(t, baseURL+"/healthz", &health)
	if health["ok"] != true {
		t.Fatalf("healthz=%v", health)
	}
}

func TestSignalingThroughMiddleware(t *testing.T) {
	registry := peer.NewRegistry(nil)
	ctrl := admission.New(admission.Config{}, nil, registry, router.New(registry, nil, nil), nil, nil)
	sig := signaling.NewServer(signaling.Config{Controller: ctrl})
	t.Cleanup(sig.Close)

	baseURL, srv := startTestServer(t, testConfig(), Deps{Registry: registry})
	sig.RegisterRoutes(srv.Mux())

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/signal"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteJSON(map[string]any{"type": "ready", "peerId": "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err != nil {
		t.Fatalf("read welcome: %v", err)
	}

	var entries []peer.Entry
	getJSON(t, baseURL+"/connections", &entries)
	if len(entries) != 1 || entries[0].PeerID != "alice" {
		t.Fatalf("entries=%+v", entries)
	}
}
