package peerclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/admission"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/peer"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/router"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/signaling"
)

// startRelay runs an in-process relay and returns its WebSocket URL.
func startRelay(t *testing.T, verifier auth.Verifier) string {
	t.Helper()

	registry := peer.NewRegistry(nil)
	ctrl := admission.New(admission.Config{}, nil, registry, router.New(registry, nil, nil), nil, nil)
	srv := signaling.NewServer(signaling.Config{Controller: ctrl, Verifier: verifier})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal"
}

func nextMessage(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatalf("%s: messages closed: %v", c.ID(), c.Err())
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("%s: timed out waiting for message", c.ID())
	}
	return Message{}
}
