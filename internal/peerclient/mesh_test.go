package peerclient

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
)

func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	apis := make([]*webrtc.API, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		se := webrtc.SettingEngine{}
		se.SetNet(n)
		apis = append(apis, webrtc.NewAPI(webrtc.WithSettingEngine(se)))
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis
}

func startMesh(t *testing.T, ctx context.Context, url, id string, api *webrtc.API) *Mesh {
	t.Helper()
	c, err := Dial(ctx, Config{URL: url, PeerID: id})
	if err != nil {
		t.Fatalf("Dial(%s): %v", id, err)
	}
	m := NewMesh(c, MeshConfig{API: api})
	go func() { _ = m.Run(ctx) }()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitChannel(t *testing.T, m *Mesh) Channel {
	t.Helper()
	select {
	case ch := <-m.Channels():
		return ch
	case <-time.After(10 * time.Second):
		t.Fatalf("%s: timed out waiting for data channel", m.client.ID())
	}
	return Channel{}
}

func TestMesh_OpensDataChannelOverVNet(t *testing.T) {
	url := startRelay(t, nil)
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dial returns after registration, so bob joins second and offers.
	alice := startMesh(t, ctx, url, "alice", apis[0])
	bob := startMesh(t, ctx, url, "bob", apis[1])

	chA := waitChannel(t, alice)
	if chA.PeerID != "bob" {
		t.Fatalf("alice channel peer=%q, want bob", chA.PeerID)
	}
	received := make(chan string, 1)
	chA.DataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case received <- string(msg.Data):
		default:
		}
	})

	chB := waitChannel(t, bob)
	if chB.PeerID != "alice" {
		t.Fatalf("bob channel peer=%q, want alice", chB.PeerID)
	}
	if chB.DataChannel.Label() != DefaultDataChannelLabel {
		t.Fatalf("label=%q", chB.DataChannel.Label())
	}
	if err := chB.DataChannel.SendText("hello alice"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello alice" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for data channel message")
	}

	if peers := alice.Peers(); len(peers) != 1 || peers[0] != "bob" {
		t.Fatalf("alice peers=%v", peers)
	}
}

func TestMesh_LeaveDropsPeerConnection(t *testing.T) {
	url := startRelay(t, nil)
	apis := newVNetAPIs(t, "10.0.0.1", "10.0.0.2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startMesh(t, ctx, url, "alice", apis[0])
	bob := startMesh(t, ctx, url, "bob", apis[1])
	waitChannel(t, alice)
	waitChannel(t, bob)

	_ = bob.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(alice.Peers()) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("alice still has peers %v after bob left", alice.Peers())
}
