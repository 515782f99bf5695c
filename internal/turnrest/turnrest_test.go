package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
)

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:    "shared-secret",
		TTLSeconds:      3600,
		UsernamePrefix:  "aero",
		Now:             func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		SessionIDSource: func() (string, error) { return "unused", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:aero:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestGenerate_TTLBehavior(t *testing.T) {
	now := time.Unix(42, 0).UTC()
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:    "secret",
		TTLSeconds:      10,
		UsernamePrefix:  "aero",
		Now:             func() time.Time { return now },
		SessionIDSource: func() (string, error) { return "unused", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("abc")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if creds.ExpiryUnix != now.Unix()+10 {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, now.Unix()+10)
	}
}

func TestGenerate_CredentialBase64AndHMACSHA1(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:    "secret",
		TTLSeconds:      1,
		UsernamePrefix:  "pfx",
		Now:             func() time.Time { return time.Unix(0, 0).UTC() },
		SessionIDSource: func() (string, error) { return "unused", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("sid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write([]byte(creds.Username))
	want := mac.Sum(nil)
	if string(decoded) != string(want) {
		t.Fatalf("decoded HMAC mismatch")
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGenerateRandom_UsesSessionSource(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:    "secret",
		TTLSeconds:      60,
		UsernamePrefix:  "aero",
		Now:             func() time.Time { return time.Unix(100, 0) },
		SessionIDSource: func() (string, error) { return "fixed", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if creds.Username != "160:aero:fixed" {
		t.Fatalf("Username=%q", creds.Username)
	}

	if _, err := g.Generate("bad:id"); err == nil {
		t.Fatalf("expected error for session id containing ':'")
	}
}

func TestGenerateRandom_DefaultSessionIDs(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{SharedSecret: "secret", TTLSeconds: 60, UsernamePrefix: "aero"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	b, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("expected distinct usernames, got %q twice", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[1] != "aero" {
		t.Fatalf("Username=%q", a.Username)
	}
}

func TestNewGenerator_RejectsBadConfig(t *testing.T) {
	for _, cfg := range []GeneratorConfig{
		{TTLSeconds: 1, UsernamePrefix: "aero"},
		{SharedSecret: "s", UsernamePrefix: "aero"},
		{SharedSecret: "s", TTLSeconds: 1},
		{SharedSecret: "s", TTLSeconds: 1, UsernamePrefix: "a:b"},
	} {
		if _, err := NewGenerator(cfg); err == nil {
			t.Fatalf("NewGenerator(%+v) succeeded, want error", cfg)
		}
	}
}

func TestFromConfig(t *testing.T) {
	g, err := FromConfig(config.TurnRESTConfig{})
	if err != nil || g != nil {
		t.Fatalf("disabled config: g=%v err=%v", g, err)
	}
	g, err = FromConfig(config.TurnRESTConfig{SharedSecret: "s", TTLSeconds: 10, UsernamePrefix: "aero"})
	if err != nil || g == nil {
		t.Fatalf("enabled config: g=%v err=%v", g, err)
	}
}

func TestApply_OnlyTouchesTURNServers(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"TURN:turn.example.com:3478?transport=udp"}},
	}
	out := Apply(servers, Credentials{Username: "u", Credential: "c"})
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun server got credentials: %+v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn server=%+v", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("input mutated")
	}

	if empty := Apply([]webrtc.ICEServer{}, Credentials{}); empty == nil {
		t.Fatalf("empty slice became nil")
	}
}
