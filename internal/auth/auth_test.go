package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	t.Run("query", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/signal?token=abc", nil)
		cred, err := CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "abc" {
			t.Fatalf("cred=%q, want %q", cred, "abc")
		}
	})

	t.Run("bearer", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/signal", nil)
		r.Header.Set("Authorization", "bearer  xyz ")
		cred, err := CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "xyz" {
			t.Fatalf("cred=%q, want %q", cred, "xyz")
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/signal", nil)
		r.Header.Set("Authorization", "Basic Zm9vOmJhcg==")
		if _, err := CredentialFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})
}

func TestTokenVerifier(t *testing.T) {
	v := TokenVerifier{Expected: "secret"}
	if err := v.Verify("secret"); err != nil {
		t.Fatalf("Verify(secret)=%v", err)
	}
	for _, bad := range []string{"", "secre", "secret2"} {
		if err := v.Verify(bad); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q)=%v, want %v", bad, err, ErrInvalidCredentials)
		}
	}
	if err := (TokenVerifier{}).Verify(""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty expected token must reject everything, got %v", err)
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("none: v=%v err=%v, want nil/nil", v, err)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeToken, Token: "t"})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, ok := v.(TokenVerifier); !ok {
		t.Fatalf("token verifier type=%T", v)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	if _, ok := v.(JWTVerifier); !ok {
		t.Fatalf("jwt verifier type=%T", v)
	}

	if _, err := NewVerifier(config.Config{AuthMode: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
