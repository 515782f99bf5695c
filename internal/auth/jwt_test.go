package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func TestJWTVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewJWTVerifier("topsecret")
	v.now = func() time.Time { return now }

	valid := signHS256(t, "topsecret", jwt.MapClaims{
		"sub": "alice",
		"exp": now.Add(time.Minute).Unix(),
	})
	claims, err := v.Claims(valid)
	if err != nil {
		t.Fatalf("Claims(valid)=%v", err)
	}
	if claims["sub"] != "alice" {
		t.Fatalf("sub=%v, want alice", claims["sub"])
	}

	cases := map[string]string{
		"wrong secret": signHS256(t, "other", jwt.MapClaims{"exp": now.Add(time.Minute).Unix()}),
		"expired":      signHS256(t, "topsecret", jwt.MapClaims{"exp": now.Add(-time.Hour).Unix()}),
		"missing exp":  signHS256(t, "topsecret", jwt.MapClaims{"sub": "alice"}),
		"garbage":      "not.a.jwt",
		"empty":        "",
	}
	for name, token := range cases {
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err=%v, want %v", name, err, ErrInvalidCredentials)
		}
	}
}

func TestJWTVerifier_LeewayAcceptsSlightlyExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewJWTVerifier("k")
	v.now = func() time.Time { return now }

	token := signHS256(t, "k", jwt.MapClaims{"exp": now.Add(-10 * time.Second).Unix()})
	if err := v.Verify(token); err != nil {
		t.Fatalf("Verify within leeway: %v", err)
	}
}

func TestJWTVerifier_RejectsNonHMAC(t *testing.T) {
	v := NewJWTVerifier("k")
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if err := v.Verify(token); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("err=%v, want %v", err, ErrUnsupportedJWT)
	}
}

func TestJWTVerifier_EmptySecretRejects(t *testing.T) {
	v := NewJWTVerifier("")
	token := signHS256(t, "x", jwt.MapClaims{"exp": time.Now().Add(time.Minute).Unix()})
	if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrInvalidCredentials)
	}
}
