package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	defaultJWTLeeway = 30 * time.Second
	maxJWTLen        = 8 * 1024
)

// JWTVerifier accepts HMAC-signed tokens carrying an exp claim.
type JWTVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{
		secret: []byte(secret),
		leeway: defaultJWTLeeway,
		now:    time.Now,
	}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Claims(token)
	return err
}

// Claims verifies token and returns its claims.
func (v JWTVerifier) Claims(token string) (jwt.MapClaims, error) {
	if token == "" || len(token) > maxJWTLen || len(v.secret) == 0 {
		return nil, ErrInvalidCredentials
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: alg %v", ErrUnsupportedJWT, t.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, ErrUnsupportedJWT) {
			return nil, ErrUnsupportedJWT
		}
		return nil, ErrInvalidCredentials
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
