// Package auth verifies bearer tokens presented by clients on identify.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is what a verified token tells us about the account.
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// JWTVerifier checks HMAC-signed tokens carrying userId and username claims.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Claims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	out := Claims{UserID: claimString(claims["userId"]), Username: claimString(claims["username"])}
	if out.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing userId", ErrInvalidToken)
	}
	return out, nil
}

// Sign issues a token for tests and tooling.
func (v *JWTVerifier) Sign(c Claims, expiresAtUnix int64) (string, error) {
	mc := jwt.MapClaims{"userId": c.UserID, "username": c.Username}
	if expiresAtUnix > 0 {
		mc["exp"] = expiresAtUnix
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(v.secret)
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (Claims, error) {
	lastErr := ErrInvalidToken
	for _, v := range c {
		if v == nil {
			continue
		}
		claims, err := v.Verify(ctx, token)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return Claims{}, lastErr
}
