package auth

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier("s3cret")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	tok, err := v.Sign(Claims{UserID: "u42", Username: "Magnus"}, time.Now().Add(time.Hour).Unix())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	c, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "u42" || c.Username != "Magnus" {
		t.Fatalf("claims = %+v", c)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v, _ := NewJWTVerifier("s3cret")
	other, _ := NewJWTVerifier("other")
	forged, _ := other.Sign(Claims{UserID: "u1"}, 0)
	expired, _ := v.Sign(Claims{UserID: "u1"}, time.Now().Add(-time.Hour).Unix())
	noUser, _ := v.Sign(Claims{Username: "x"}, 0)

	for name, tok := range map[string]string{"forged": forged, "expired": expired, "no-user": noUser, "garbage": "not.a.jwt"} {
		if _, err := v.Verify(context.Background(), tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: want ErrInvalidToken, got %v", name, err)
		}
	}
}

func serveFast(t *testing.T, h fasthttp.RequestHandler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &fasthttp.Server{Handler: h}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return "http://" + ln.Addr().String() + "/verify"
}

func TestRemoteVerifier(t *testing.T) {
	var calls atomic.Int32
	url := serveFast(t, func(ctx *fasthttp.RequestCtx) {
		n := calls.Add(1)
		switch string(ctx.PostBody()) {
		case `{"token":"good-token-123"}`:
			if n == 1 {
				ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
				return
			}
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"userId":"u7","username":"hikaru"}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		}
	})

	v := NewRemoteVerifier(url, WithTimeout(2*time.Second), WithRetry(3))
	c, err := v.Verify(context.Background(), "good-token-123")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if c.UserID != "u7" || c.Username != "hikaru" || calls.Load() != 2 {
		t.Fatalf("claims=%+v calls=%d", c, calls.Load())
	}
	if _, err := v.Verify(context.Background(), "bad-token-123"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

type fixedVerifier struct {
	claims Claims
	err    error
}

func (f fixedVerifier) Verify(context.Context, string) (Claims, error) { return f.claims, f.err }

func TestChain(t *testing.T) {
	c := Chain{nil, fixedVerifier{err: ErrInvalidToken}, fixedVerifier{claims: Claims{UserID: "u1"}}}
	got, err := c.Verify(context.Background(), "x")
	if err != nil || got.UserID != "u1" {
		t.Fatalf("chain: %+v %v", got, err)
	}
	if _, err := (Chain{}).Verify(context.Background(), "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty chain: %v", err)
	}
}
