package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// RemoteVerifier asks an account service to validate the token.
// POST {url} {"token": "..."} -> 200 {"userId": "...", "username": "..."}; 401/403 means invalid.
type RemoteVerifier struct {
	url  string
	http *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type RemoteOption func(*RemoteVerifier)

func WithTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteVerifier) { r.defaultTimeout = d }
}

func WithRetry(max int) RemoteOption {
	return func(r *RemoteVerifier) { r.retryMax = max }
}

func NewRemoteVerifier(url string, opts ...RemoteOption) *RemoteVerifier {
	r := &RemoteVerifier{
		url:            strings.TrimRight(url, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (r *RemoteVerifier) Verify(ctx context.Context, token string) (Claims, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(r.url)
	req.Header.SetContentType("application/json")
	payload, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return Claims{}, fmt.Errorf("marshal request: %w", err)
	}
	req.SetBody(payload)

	attempts := r.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := r.http.DoDeadline(req, resp, r.computeDeadline(ctx))
		if err == nil {
			status := resp.StatusCode()
			switch {
			case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
				return Claims{}, ErrInvalidToken
			case status >= 200 && status < 300:
				var c Claims
				if err := json.Unmarshal(resp.Body(), &c); err != nil {
					return Claims{}, fmt.Errorf("decode response: %w", err)
				}
				if strings.TrimSpace(c.UserID) == "" {
					return Claims{}, fmt.Errorf("%w: missing userId", ErrInvalidToken)
				}
				return c, nil
			default:
				err = fmt.Errorf("auth service error: status=%d body=%s", status, truncate(string(resp.Body()), 256))
				if !shouldRetryStatus(status) {
					return Claims{}, err
				}
			}
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
			return Claims{}, lastErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return Claims{}, lastErr
}

func (r *RemoteVerifier) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(r.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
