// Package transport holds the atc.Sender implementations: desktop toast,
// Microsoft Graph email, chat webhook and the preview outbox.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"receiving-atc/logx"
)

const maxResponseBody = 64 << 10

// StatusError is a non-accepted HTTP response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Code, e.Body)
}

// Retryable reports throttling and server-side failures.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client wraps http.Client with a request limiter and bounded retries of
// transient failures.
type Client struct {
	HTTP    *http.Client
	Limiter *rate.Limiter
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     uint64
	InitialBackoff time.Duration
	Log            logx.Logger
}

// NewClient returns a client allowing rps requests per second with a burst of 1.
func NewClient(timeout time.Duration, rps float64, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Client{
		HTTP:           &http.Client{Timeout: timeout},
		Limiter:        lim,
		MaxRetries:     2,
		InitialBackoff: time.Second,
		Log:            log,
	}
}

func (c *Client) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialBackoff > 0 {
		b.InitialInterval = c.InitialBackoff
	}
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// Do sends the request built by newReq until accept(status) holds, a permanent
// error occurs or retries run out. newReq is called per attempt so bodies can be
// replayed. It returns the accepted response body.
func (c *Client) Do(ctx context.Context, op string, newReq func(ctx context.Context) (*http.Request, error), accept func(code int) bool) ([]byte, error) {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		if c.Limiter != nil {
			if err := c.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if accept(resp.StatusCode) {
			body = b
			return nil
		}
		serr := &StatusError{Op: op, Code: resp.StatusCode, Body: truncate(string(b), 500)}
		if serr.Retryable() {
			return serr
		}
		return backoff.Permanent(serr)
	}
	notify := func(err error, wait time.Duration) {
		c.Log.Warn("request failed; retrying", logx.String("op", op), logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
	}
	if err := backoff.RetryNotify(operation, c.backoff(ctx), notify); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func accept2xx(code int) bool { return code >= 200 && code < 300 }
