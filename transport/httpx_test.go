package transport

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"receiving-atc/logx"
)

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(5*time.Second, 0, logx.Nop())
	c.InitialBackoff = time.Millisecond
	httpmock.ActivateNonDefault(c.HTTP)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func getReq(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestClient_RetriesThrottledThenSucceeds(t *testing.T) {
	c := newMockedClient(t)
	calls := 0
	httpmock.RegisterResponder("GET", "http://hooks.test/x", func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(429, "slow down"), nil
		}
		return httpmock.NewStringResponse(200, "ok"), nil
	})

	body, err := c.Do(context.Background(), "ping", getReq("http://hooks.test/x"), accept2xx)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 2, calls)
}

func TestClient_ClientErrorIsPermanent(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", "http://hooks.test/x", httpmock.NewStringResponder(400, "bad card"))

	_, err := c.Do(context.Background(), "ping", getReq("http://hooks.test/x"), accept2xx)
	require.Error(t, err)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 400, serr.Code)
	assert.Equal(t, "bad card", serr.Body)
	assert.False(t, serr.Retryable())
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder("GET", "http://hooks.test/x", httpmock.NewStringResponder(503, "down"))

	_, err := c.Do(context.Background(), "ping", getReq("http://hooks.test/x"), accept2xx)
	require.Error(t, err)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 503, serr.Code)
	assert.Equal(t, 3, httpmock.GetTotalCallCount())
}

func TestClient_CancelledContext(t *testing.T) {
	c := newMockedClient(t)
	c.Limiter = rate.NewLimiter(1, 1)
	httpmock.RegisterResponder("GET", "http://hooks.test/x", httpmock.NewStringResponder(200, "ok"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, "ping", getReq("http://hooks.test/x"), accept2xx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
}
