package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

const (
	testTokenURL = "https://login.test/tenant-1/oauth2/v2.0/token"
	testMailURL  = "https://graph.test/v1.0/users/atc@example.com/sendMail"
)

func testSummary() atc.DeliverySummary {
	return atc.DeliverySummary{
		DeliveryID:    "D1",
		ShiftLabel:    atc.ShiftA1,
		FirstDetected: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		Locations:     []string{"R01", "R02"},
		Items: []atc.DeliveryItem{
			{ItemNumber: "I1", VendorName: "ACME <Foods>", Cases: 15, Locations: []string{"R01"}},
			{ItemNumber: "I2", Cases: 3, Locations: []string{"R02"}},
		},
		TotalCases: 18,
		Events:     3,
	}
}

func newTestMailer(t *testing.T) *GraphMailer {
	t.Helper()
	c := newMockedClient(t)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return NewGraphMailer(GraphConfig{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "s3cret",
		Sender:       "atc@example.com",
		BaseURL:      "https://graph.test/v1.0/",
		TokenURL:     testTokenURL,
		Location:     ny,
	}, c)
}

func tokenResponder(t *testing.T, calls *int) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		*calls++
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "client_credentials", req.PostForm.Get("grant_type"))
		assert.Equal(t, "client-1", req.PostForm.Get("client_id"))
		assert.Equal(t, "s3cret", req.PostForm.Get("client_secret"))
		assert.Equal(t, graphScope, req.PostForm.Get("scope"))
		return httpmock.NewJsonResponse(200, map[string]any{"access_token": "tok-1", "expires_in": 3600})
	}
}

func TestGraphMailer_SendsAndCachesToken(t *testing.T) {
	g := newTestMailer(t)
	tokenCalls := 0
	httpmock.RegisterResponder("POST", testTokenURL, tokenResponder(t, &tokenCalls))

	var sent []graphMail
	httpmock.RegisterResponder("POST", testMailURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
		b, _ := io.ReadAll(req.Body)
		var m graphMail
		require.NoError(t, json.Unmarshal(b, &m))
		sent = append(sent, m)
		return httpmock.NewStringResponse(202, ""), nil
	})

	msg := atc.DeliveryAlert(atc.ChannelEmail, "F100", testSummary(), []string{"a@x.com", "b@x.com"}, nil)
	require.NoError(t, g.Send(context.Background(), msg))
	require.NoError(t, g.Send(context.Background(), msg))

	assert.Equal(t, 1, tokenCalls)
	require.Len(t, sent, 2)
	m := sent[0]
	assert.Equal(t, msg.Subject, m.Message.Subject)
	assert.Equal(t, "HTML", m.Message.Body.ContentType)
	assert.Contains(t, m.Message.Body.Content, "ACME &lt;Foods&gt;")
	assert.Contains(t, m.Message.Body.Content, "2026-03-01 08:00:00")
	require.Len(t, m.Message.ToRecipients, 2)
	assert.Equal(t, "b@x.com", m.Message.ToRecipients[1].EmailAddress.Address)
	assert.True(t, m.SaveToSentItems)
}

func TestGraphMailer_RefreshesExpiredToken(t *testing.T) {
	g := newTestMailer(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	tokenCalls := 0
	httpmock.RegisterResponder("POST", testTokenURL, tokenResponder(t, &tokenCalls))
	httpmock.RegisterResponder("POST", testMailURL, httpmock.NewStringResponder(200, ""))

	msg := atc.DeliveryAlert(atc.ChannelEmail, "F100", testSummary(), []string{"a@x.com"}, nil)
	require.NoError(t, g.Send(context.Background(), msg))
	now = now.Add(58 * time.Minute)
	require.NoError(t, g.Send(context.Background(), msg))
	assert.Equal(t, 1, tokenCalls)
	now = now.Add(2 * time.Minute)
	require.NoError(t, g.Send(context.Background(), msg))
	assert.Equal(t, 2, tokenCalls)
}

func TestGraphMailer_UnauthorizedDropsToken(t *testing.T) {
	g := newTestMailer(t)
	tokenCalls := 0
	httpmock.RegisterResponder("POST", testTokenURL, tokenResponder(t, &tokenCalls))
	httpmock.RegisterResponder("POST", testMailURL, httpmock.NewStringResponder(401, `{"error":"InvalidAuthenticationToken"}`))

	msg := atc.DeliveryAlert(atc.ChannelEmail, "F100", testSummary(), []string{"a@x.com"}, nil)
	err := g.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Empty(t, g.token)

	_ = g.Send(context.Background(), msg)
	assert.Equal(t, 2, tokenCalls)
}

func TestGraphMailer_NoRecipients(t *testing.T) {
	g := newTestMailer(t)
	msg := atc.DeliveryAlert(atc.ChannelEmail, "F100", testSummary(), nil, nil)
	assert.ErrorIs(t, g.Send(context.Background(), msg), ErrNoRecipients)
	assert.Equal(t, 0, httpmock.GetTotalCallCount())
}

func TestNewGraphMailer_Defaults(t *testing.T) {
	g := NewGraphMailer(GraphConfig{TenantID: "abc"}, NewClient(0, 0, logx.Nop()))
	assert.Equal(t, DefaultGraphBaseURL, g.cfg.BaseURL)
	assert.Equal(t, "https://login.microsoftonline.com/abc/oauth2/v2.0/token", g.cfg.TokenURL)
}
