package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

const (
	DefaultGraphBaseURL = "https://graph.microsoft.com/v1.0"
	graphScope          = "https://graph.microsoft.com/.default"
	tokenSkew           = time.Minute
)

var ErrNoRecipients = errors.New("no recipients")

type GraphConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox the app sends as (users/{sender}/sendMail).
	Sender   string
	BaseURL  string
	TokenURL string
	Location *time.Location
}

// GraphMailer sends email through Microsoft Graph using the client
// credentials flow. Tokens are cached until shortly before expiry.
type GraphMailer struct {
	cfg    GraphConfig
	client *Client
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewGraphMailer(cfg GraphConfig, client *Client) *GraphMailer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGraphBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}
	return &GraphMailer{cfg: cfg, client: client, now: time.Now}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (g *GraphMailer) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && g.now().Before(g.expires) {
		return g.token, nil
	}
	form := url.Values{
		"client_id":     {g.cfg.ClientID},
		"client_secret": {g.cfg.ClientSecret},
		"scope":         {graphScope},
		"grant_type":    {"client_credentials"},
	}.Encode()
	body, err := g.client.Do(ctx, "graph token", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.TokenURL, strings.NewReader(form))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, accept2xx)
	if err != nil {
		return "", err
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("graph token: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("graph token: empty access_token")
	}
	g.token = tr.AccessToken
	g.expires = g.now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenSkew)
	return g.token, nil
}

type graphAddress struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMail struct {
	Message struct {
		Subject string `json:"subject"`
		Body    struct {
			ContentType string `json:"contentType"`
			Content     string `json:"content"`
		} `json:"body"`
		ToRecipients []graphAddress `json:"toRecipients"`
	} `json:"message"`
	SaveToSentItems bool `json:"saveToSentItems"`
}

func (g *GraphMailer) Send(ctx context.Context, msg atc.Message) error {
	if len(msg.Recipients) == 0 {
		return ErrNoRecipients
	}
	html, err := RenderHTML(msg, g.cfg.Location)
	if err != nil {
		return err
	}
	var m graphMail
	m.Message.Subject = msg.Subject
	m.Message.Body.ContentType = "HTML"
	m.Message.Body.Content = html
	for _, r := range msg.Recipients {
		var a graphAddress
		a.EmailAddress.Address = r
		m.Message.ToRecipients = append(m.Message.ToRecipients, a)
	}
	m.SaveToSentItems = true
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}

	token, err := g.accessToken(ctx)
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/users/" + url.PathEscape(g.cfg.Sender) + "/sendMail"
	_, err = g.client.Do(ctx, "graph sendMail", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(code int) bool { return code == http.StatusOK || code == http.StatusAccepted })
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusUnauthorized {
			g.invalidate()
		}
		return err
	}
	g.client.Log.Debug("graph mail sent", logx.String("subject", msg.Subject), logx.Int("recipients", len(msg.Recipients)))
	return nil
}

func (g *GraphMailer) invalidate() {
	g.mu.Lock()
	g.token = ""
	g.mu.Unlock()
}
