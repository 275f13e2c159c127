package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"receiving-atc/atc"
)

const themeColor = "0071CE"

// messageCard is the legacy connector card format accepted by incoming webhooks.
type messageCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	Summary    string `json:"summary"`
	ThemeColor string `json:"themeColor"`
	Title      string `json:"title"`
	Text       string `json:"text"`
}

// Webhook posts a MessageCard to a chat channel's incoming webhook.
type Webhook struct {
	URL    string
	Client *Client
}

func cardFor(msg atc.Message) messageCard {
	var lines []string
	for _, l := range msg.Lines {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, "- "+l)
		}
	}
	return messageCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    msg.Subject,
		ThemeColor: themeColor,
		Title:      msg.Subject,
		Text:       strings.Join(lines, "\n"),
	}
}

func (w *Webhook) Send(ctx context.Context, msg atc.Message) error {
	if strings.TrimSpace(w.URL) == "" {
		return errors.New("webhook url is empty")
	}
	payload, err := json.Marshal(cardFor(msg))
	if err != nil {
		return err
	}
	_, err = w.Client.Do(ctx, "chat webhook", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(code int) bool { return code < 400 })
	return err
}
