package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

// Outbox writes email notifications to disk instead of sending them. Each
// message produces an .html body and a .json sidecar with the headers.
type Outbox struct {
	Dir      string
	Location *time.Location
	Log      logx.Logger

	now func() time.Time
}

type outboxHeaders struct {
	Subject    string    `json:"subject"`
	Recipients []string  `json:"recipients"`
	FacilityID string    `json:"facility_id"`
	DeliveryID string    `json:"delivery_number,omitempty"`
	WrittenAt  time.Time `json:"written_at"`
	Body       string    `json:"body_file"`
}

func (o *Outbox) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

func (o *Outbox) Send(_ context.Context, msg atc.Message) error {
	html, err := RenderHTML(msg, o.Location)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return err
	}
	now := o.clock()
	token := "message"
	if msg.Delivery != nil {
		token = atc.SafeFileToken(msg.Delivery.DeliveryID)
	}
	base := fmt.Sprintf("delivery_%s_%s", token, now.Format("20060102_150405.000000"))
	htmlPath := filepath.Join(o.Dir, base+".html")
	if err := os.WriteFile(htmlPath, []byte(html), 0o644); err != nil {
		return err
	}
	h := outboxHeaders{
		Subject:    msg.Subject,
		Recipients: msg.Recipients,
		FacilityID: msg.FacilityID,
		WrittenAt:  now,
		Body:       filepath.Base(htmlPath),
	}
	if msg.Delivery != nil {
		h.DeliveryID = msg.Delivery.DeliveryID
	}
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(o.Dir, base+".json"), append(b, '\n'), 0o644); err != nil {
		return err
	}
	o.Log.Info("email written to outbox", logx.String("file", htmlPath), logx.Strings("recipients", msg.Recipients))
	return nil
}
