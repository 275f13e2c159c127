package atc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"receiving-atc/logx"
)

// Channel is one delivery-notification transport with its send cap.
type Channel struct {
	Name       string
	MaxPerHour int
	// NeedsRecipients channels skip deliveries whose shift has no roster entries.
	NeedsRecipients bool
	Sender          Sender
}

// ChannelReport counts per-channel decisions for one cycle.
type ChannelReport struct {
	Channel         string `json:"channel"`
	Candidates      int    `json:"candidates"`
	Sent            int    `json:"sent"`
	AlreadyNotified int    `json:"already_notified"`
	NoRecipients    int    `json:"no_recipients"`
	Deferred        int    `json:"deferred"`
	RateLimited     bool   `json:"rate_limited"`
	Error           string `json:"error,omitempty"`
}

// SummaryLookup rebuilds a summary for a deferred delivery.
type SummaryLookup func(deliveryID string) (DeliverySummary, bool)

// Notifier decides per channel whether each delivery is sent, skipped or deferred.
type Notifier struct {
	State         *NotificationState
	Roster        Roster
	Channels      []Channel
	FacilityID    string
	RetentionDays int
	Location      *time.Location
	Recorder      NotificationRecorder
	Metrics       *Metrics
	Log           logx.Logger
}

// Notify runs every channel over the fresh summaries plus that channel's deferred
// deliveries. A failing channel does not stop the others; all channel errors are
// joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, fresh []DeliverySummary, lookup SummaryLookup) ([]ChannelReport, error) {
	reports := make([]ChannelReport, 0, len(n.Channels))
	var errs []error
	for _, ch := range n.Channels {
		rep, err := n.notifyChannel(ctx, ch, fresh, lookup)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

func (n *Notifier) candidates(ch string, fresh []DeliverySummary, lookup SummaryLookup) []DeliverySummary {
	inFresh := make(map[string]struct{}, len(fresh))
	for _, s := range fresh {
		inFresh[s.DeliveryID] = struct{}{}
	}
	var out []DeliverySummary
	for _, id := range n.State.Pending(ch) {
		if _, ok := inFresh[id]; ok {
			continue
		}
		var (
			s  DeliverySummary
			ok bool
		)
		if lookup != nil {
			s, ok = lookup(id)
		}
		if !ok {
			// Its events aged out of the rolling log; nothing left to describe.
			n.State.ClearPending(ch, id)
			continue
		}
		out = append(out, s)
	}
	return append(out, fresh...)
}

func (n *Notifier) notifyChannel(ctx context.Context, ch Channel, fresh []DeliverySummary, lookup SummaryLookup) (ChannelReport, error) {
	log := n.Log.With(logx.String("channel", ch.Name))
	rep := ChannelReport{Channel: ch.Name}

	n.State.Prune(n.RetentionDays)
	cands := n.candidates(ch.Name, fresh, lookup)
	rep.Candidates = len(cands)

	deferRest := func(rest []DeliverySummary) {
		for _, s := range rest {
			if n.State.HasNotified(ch.Name, s.DeliveryID) {
				continue
			}
			n.State.MarkPending(ch.Name, s.DeliveryID)
			rep.Deferred++
		}
	}

	for i, s := range cands {
		if err := ctx.Err(); err != nil {
			deferRest(cands[i:])
			rep.Error = err.Error()
			return rep, fmt.Errorf("%s: %w", ch.Name, err)
		}
		if n.State.HasNotified(ch.Name, s.DeliveryID) {
			n.State.ClearPending(ch.Name, s.DeliveryID)
			rep.AlreadyNotified++
			continue
		}

		var recipients []string
		if ch.NeedsRecipients {
			if n.Roster != nil {
				recipients = n.Roster.RecipientsForShift(s.ShiftLabel)
			}
			if len(recipients) == 0 {
				n.State.MarkPending(ch.Name, s.DeliveryID)
				rep.NoRecipients++
				log.Info("no recipients for shift; will retry", logx.String("delivery", s.DeliveryID), logx.String("shift", s.ShiftLabel))
				continue
			}
		}

		// Stop the whole batch on the cap so iteration order cannot leak extra sends.
		if !n.State.CanSend(ch.Name, ch.MaxPerHour) {
			rep.RateLimited = true
			deferRest(cands[i:])
			log.Warn("hourly send cap reached; deferring remaining deliveries",
				logx.Int("max_per_hour", ch.MaxPerHour), logx.Int("deferred", rep.Deferred))
			n.Metrics.observeRateLimited(ch.Name)
			break
		}

		msg := DeliveryAlert(ch.Name, n.FacilityID, s, recipients, n.Location)
		if err := ch.Sender.Send(ctx, msg); err != nil {
			deferRest(cands[i:])
			rep.Error = err.Error()
			n.Metrics.observeNotification(ch.Name, "error")
			return rep, fmt.Errorf("%s: delivery %s: %w", ch.Name, s.DeliveryID, err)
		}
		n.State.MarkSent(ch.Name)
		n.State.MarkNotified(ch.Name, s.DeliveryID)
		rep.Sent++
		n.Metrics.observeNotification(ch.Name, "sent")
		log.Info("delivery notified", logx.String("delivery", s.DeliveryID), logx.String("shift", s.ShiftLabel),
			logx.Int("recipients", len(recipients)), logx.Float64("total_cases", s.TotalCases))
		n.record(ch.Name, s, msg, log)
	}
	return rep, nil
}

func (n *Notifier) record(ch string, s DeliverySummary, msg Message, log logx.Logger) {
	if n.Recorder == nil {
		return
	}
	rec := NotificationRecord{
		NotifiedAt: n.State.now().UTC(),
		Channel:    ch,
		FacilityID: n.FacilityID,
		DeliveryID: s.DeliveryID,
		ShiftLabel: s.ShiftLabel,
		TotalCases: s.TotalCases,
		Items:      len(s.Items),
		Recipients: len(msg.Recipients),
		Subject:    msg.Subject,
	}
	if err := n.Recorder.RecordNotification(rec); err != nil {
		log.Warn("archive notification failed", logx.String("delivery", s.DeliveryID), logx.Err(err))
	}
}
