package atc

import (
	"sort"
	"time"

	"receiving-atc/logx"
)

const (
	// DefaultRetentionDays bounds how long a delivery stays "already notified".
	DefaultRetentionDays = 14
	sendWindow           = time.Hour
)

// Channel names with legacy state on disk.
const (
	ChannelToast = "toast"
	ChannelEmail = "email"
	ChannelChat  = "chat"
)

// notificationFile is the on-disk shape. The emailed_* and *_by_channel keys are
// written by older single-channel versions and only read.
type notificationFile struct {
	Notified map[string]map[string]int64 `json:"notified_deliveries"`
	Sent     map[string][]int64          `json:"sent_timestamps"`
	Pending  map[string]map[string]int64 `json:"pending_deliveries"`

	LegacyEmailed       map[string]int64   `json:"emailed_deliveries,omitempty"`
	LegacySentEmail     []int64            `json:"sent_email_timestamps,omitempty"`
	LegacySentByChannel map[string][]int64 `json:"sent_timestamps_by_channel,omitempty"`
}

// NotificationState is the per-channel dedup and send-rate memory. Times are
// epoch seconds.
//
// A delivery in notified[ch] is never sent on ch again until it ages out of
// retention. sent[ch] is a sliding one-hour window of successful sends. pending[ch]
// remembers deliveries that were deferred (rate limit, no recipients, failed
// send) so later cycles reconsider them.
type NotificationState struct {
	path string
	now  func() time.Time

	notified map[string]map[string]int64
	sent     map[string][]int64
	pending  map[string]map[string]int64
}

func NewNotificationState(path string) *NotificationState {
	return &NotificationState{
		path:     path,
		now:      time.Now,
		notified: map[string]map[string]int64{},
		sent:     map[string][]int64{},
		pending:  map[string]map[string]int64{},
	}
}

// LoadNotificationState reads path. Missing starts empty; corrupt is quarantined
// and starts empty. Legacy email fields seed the email channel.
func LoadNotificationState(path string, log logx.Logger) *NotificationState {
	s := NewNotificationState(path)
	var f notificationFile
	found, err := readJSONFile(path, &f)
	if err != nil {
		quarantine(log, path, err)
		return s
	}
	if !found {
		return s
	}
	for ch, m := range f.Notified {
		for id, ts := range m {
			s.setNotified(ch, id, ts)
		}
	}
	for ch, m := range f.Pending {
		for id, ts := range m {
			s.setPending(ch, id, ts)
		}
	}
	for ch, ts := range f.Sent {
		s.sent[ch] = append([]int64(nil), ts...)
	}

	for id, ts := range f.LegacyEmailed {
		if _, ok := s.notified[ChannelEmail][id]; !ok {
			s.setNotified(ChannelEmail, id, ts)
		}
	}
	for ch, ts := range f.LegacySentByChannel {
		if _, ok := s.sent[ch]; !ok {
			s.sent[ch] = append([]int64(nil), ts...)
		}
	}
	if _, ok := s.sent[ChannelEmail]; !ok && len(f.LegacySentEmail) > 0 {
		s.sent[ChannelEmail] = append([]int64(nil), f.LegacySentEmail...)
	}
	return s
}

func (s *NotificationState) Save() error {
	if s.path == "" {
		return nil
	}
	return writeJSONFile(s.path, notificationFile{Notified: s.notified, Sent: s.sent, Pending: s.pending})
}

func (s *NotificationState) setNotified(ch, id string, ts int64) {
	m := s.notified[ch]
	if m == nil {
		m = map[string]int64{}
		s.notified[ch] = m
	}
	m[id] = ts
}

func (s *NotificationState) setPending(ch, id string, ts int64) {
	m := s.pending[ch]
	if m == nil {
		m = map[string]int64{}
		s.pending[ch] = m
	}
	m[id] = ts
}

func (s *NotificationState) pruneSent(ch string, now int64) {
	ts := s.sent[ch]
	cutoff := now - int64(sendWindow/time.Second)
	kept := ts[:0]
	for _, t := range ts {
		if t >= cutoff {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(s.sent, ch)
		return
	}
	s.sent[ch] = kept
}

// CanSend reports whether ch has sent fewer than maxPerHour messages in the last hour.
func (s *NotificationState) CanSend(ch string, maxPerHour int) bool {
	s.pruneSent(ch, s.now().Unix())
	return len(s.sent[ch]) < maxPerHour
}

// SentLastHour is the current window count for ch.
func (s *NotificationState) SentLastHour(ch string) int {
	s.pruneSent(ch, s.now().Unix())
	return len(s.sent[ch])
}

func (s *NotificationState) MarkSent(ch string) {
	s.sent[ch] = append(s.sent[ch], s.now().Unix())
}

func (s *NotificationState) HasNotified(ch, deliveryID string) bool {
	_, ok := s.notified[ch][deliveryID]
	return ok
}

// MarkNotified records deliveryID as done on ch and clears any pending entry.
func (s *NotificationState) MarkNotified(ch, deliveryID string) {
	s.setNotified(ch, deliveryID, s.now().Unix())
	s.ClearPending(ch, deliveryID)
}

// MarkPending remembers a deferred delivery. The first deferral time is kept.
func (s *NotificationState) MarkPending(ch, deliveryID string) {
	if _, ok := s.pending[ch][deliveryID]; ok {
		return
	}
	s.setPending(ch, deliveryID, s.now().Unix())
}

func (s *NotificationState) ClearPending(ch, deliveryID string) {
	m := s.pending[ch]
	if m == nil {
		return
	}
	delete(m, deliveryID)
	if len(m) == 0 {
		delete(s.pending, ch)
	}
}

func (s *NotificationState) IsPending(ch, deliveryID string) bool {
	_, ok := s.pending[ch][deliveryID]
	return ok
}

// Pending lists deferred deliveries for ch, oldest deferral first.
func (s *NotificationState) Pending(ch string) []string {
	m := s.pending[ch]
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if m[out[i]] != m[out[j]] {
			return m[out[i]] < m[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// PendingChannels lists channels with deferred deliveries, sorted.
func (s *NotificationState) PendingChannels() []string {
	out := make([]string, 0, len(s.pending))
	for ch := range s.pending {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Prune drops notified and pending entries older than retentionDays and send
// timestamps older than one hour. retentionDays <= 0 uses the default.
func (s *NotificationState) Prune(retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	now := s.now().Unix()
	cutoff := now - int64(retentionDays)*86400
	pruneAged(s.notified, cutoff)
	pruneAged(s.pending, cutoff)
	for ch := range s.sent {
		s.pruneSent(ch, now)
	}
}

func pruneAged(byChannel map[string]map[string]int64, cutoff int64) {
	for ch, m := range byChannel {
		for id, ts := range m {
			if ts < cutoff {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(byChannel, ch)
		}
	}
}
