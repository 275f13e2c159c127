package atc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiving-atc/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	msgs  []Message
	failN int
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("transport down")
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingSender) deliveries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.msgs {
		if m.Delivery != nil {
			out = append(out, m.Delivery.DeliveryID)
		}
	}
	return out
}

type memRecorder struct {
	notifications []NotificationRecord
	cycles        []CycleRecord
}

func (m *memRecorder) RecordNotification(rec NotificationRecord) error {
	m.notifications = append(m.notifications, rec)
	return nil
}

func (m *memRecorder) RecordCycle(rec CycleRecord) error {
	m.cycles = append(m.cycles, rec)
	return nil
}

func summaries(ids ...string) []DeliverySummary {
	out := make([]DeliverySummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, DeliverySummary{DeliveryID: id, ShiftLabel: ShiftA1, TotalCases: 1, Items: []DeliveryItem{}})
	}
	return out
}

func lookupFrom(all []DeliverySummary) SummaryLookup {
	return func(id string) (DeliverySummary, bool) {
		for _, s := range all {
			if s.DeliveryID == id {
				return s, true
			}
		}
		return DeliverySummary{}, false
	}
}

var testRoster = StaticRoster{ShiftA1: {"lead@example.com"}}

func TestNotifier_RateLimitDefersThenRetriesNextWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	email := &recordingSender{}
	rec := &memRecorder{}
	n := &Notifier{
		State:      state,
		Roster:     testRoster,
		Channels:   []Channel{{Name: ChannelEmail, MaxPerHour: 2, NeedsRecipients: true, Sender: email}},
		FacilityID: "F100",
		Recorder:   rec,
		Log:        logx.Nop(),
	}
	all := summaries("D1", "D2", "D3")

	reps, err := n.Notify(context.Background(), all, lookupFrom(all))
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, 2, reps[0].Sent)
	assert.True(t, reps[0].RateLimited)
	assert.Equal(t, 1, reps[0].Deferred)
	assert.Equal(t, []string{"D1", "D2"}, email.deliveries())
	assert.True(t, state.IsPending(ChannelEmail, "D3"))
	assert.Len(t, rec.notifications, 2)

	// Same hour, nothing new: still capped.
	clock.Advance(10 * time.Minute)
	reps, err = n.Notify(context.Background(), nil, lookupFrom(all))
	require.NoError(t, err)
	assert.Equal(t, 0, reps[0].Sent)
	assert.True(t, reps[0].RateLimited)

	clock.Advance(time.Hour)
	reps, err = n.Notify(context.Background(), all[:1], lookupFrom(all))
	require.NoError(t, err)
	assert.Equal(t, 1, reps[0].Sent)
	assert.Equal(t, 1, reps[0].AlreadyNotified, "D1 is never sent twice")
	assert.Equal(t, []string{"D1", "D2", "D3"}, email.deliveries())
	assert.False(t, state.IsPending(ChannelEmail, "D3"))
}

func TestNotifier_NoRecipientsIsPendingUntilRosterFilled(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	email := &recordingSender{}
	chat := &recordingSender{}
	n := &Notifier{
		State:  state,
		Roster: StaticRoster{},
		Channels: []Channel{
			{Name: ChannelEmail, MaxPerHour: 20, NeedsRecipients: true, Sender: email},
			{Name: ChannelChat, MaxPerHour: 20, Sender: chat},
		},
		FacilityID: "F100",
		Log:        logx.Nop(),
	}
	all := summaries("D1")

	reps, err := n.Notify(context.Background(), all, lookupFrom(all))
	require.NoError(t, err)
	assert.Equal(t, 1, reps[0].NoRecipients)
	assert.Empty(t, email.deliveries())
	assert.Equal(t, []string{"D1"}, chat.deliveries(), "chat does not need a roster")
	assert.True(t, state.IsPending(ChannelEmail, "D1"))
	assert.False(t, state.HasNotified(ChannelEmail, "D1"))

	n.Roster = testRoster
	reps, err = n.Notify(context.Background(), nil, lookupFrom(all))
	require.NoError(t, err)
	assert.Equal(t, 1, reps[0].Sent)
	assert.Equal(t, 0, reps[1].Sent)
	assert.Equal(t, []string{"D1"}, email.deliveries())
	assert.Equal(t, []string{"D1"}, chat.deliveries())
	require.Len(t, email.msgs, 1)
	assert.Equal(t, []string{"lead@example.com"}, email.msgs[0].Recipients)
}

func TestNotifier_SendErrorDefersRestAndOtherChannelsContinue(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	email := &recordingSender{failN: 1}
	chat := &recordingSender{}
	n := &Notifier{
		State:  state,
		Roster: testRoster,
		Channels: []Channel{
			{Name: ChannelEmail, MaxPerHour: 20, NeedsRecipients: true, Sender: email},
			{Name: ChannelChat, MaxPerHour: 20, Sender: chat},
		},
		Log: logx.Nop(),
	}
	all := summaries("D1", "D2")

	reps, err := n.Notify(context.Background(), all, lookupFrom(all))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email: delivery D1")
	assert.Equal(t, 2, reps[0].Deferred)
	assert.NotEmpty(t, reps[0].Error)
	assert.Equal(t, []string{"D1", "D2"}, chat.deliveries())
	assert.Equal(t, []string{"D1", "D2"}, state.Pending(ChannelEmail))

	reps, err = n.Notify(context.Background(), nil, lookupFrom(all))
	require.NoError(t, err)
	assert.Equal(t, 2, reps[0].Sent)
	assert.Equal(t, 0, reps[1].Candidates)
}

func TestNotifier_PendingWithoutLogEntriesIsDropped(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	state.MarkPending(ChannelChat, "GONE")
	chat := &recordingSender{}
	n := &Notifier{
		State:    state,
		Channels: []Channel{{Name: ChannelChat, MaxPerHour: 5, Sender: chat}},
		Log:      logx.Nop(),
	}

	reps, err := n.Notify(context.Background(), nil, lookupFrom(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, reps[0].Candidates)
	assert.False(t, state.IsPending(ChannelChat, "GONE"))
}

func TestNotifier_FreshSummaryReplacesPendingCopy(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	state := newTestState(clock)
	state.MarkPending(ChannelChat, "D1")
	chat := &recordingSender{}
	n := &Notifier{
		State:    state,
		Channels: []Channel{{Name: ChannelChat, MaxPerHour: 5, Sender: chat}},
		Log:      logx.Nop(),
	}
	fresh := summaries("D1")
	fresh[0].TotalCases = 42
	stale := summaries("D1")

	reps, err := n.Notify(context.Background(), fresh, lookupFrom(stale))
	require.NoError(t, err)
	assert.Equal(t, 1, reps[0].Candidates)
	require.Len(t, chat.msgs, 1)
	assert.Equal(t, 42.0, chat.msgs[0].Delivery.TotalCases)
}
