package atc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiving-atc/logx"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestState(clock *fakeClock) *NotificationState {
	s := NewNotificationState("")
	s.now = clock.Now
	return s
}

func TestNotificationState_SlidingHourWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s := newTestState(clock)

	assert.True(t, s.CanSend(ChannelEmail, 2))
	s.MarkSent(ChannelEmail)
	clock.Advance(10 * time.Minute)
	s.MarkSent(ChannelEmail)
	assert.False(t, s.CanSend(ChannelEmail, 2))
	assert.True(t, s.CanSend(ChannelChat, 2), "windows are per channel")

	clock.Advance(51 * time.Minute)
	assert.True(t, s.CanSend(ChannelEmail, 2))
	assert.Equal(t, 1, s.SentLastHour(ChannelEmail))
}

func TestNotificationState_PendingLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s := newTestState(clock)

	s.MarkPending(ChannelEmail, "D2")
	clock.Advance(time.Minute)
	s.MarkPending(ChannelEmail, "D1")
	clock.Advance(time.Minute)
	s.MarkPending(ChannelEmail, "D2")
	assert.Equal(t, []string{"D2", "D1"}, s.Pending(ChannelEmail), "first deferral time is kept")
	assert.Equal(t, []string{ChannelEmail}, s.PendingChannels())

	s.MarkNotified(ChannelEmail, "D2")
	assert.False(t, s.IsPending(ChannelEmail, "D2"))
	assert.True(t, s.HasNotified(ChannelEmail, "D2"))
	assert.False(t, s.HasNotified(ChannelChat, "D2"))

	s.ClearPending(ChannelEmail, "D1")
	assert.Empty(t, s.PendingChannels())
}

func TestNotificationState_PruneRetention(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	s := newTestState(clock)
	s.MarkNotified(ChannelEmail, "D1")
	s.MarkPending(ChannelChat, "D9")
	clock.Advance(3 * 24 * time.Hour)
	s.MarkNotified(ChannelEmail, "D2")

	s.Prune(2)
	assert.False(t, s.HasNotified(ChannelEmail, "D1"))
	assert.True(t, s.HasNotified(ChannelEmail, "D2"))
	assert.False(t, s.IsPending(ChannelChat, "D9"))
}

func TestNotificationState_SaveLoadAndLegacyFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, NotifyStateFileName)
	legacy := `{
  "emailed_deliveries": {"D1": 1772352000},
  "sent_email_timestamps": [1772352000, 1772352060],
  "sent_timestamps_by_channel": {"toast": [1772352000]}
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := LoadNotificationState(path, logx.Nop())
	s.now = func() time.Time { return time.Unix(1772352100, 0) }
	assert.True(t, s.HasNotified(ChannelEmail, "D1"))
	assert.Equal(t, 2, s.SentLastHour(ChannelEmail))
	assert.Equal(t, 1, s.SentLastHour(ChannelToast))

	s.MarkPending(ChannelChat, "D5")
	require.NoError(t, s.Save())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "emailed_deliveries")
	assert.Contains(t, string(b), "pending_deliveries")

	again := LoadNotificationState(path, logx.Nop())
	assert.True(t, again.HasNotified(ChannelEmail, "D1"))
	assert.True(t, again.IsPending(ChannelChat, "D5"))
}

func TestLoadNotificationState_CorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), NotifyStateFileName)
	require.NoError(t, os.WriteFile(path, []byte(`[1,2`), 0o644))
	s := LoadNotificationState(path, logx.Nop())
	assert.Empty(t, s.PendingChannels())
	assert.False(t, s.HasNotified(ChannelEmail, "D1"))
}
