package atc

import (
	"context"
	"time"
)

// Query is what a Source needs to fetch one window of rows.
type Query struct {
	FacilityID        string
	WindowMinutes     int
	ExcludedLocations []string
	// Timezone is the IANA zone the source renders local timestamps in.
	Timezone string
	Timeout  time.Duration
}

// Source fetches raw rows for a window. Implementations must honour ctx and
// q.Timeout; a timeout is an ordinary error.
type Source interface {
	Fetch(ctx context.Context, q Query) ([]RawRow, error)
}

// Message is a rendered notification handed to a transport.
type Message struct {
	Channel    string
	FacilityID string
	Recipients []string
	Subject    string
	Lines      []string
	// Delivery is set for delivery notifications, Event for per-event alerts.
	Delivery *DeliverySummary
	Event    *Event
}

// Body joins Lines with newlines.
func (m Message) Body() string {
	return joinLines(m.Lines)
}

// Sender delivers one message on one channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Roster maps a shift label to recipient addresses. Unknown labels resolve to
// the Off Shift category.
type Roster interface {
	RecipientsForShift(shiftLabel string) []string
}

// StatusSink receives a status record on every scheduler transition.
type StatusSink interface {
	WriteStatus(ctx context.Context, st Status) error
}

// NotificationRecorder archives successful delivery notifications.
type NotificationRecorder interface {
	RecordNotification(rec NotificationRecord) error
}

// CycleRecorder archives cycle outcomes.
type CycleRecorder interface {
	RecordCycle(rec CycleRecord) error
}
