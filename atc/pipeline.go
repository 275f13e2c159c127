package atc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"receiving-atc/logx"
)

// Default file names inside the work directory.
const (
	PollStateFileName    = "atc_state.json"
	EventLogFileName     = "atc_events_log.json"
	NotifyStateFileName  = "atc_email_state.json"
	StatusFileName       = "atc_status.json"
	RosterFileName       = "atc_roster.json"
	DefaultMaxToastCycle = 25
)

// PipelineConfig carries everything one cycle needs besides its collaborators.
type PipelineConfig struct {
	FacilityID        string
	Location          *time.Location
	Timezone          string
	QueryWindow       time.Duration
	Lookback          time.Duration
	ExcludedLocations []string
	QueryTimeout      time.Duration
	EventLogRetention time.Duration
	RetentionDays     int
	SeenCap           int

	PollStatePath   string
	EventLogPath    string
	NotifyStatePath string
	RosterPath      string

	// MaxLocalAlerts caps per-event alerts per cycle; the rest are summarised.
	MaxLocalAlerts int
}

// CycleReport summarises one cycle for status, metrics and the archive.
type CycleReport struct {
	CycleID     string          `json:"cycle_id"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
	Rows        int             `json:"rows"`
	Parsed      int             `json:"parsed"`
	Dropped     int             `json:"dropped"`
	Defaulted   int             `json:"defaulted"`
	Excluded    int             `json:"excluded"`
	NewEvents   int             `json:"new_events"`
	Deliveries  int             `json:"deliveries"`
	LocalAlerts int             `json:"local_alerts"`
	SeenSetSize int             `json:"seen_set_size"`
	LogSize     int             `json:"event_log_size"`
	Channels    []ChannelReport `json:"channels,omitempty"`
}

// Pipeline runs one poll → parse → dedup → log → aggregate → notify cycle.
type Pipeline struct {
	Config   PipelineConfig
	Source   Source
	Channels []Channel
	// LocalAlert receives one message per new event; nil disables local alerts.
	LocalAlert Sender
	// Roster overrides the roster file when set.
	Roster        Roster
	Notifications NotificationRecorder
	Cycles        CycleRecorder
	Metrics       *Metrics
	Log           logx.Logger

	now   func() time.Time
	newID func() string
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Pipeline) cycleID() string {
	if p.newID != nil {
		return p.newID()
	}
	return uuid.NewString()
}

// RunCycle executes one cycle. Poll state and the event log are saved as soon as
// the batch is classified; notification state is saved even when a channel fails.
func (p *Pipeline) RunCycle(ctx context.Context) (rep CycleReport, err error) {
	cfg := p.Config
	rep.CycleID = p.cycleID()
	rep.StartedAt = p.clock()
	log := p.Log.With(logx.String("cycle_id", rep.CycleID))
	defer func() {
		rep.EndedAt = p.clock()
		p.Metrics.observeCycle(err == nil, rep.EndedAt.Sub(rep.StartedAt).Seconds(), rep.EndedAt.Unix())
		p.archiveCycle(rep, err, log)
	}()

	qctx := ctx
	if cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, cfg.QueryTimeout)
		defer cancel()
	}
	log.Info("querying source", logx.Duration("window", cfg.QueryWindow))
	rows, err := p.Source.Fetch(qctx, Query{
		FacilityID:        cfg.FacilityID,
		WindowMinutes:     int(cfg.QueryWindow / time.Minute),
		ExcludedLocations: cfg.ExcludedLocations,
		Timezone:          cfg.Timezone,
		Timeout:           cfg.QueryTimeout,
	})
	if err != nil {
		if errors.Is(qctx.Err(), context.DeadlineExceeded) {
			return rep, fmt.Errorf("query timed out after %s: %w", cfg.QueryTimeout, err)
		}
		return rep, fmt.Errorf("query: %w", err)
	}

	events, parsed := ParseRows(rows)
	rep.Rows, rep.Parsed, rep.Dropped, rep.Defaulted = parsed.Rows, parsed.Parsed, parsed.Dropped, parsed.Defaulted
	for _, r := range parsed.Results {
		if r.Outcome == RowDefaultedCaseQty {
			log.Debug("case quantity defaulted to 0", logx.Int("row", r.Index), logx.String("raw", r.Raw))
		}
	}
	events, rep.Excluded = excludeLocations(events, cfg.ExcludedLocations)

	now := p.clock()
	tracker := LoadPollTracker(cfg.PollStatePath, cfg.SeenCap, log)
	all, fresh := tracker.NewSince(events)
	fresh = withinLookback(fresh, now.Add(-cfg.Lookback), cfg.Location)
	tracker.RecordSeen(IDs(all))
	rep.NewEvents = len(fresh)
	rep.SeenSetSize = tracker.Len()
	if err := tracker.Save(); err != nil {
		return rep, fmt.Errorf("save poll state: %w", err)
	}

	eventLog := LoadEventLog(cfg.EventLogPath, log)
	eventLog.Merge(all, now.Add(-cfg.EventLogRetention), now, cfg.Location)
	rep.LogSize = len(eventLog.Entries())
	if err := eventLog.Save(now); err != nil {
		return rep, fmt.Errorf("save event log: %w", err)
	}
	p.Metrics.observeParse(parsed, len(fresh), rep.SeenSetSize, rep.LogSize)

	summaries := SummarizeAll(fresh, now, cfg.Location)
	rep.Deliveries = len(summaries)
	log.Info("batch classified", logx.Int("rows", rep.Rows), logx.Int("parsed", rep.Parsed),
		logx.Int("dropped", rep.Dropped), logx.Int("new_events", rep.NewEvents), logx.Int("deliveries", rep.Deliveries))

	var errs []error
	if len(p.Channels) > 0 {
		reports, nerr := p.notify(ctx, summaries, eventLog.Entries(), now, log)
		rep.Channels = reports
		if nerr != nil {
			errs = append(errs, fmt.Errorf("notify: %w", nerr))
		}
	}

	sent, aerr := p.localAlerts(ctx, fresh, log)
	rep.LocalAlerts = sent
	if aerr != nil {
		errs = append(errs, fmt.Errorf("local alert: %w", aerr))
	}
	return rep, errors.Join(errs...)
}

func (p *Pipeline) notify(ctx context.Context, summaries []DeliverySummary, entries []LogEntry, now time.Time, log logx.Logger) (reports []ChannelReport, err error) {
	cfg := p.Config
	state := LoadNotificationState(cfg.NotifyStatePath, log)
	state.now = p.clock
	defer func() {
		if serr := state.Save(); serr != nil {
			err = errors.Join(err, fmt.Errorf("save notification state: %w", serr))
		}
	}()

	roster := p.Roster
	if roster == nil {
		roster = LoadRoster(cfg.RosterPath, log)
	}
	n := &Notifier{
		State:         state,
		Roster:        roster,
		Channels:      p.Channels,
		FacilityID:    cfg.FacilityID,
		RetentionDays: cfg.RetentionDays,
		Location:      cfg.Location,
		Recorder:      p.Notifications,
		Metrics:       p.Metrics,
		Log:           log,
	}
	lookup := func(id string) (DeliverySummary, bool) {
		evs := EntriesForDelivery(entries, id)
		if len(evs) == 0 {
			return DeliverySummary{}, false
		}
		return Summarize(id, evs, now, cfg.Location), true
	}
	return n.Notify(ctx, summaries, lookup)
}

func (p *Pipeline) localAlerts(ctx context.Context, fresh []Event, log logx.Logger) (int, error) {
	if p.LocalAlert == nil || len(fresh) == 0 {
		return 0, nil
	}
	limit := p.Config.MaxLocalAlerts
	if limit <= 0 {
		limit = DefaultMaxToastCycle
	}
	sent := 0
	for _, e := range fresh {
		if sent == limit {
			break
		}
		if err := p.LocalAlert.Send(ctx, EventAlert(p.Config.FacilityID, e)); err != nil {
			p.Metrics.observeLocalAlert("error")
			return sent, fmt.Errorf("container %s: %w", e.ContainerID, err)
		}
		p.Metrics.observeLocalAlert("sent")
		sent++
	}
	if len(fresh) > sent {
		if err := p.LocalAlert.Send(ctx, OverflowAlert(p.Config.FacilityID, len(fresh), sent)); err != nil {
			p.Metrics.observeLocalAlert("error")
			return sent, err
		}
		p.Metrics.observeLocalAlert("sent")
		sent++
	}
	log.Info("local alerts sent", logx.Int("count", sent), logx.Int("new_events", len(fresh)))
	return sent, nil
}

func (p *Pipeline) archiveCycle(rep CycleReport, runErr error, log logx.Logger) {
	if p.Cycles == nil {
		return
	}
	rec := CycleRecord{
		CycleID:      rep.CycleID,
		StartedAt:    rep.StartedAt.UTC(),
		EndedAt:      rep.EndedAt.UTC(),
		DurationMs:   rep.EndedAt.Sub(rep.StartedAt).Milliseconds(),
		OK:           runErr == nil,
		Rows:         rep.Rows,
		Parsed:       rep.Parsed,
		Dropped:      rep.Dropped,
		Defaulted:    rep.Defaulted,
		NewEvents:    rep.NewEvents,
		Deliveries:   rep.Deliveries,
		LocalAlerts:  rep.LocalAlerts,
		SeenSetSize:  rep.SeenSetSize,
		EventLogSize: rep.LogSize,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	for _, c := range rep.Channels {
		rec.Notified += c.Sent
		rec.Deferred += c.Deferred
	}
	if err := p.Cycles.RecordCycle(rec); err != nil {
		log.Warn("archive cycle failed", logx.Err(err))
	}
}

func excludeLocations(events []Event, excluded []string) ([]Event, int) {
	if len(excluded) == 0 {
		return events, 0
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, l := range excluded {
		skip[l] = struct{}{}
	}
	out := events[:0:0]
	for _, e := range events {
		if _, ok := skip[e.Location]; ok {
			continue
		}
		out = append(out, e)
	}
	return out, len(events) - len(out)
}

// withinLookback keeps events whose source timestamp parses and is not before
// cutoff. Events with unparseable timestamps are never considered recent.
func withinLookback(events []Event, cutoff time.Time, loc *time.Location) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		ts, ok := e.Time(loc)
		if !ok || ts.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}
