package atc

import (
	"sort"
	"time"

	"receiving-atc/logx"
)

// LogEntry is an Event plus the time this process first observed it.
type LogEntry struct {
	Event
	DetectedAt Stamp `json:"detected_at"`
}

// effectiveTime is the source timestamp when parseable, else DetectedAt.
func (e LogEntry) effectiveTime(loc *time.Location) time.Time {
	if ts, ok := e.Time(loc); ok {
		return ts
	}
	return e.DetectedAt.Time
}

// MergeEventLog folds batch into existing. Existing entries whose effective time
// is before cutoff are dropped; every batch event then overwrites the mutable
// fields of its entry and keeps its DetectedAt, or is inserted with
// DetectedAt = now. The result is ordered by effective time descending, then
// container id.
func MergeEventLog(existing []LogEntry, batch []Event, cutoff, now time.Time, loc *time.Location) []LogEntry {
	index := make(map[string]int, len(existing)+len(batch))
	merged := make([]LogEntry, 0, len(existing)+len(batch))

	for _, e := range existing {
		if e.ContainerID == "" || e.effectiveTime(loc).Before(cutoff) {
			continue
		}
		if i, ok := index[e.ContainerID]; ok {
			// Keep the earliest detection if the file carried duplicates.
			if e.DetectedAt.Before(merged[i].DetectedAt.Time) {
				merged[i].DetectedAt = e.DetectedAt
			}
			continue
		}
		index[e.ContainerID] = len(merged)
		merged = append(merged, e)
	}

	for _, ev := range batch {
		if i, ok := index[ev.ContainerID]; ok {
			merged[i].Event = ev
			continue
		}
		index[ev.ContainerID] = len(merged)
		merged = append(merged, LogEntry{Event: ev, DetectedAt: Stamp{now}})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		ti, tj := merged[i].effectiveTime(loc), merged[j].effectiveTime(loc)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return merged[i].ContainerID < merged[j].ContainerID
	})
	return merged
}

// EntriesForDelivery returns log entries for one delivery as events, oldest first.
func EntriesForDelivery(entries []LogEntry, deliveryID string) []Event {
	var out []Event
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].DeliveryID == deliveryID {
			out = append(out, entries[i].Event)
		}
	}
	return out
}

// eventLogFile is the on-disk shape read by the dashboard.
type eventLogFile struct {
	UpdatedAt Stamp      `json:"updated_at"`
	Events    []LogEntry `json:"events"`
}

// EventLog is the persisted rolling log.
type EventLog struct {
	path    string
	entries []LogEntry
}

// LoadEventLog reads path; missing starts empty, corrupt is quarantined.
func LoadEventLog(path string, log logx.Logger) *EventLog {
	l := &EventLog{path: path}
	var f eventLogFile
	found, err := readJSONFile(path, &f)
	if err != nil {
		quarantine(log, path, err)
		return l
	}
	if found {
		l.entries = f.Events
	}
	return l
}

func (l *EventLog) Entries() []LogEntry { return l.entries }

// Merge applies MergeEventLog to the in-memory entries.
func (l *EventLog) Merge(batch []Event, cutoff, now time.Time, loc *time.Location) {
	l.entries = MergeEventLog(l.entries, batch, cutoff, now, loc)
}

func (l *EventLog) Save(now time.Time) error {
	if l.path == "" {
		return nil
	}
	events := l.entries
	if events == nil {
		events = []LogEntry{}
	}
	return writeJSONFile(l.path, eventLogFile{UpdatedAt: Stamp{now}, Events: events})
}
