package atc

import (
	"time"

	"receiving-atc/logx"
)

// DefaultSeenCap bounds the persisted seen-set.
const DefaultSeenCap = 5000

// pollStateFile is the on-disk shape of the poll state.
type pollStateFile struct {
	LastCheck Stamp    `json:"last_check"`
	Seen      []string `json:"seen_event_ids"`
}

// PollTracker remembers which container ids were already observed so a cycle
// can tell new events from repeats. The seen-set keeps insertion order; when it
// exceeds the cap the oldest ids are dropped.
type PollTracker struct {
	path string
	cap  int
	now  func() time.Time

	lastCheck time.Time
	order     []string
	index     map[string]struct{}
}

// NewPollTracker returns an empty tracker. path may be empty for in-memory use.
func NewPollTracker(path string, capacity int) *PollTracker {
	if capacity <= 0 {
		capacity = DefaultSeenCap
	}
	return &PollTracker{path: path, cap: capacity, now: time.Now, index: map[string]struct{}{}}
}

// LoadPollTracker reads the tracker from path. A missing file starts empty; a
// corrupt one is quarantined and also starts empty.
func LoadPollTracker(path string, capacity int, log logx.Logger) *PollTracker {
	t := NewPollTracker(path, capacity)
	var f pollStateFile
	found, err := readJSONFile(path, &f)
	if err != nil {
		quarantine(log, path, err)
		return t
	}
	if !found {
		return t
	}
	t.lastCheck = f.LastCheck.Time
	t.add(f.Seen)
	t.truncate()
	return t
}

func quarantine(log logx.Logger, path string, cause error) {
	moved, err := QuarantineFile(path)
	if err != nil {
		log.Warn("state file unreadable; starting empty", logx.String("path", path), logx.Err(cause), logx.String("quarantine_error", err.Error()))
		return
	}
	log.Warn("state file unreadable; quarantined and starting empty", logx.String("path", path), logx.String("moved_to", moved), logx.Err(cause))
}

// NewSince returns the whole batch and the subset whose identity is not in the
// seen-set. Duplicate ids inside the batch collapse to one event; the later row
// supplies the fields.
func (t *PollTracker) NewSince(candidates []Event) (all []Event, fresh []Event) {
	pos := make(map[string]int, len(candidates))
	for _, e := range candidates {
		if _, seen := t.index[e.ContainerID]; seen {
			continue
		}
		if i, ok := pos[e.ContainerID]; ok {
			fresh[i] = e
			continue
		}
		pos[e.ContainerID] = len(fresh)
		fresh = append(fresh, e)
	}
	return candidates, fresh
}

// RecordSeen unions ids into the seen-set, keeps the most recent cap entries and
// stamps last_check. Calling it again with the same ids changes nothing else.
func (t *PollTracker) RecordSeen(ids []string) {
	t.add(ids)
	t.truncate()
	t.lastCheck = t.now()
}

func (t *PollTracker) add(ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := t.index[id]; ok {
			continue
		}
		t.index[id] = struct{}{}
		t.order = append(t.order, id)
	}
}

func (t *PollTracker) truncate() {
	if len(t.order) <= t.cap {
		return
	}
	drop := len(t.order) - t.cap
	for _, id := range t.order[:drop] {
		delete(t.index, id)
	}
	t.order = append([]string(nil), t.order[drop:]...)
}

func (t *PollTracker) Has(id string) bool {
	_, ok := t.index[id]
	return ok
}

func (t *PollTracker) Len() int { return len(t.order) }

// Seen returns a copy of the seen-set in insertion order.
func (t *PollTracker) Seen() []string { return append([]string(nil), t.order...) }

func (t *PollTracker) LastCheck() time.Time { return t.lastCheck }

// Save writes the tracker atomically. It is a no-op without a path.
func (t *PollTracker) Save() error {
	if t.path == "" {
		return nil
	}
	f := pollStateFile{LastCheck: Stamp{t.lastCheck}, Seen: t.order}
	if f.Seen == nil {
		f.Seen = []string{}
	}
	return writeJSONFile(t.path, f)
}
