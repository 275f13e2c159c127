package atc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type SchedulerState string

const (
	StateStarting SchedulerState = "starting"
	StateRunning  SchedulerState = "running"
	StatePaused   SchedulerState = "paused"
	StateError    SchedulerState = "error"
	StateStopped  SchedulerState = "stopped"
)

var allStates = []SchedulerState{StateStarting, StateRunning, StatePaused, StateError, StateStopped}

// Status is the health record written on every scheduler transition.
type Status struct {
	FacilityID           string         `json:"facility_id"`
	State                SchedulerState `json:"state"`
	LastQueryStart       *time.Time     `json:"last_query_start"`
	LastQueryEnd         *time.Time     `json:"last_query_end"`
	LastError            *string        `json:"last_error"`
	QueryDurationSeconds *float64       `json:"query_duration_seconds"`
	ConsecutiveFailures  int            `json:"consecutive_failures"`
	QueriesLastHour      int            `json:"queries_last_hour"`
	CycleID              string         `json:"cycle_id,omitempty"`
	StopReason           string         `json:"stop_reason,omitempty"`
	LastCycle            *CycleReport   `json:"last_cycle,omitempty"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// FileStatusSink writes the status JSON atomically. Keys already in the file that
// Status does not know about are preserved.
type FileStatusSink struct {
	Path string
}

func (s FileStatusSink) WriteStatus(_ context.Context, st Status) error {
	merged := map[string]any{}
	if _, err := readJSONFile(s.Path, &merged); err != nil {
		merged = map[string]any{}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		merged[k] = v
	}
	// omitempty keys from a previous run must not linger.
	for _, k := range []string{"stop_reason", "cycle_id", "last_cycle"} {
		if _, ok := fields[k]; !ok {
			delete(merged, k)
		}
	}
	return writeJSONFile(s.Path, merged)
}

// ReadStatusFile returns the raw status document at path.
func ReadStatusFile(path string) (map[string]any, error) {
	m := map[string]any{}
	found, err := readJSONFile(path, &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return m, nil
}

// SystemdStatusSink reports readiness and state through sd_notify. Outside
// systemd (no NOTIFY_SOCKET) it does nothing.
type SystemdStatusSink struct {
	ready bool
}

func (s *SystemdStatusSink) WriteStatus(_ context.Context, st Status) error {
	msg := "STATUS=" + systemdStatusLine(st)
	switch st.State {
	case StateRunning, StatePaused, StateError:
		if !s.ready {
			msg = daemon.SdNotifyReady + "\n" + msg
			s.ready = true
		}
	case StateStopped:
		msg = daemon.SdNotifyStopping + "\n" + msg
	}
	_, err := daemon.SdNotify(false, msg)
	return err
}

func systemdStatusLine(st Status) string {
	line := fmt.Sprintf("%s facility=%s failures=%d queries_last_hour=%d", st.State, st.FacilityID, st.ConsecutiveFailures, st.QueriesLastHour)
	if st.StopReason != "" {
		line += " reason=" + st.StopReason
	} else if st.LastError != nil && *st.LastError != "" {
		line += " last_error=" + *st.LastError
	}
	return line
}

// MultiStatusSink fans a status out to every sink and joins their errors.
type MultiStatusSink []StatusSink

func (m MultiStatusSink) WriteStatus(ctx context.Context, st Status) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.WriteStatus(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
