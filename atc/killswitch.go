package atc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"receiving-atc/logx"
)

// DefaultKillSwitchFile is the marker an operator drops in the work dir to stop the loop.
const DefaultKillSwitchFile = "STOP_ATC.txt"

// KillSwitch reports whether the stop marker exists.
type KillSwitch struct {
	Path string
}

func (k KillSwitch) Active() bool {
	if k.Path == "" {
		return false
	}
	_, err := os.Stat(k.Path)
	return err == nil
}

// Sleeper blocks between cycles. It returns early when ctx ends.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

// TimerSleeper is a plain context-aware sleep.
type TimerSleeper struct{}

func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// WatchingSleeper sleeps like TimerSleeper but also wakes as soon as the
// kill-switch file appears, so the next loop iteration can stop promptly. When
// the directory cannot be watched it degrades to a plain timer.
type WatchingSleeper struct {
	KillSwitch KillSwitch
	Log        logx.Logger
}

func (s WatchingSleeper) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.Log.Debug("kill switch watch unavailable", logx.Err(err))
		TimerSleeper{}.Sleep(ctx, d)
		return
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.KillSwitch.Path)); err != nil {
		s.Log.Debug("kill switch watch unavailable", logx.Err(err), logx.String("path", s.KillSwitch.Path))
		TimerSleeper{}.Sleep(ctx, d)
		return
	}
	// Created between the loop check and the watch setup.
	if s.KillSwitch.Active() {
		return
	}

	name := filepath.Base(s.KillSwitch.Path)
	timer := time.NewTimer(d)
	defer timer.Stop()
	events, errs := w.Events, w.Errors
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				s.Log.Info("kill switch file appeared; waking early", logx.String("path", s.KillSwitch.Path))
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.Log.Debug("kill switch watch error", logx.Err(err))
		}
	}
}
