package main

import (
	"context"
	"io"
	"time"

	"receiving-atc/atc"
	"receiving-atc/logx"
	"receiving-atc/source"
	"receiving-atc/transport"
)

// Outbound request rate per transport client.
const httpRequestsPerSecond = 2

// app holds the wired collaborators for one process.
type app struct {
	cfg      *atc.Config
	log      logx.Logger
	pipeline *atc.Pipeline
	metrics  *atc.Metrics
	sink     atc.StatusSink
	closers  []io.Closer
}

func newApp(cfg *atc.Config, log logx.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: atc.NewMetrics()}

	src, srcCloser, err := source.New(cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, srcCloser)

	p := &atc.Pipeline{
		Config:   cfg.PipelineConfig(),
		Source:   src,
		Channels: buildChannels(cfg, log),
		Metrics:  a.metrics,
		Log:      log,
	}
	if cfg.ToastEnabled() {
		tc := cfg.Notifications.Toast
		p.LocalAlert = &transport.Toast{Command: tc.Command, Args: tc.Args, Timeout: tc.Timeout, Log: log.With(logx.String("channel", atc.ChannelToast))}
	}
	if !cfg.Archive.Disabled {
		arc, err := atc.OpenArchive(cfg.Path(cfg.Archive.Folder), cfg.Archive.Prefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, arc)
		p.Notifications = arc
		p.Cycles = arc
	}
	a.pipeline = p
	a.sink = buildStatusSink(cfg)
	return a, nil
}

// buildChannels returns the enabled delivery channels. Email goes through Graph
// when enabled, otherwise to the preview outbox when that is on.
func buildChannels(cfg *atc.Config, log logx.Logger) []atc.Channel {
	var chans []atc.Channel
	n := cfg.Notifications
	loc := cfg.Location()
	switch {
	case n.Email.Enabled:
		elog := log.With(logx.String("channel", atc.ChannelEmail))
		mailer := transport.NewGraphMailer(transport.GraphConfig{
			TenantID:     n.Email.TenantID,
			ClientID:     n.Email.ClientID,
			ClientSecret: n.Email.ClientSecret,
			Sender:       n.Email.Sender,
			BaseURL:      n.Email.GraphBaseURL,
			TokenURL:     n.Email.TokenURL,
			Location:     loc,
		}, transport.NewClient(n.Email.Timeout, httpRequestsPerSecond, elog))
		chans = append(chans, atc.Channel{Name: atc.ChannelEmail, MaxPerHour: n.Email.MaxPerHour, NeedsRecipients: true, Sender: mailer})
	case cfg.EmailPreview():
		outbox := &transport.Outbox{Dir: cfg.Path(n.Email.OutboxDir), Location: loc, Log: log.With(logx.String("channel", atc.ChannelEmail))}
		chans = append(chans, atc.Channel{Name: atc.ChannelEmail, MaxPerHour: n.Email.MaxPerHour, NeedsRecipients: true, Sender: outbox})
	}
	if n.Chat.Enabled {
		clog := log.With(logx.String("channel", atc.ChannelChat))
		hook := &transport.Webhook{URL: n.Chat.WebhookURL, Client: transport.NewClient(n.Chat.Timeout, httpRequestsPerSecond, clog)}
		chans = append(chans, atc.Channel{Name: atc.ChannelChat, MaxPerHour: n.Chat.MaxPerHour, Sender: hook})
	}
	return chans
}

func buildStatusSink(cfg *atc.Config) atc.StatusSink {
	sinks := atc.MultiStatusSink{atc.FileStatusSink{Path: cfg.Path(cfg.Status.File)}}
	if cfg.Status.Systemd {
		sinks = append(sinks, &atc.SystemdStatusSink{})
	}
	if sl := cfg.Status.Syslog; sl.Addr != "" {
		sinks = append(sinks, atc.SyslogStatusSink{
			Sender:  atc.NewSyslogClient(sl.Addr),
			Job:     sl.Job,
			Service: sl.Service,
			Labels:  sl.Labels,
		})
	}
	return sinks
}

// textfileRunner rewrites the metrics textfile after every cycle.
type textfileRunner struct {
	next    atc.CycleRunner
	metrics *atc.Metrics
	path    string
	log     logx.Logger
}

func (r textfileRunner) RunCycle(ctx context.Context) (atc.CycleReport, error) {
	rep, err := r.next.RunCycle(ctx)
	if werr := r.metrics.WriteTextfile(r.path); werr != nil {
		r.log.Warn("metrics textfile write failed", logx.String("path", r.path), logx.Err(werr))
	}
	return rep, err
}

func (a *app) runner() atc.CycleRunner {
	if a.cfg.Metrics.Textfile == "" {
		return a.pipeline
	}
	return textfileRunner{next: a.pipeline, metrics: a.metrics, path: a.cfg.Path(a.cfg.Metrics.Textfile), log: a.log}
}

func (a *app) scheduler() *atc.Scheduler {
	kill := a.cfg.KillSwitch()
	return atc.NewScheduler(a.cfg.SchedulerConfig(), a.runner(), kill, a.sink,
		atc.WithLogger(a.log),
		atc.WithMetrics(a.metrics),
		atc.WithSleeper(atc.WatchingSleeper{KillSwitch: kill, Log: a.log}),
		atc.WithClock(time.Now),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", logx.Err(err))
		}
	}
	a.closers = nil
}
