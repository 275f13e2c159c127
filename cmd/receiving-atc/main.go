package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"receiving-atc/atc"
	"receiving-atc/logx"
	"receiving-atc/source"
)

type rootFlags struct {
	configPath string
	workDir    string
	facility   string
	logLevel   string
	debug      bool
}

// exitError carries a process status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil && ee.code != atc.ExitClean {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "receiving-atc",
		Short:         "Watch manual receiving events and alert shift staff per delivery.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "atc.yaml", "YAML config file path (empty for env/defaults only).")
	pf.StringVar(&f.workDir, "work-dir", "", "Directory for state files and the kill switch (overrides config.work_dir).")
	pf.StringVar(&f.facility, "facility", "", "Facility id (overrides config.facility_id).")
	pf.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error.")
	pf.BoolVar(&f.debug, "debug", false, "Enable debug logs.")

	root.AddCommand(
		newRunCmd(f),
		newOnceCmd(f),
		newStatusCmd(f),
		newHistoryCmd(f),
		newQueryCmd(f),
	)
	return root
}

// loadConfig reads the config file and applies only the flags that were set.
func loadConfig(cmd *cobra.Command, f *rootFlags) (*atc.Config, error) {
	path := f.configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := atc.LoadConfig(path)
	if err != nil {
		return nil, &exitError{code: atc.ExitConfig, err: fmt.Errorf("load config: %w", err)}
	}
	flags := cmd.Flags()
	if flags.Changed("work-dir") {
		cfg.WorkDir = f.workDir
	}
	if flags.Changed("facility") {
		cfg.FacilityID = strings.TrimSpace(f.facility)
	}
	if flags.Changed("debug") {
		cfg.Debug = f.debug
		if f.debug {
			cfg.Log.Level = "debug"
		}
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

func setup(cmd *cobra.Command, f *rootFlags) (*app, error) {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: atc.ExitConfig, err: fmt.Errorf("invalid config: %w", err)}
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, &exitError{code: atc.ExitConfig, err: fmt.Errorf("work dir: %w", err)}
	}
	log, logCloser, err := logx.New(cfg.Log)
	if err != nil {
		return nil, &exitError{code: atc.ExitConfig, err: err}
	}
	a, err := newApp(cfg, log)
	if err != nil {
		_ = logCloser.Close()
		return nil, &exitError{code: atc.ExitConfig, err: err}
	}
	a.closers = append(a.closers, logCloser)
	return a, nil
}

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll continuously until stopped by signal, kill switch or circuit breaker.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, f)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a.log.Info("ATC starting",
				logx.String("facility", a.cfg.FacilityID),
				logx.String("source", a.cfg.Source.Driver),
				logx.Duration("interval", a.cfg.Monitoring.PollingInterval),
				logx.String("work_dir", a.cfg.WorkDir),
			)
			err = a.scheduler().Run(ctx)
			var se *atc.StopError
			if errors.As(err, &se) {
				if se.ExitCode == atc.ExitClean {
					return nil
				}
				return &exitError{code: se.ExitCode, err: se}
			}
			return err
		},
	}
}

func newOnceCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd, f)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.KillSwitch().Active() {
				a.log.Warn("kill switch active; not running", logx.String("path", a.cfg.KillSwitch().Path))
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, err := a.runner().RunCycle(ctx)
			out, _ := json.MarshalIndent(rep, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if err != nil {
				return &exitError{code: atc.ExitBreaker, err: err}
			}
			return nil
		},
	}
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the last status record.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			m, err := atc.ReadStatusFile(cfg.Path(cfg.Status.File))
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newHistoryCmd(f *rootFlags) *cobra.Command {
	var (
		since    time.Duration
		channel  string
		delivery string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived delivery notifications, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if cfg.Archive.Disabled {
				return errors.New("archive is disabled in config")
			}
			now := time.Now()
			recs, err := atc.ListNotifications(cfg.Path(cfg.Archive.Folder), cfg.Archive.Prefix, atc.HistoryQuery{
				Since:      now.Add(-since),
				Until:      now,
				Channel:    channel,
				DeliveryID: delivery,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			printHistory(cmd, recs, cfg.Location())
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 7*24*time.Hour, "How far back to look.")
	cmd.Flags().StringVar(&channel, "channel", "", "Only this channel (email, chat).")
	cmd.Flags().StringVar(&delivery, "delivery", "", "Only this delivery number.")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows (0 for all).")
	return cmd
}

func printHistory(cmd *cobra.Command, recs []atc.NotificationRecord, loc *time.Location) {
	w := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(w, "no notifications")
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%s  %-5s  %-12s  %-9s  %8s cases  %d item(s)  %d recipient(s)\n",
			r.NotifiedAt.In(loc).Format("2006-01-02 15:04:05"), r.Channel, r.DeliveryID, r.ShiftLabel,
			atc.FormatCases(r.TotalCases), r.Items, r.Recipients)
	}
}

func newQueryCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "Print the warehouse SQL the bq source would run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			pc := cfg.PipelineConfig()
			sql, err := source.RenderQuery(atc.Query{
				FacilityID:        cfg.FacilityID,
				WindowMinutes:     int(pc.QueryWindow / time.Minute),
				ExcludedLocations: pc.ExcludedLocations,
				Timezone:          pc.Timezone,
			}, source.TablesFromConfig(cfg.Source.BQ), cfg.Source.BQ.IncludeVendorName, source.DefaultMaxRows)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sql)
			return nil
		},
	}
}
