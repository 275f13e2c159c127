package atc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"receiving-atc/logx"
)

// EnvPrefix namespaces environment overrides (ATC_FACILITY_ID, ...).
const EnvPrefix = "atc"

var (
	ErrMissingFacility    = errors.New("missing facility_id")
	ErrMissingCredentials = errors.New("missing transport credentials")
	ErrQueryWindow        = errors.New("query window must be at least 1m")
)

// LocationSet accepts either a YAML list or a comma-separated scalar:
//
//	excluded_locations: [OVF1, OVF2]
//	excluded_locations: "OVF1, OVF2"
type LocationSet []string

func (l *LocationSet) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		*l = splitCSV(value.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it = strings.TrimSpace(it); it != "" {
				out = append(out, it)
			}
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("excluded_locations: expected list or string")
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type BQConfig struct {
	// Path to the bq executable; resolved on PATH when empty.
	Path              string `yaml:"path"`
	ProjectID         string `yaml:"project_id"`
	IncludeVendorName bool   `yaml:"include_vendor_name"`
	ReceivingTable    string `yaml:"receiving_table"`
	ContainerTable    string `yaml:"container_table"`
	DeliveryDocTable  string `yaml:"delivery_doc_table"`
	OrderTable        string `yaml:"order_table"`
	// LastQueryFile keeps the most recent rendered SQL for review.
	LastQueryFile string `yaml:"last_query_file"`
}

type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

type SourceConfig struct {
	Driver   string         `yaml:"driver"`
	Timeout  time.Duration  `yaml:"timeout"`
	BQ       BQConfig       `yaml:"bq"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type MonitoringConfig struct {
	PollingInterval   time.Duration `yaml:"polling_interval"`
	QueryWindow       time.Duration `yaml:"query_window"`
	Lookback          time.Duration `yaml:"lookback"`
	ExcludedLocations LocationSet   `yaml:"excluded_locations"`
	EventLogRetention time.Duration `yaml:"event_log_retention"`
	SeenCap           int           `yaml:"seen_cap"`
}

type SafetyConfig struct {
	KillSwitchFile         string        `yaml:"kill_switch_file"`
	MaxQueriesPerHour      int           `yaml:"max_queries_per_hour"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	BackoffOnError         time.Duration `yaml:"backoff_on_error"`
	MinSleep               time.Duration `yaml:"min_sleep"`
}

type ToastConfig struct {
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
	// Command is run once per alert with the title and body appended to Args.
	Command     string        `yaml:"command"`
	Args        []string      `yaml:"args"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxPerCycle int           `yaml:"max_per_cycle"`
}

type EmailConfig struct {
	Enabled bool `yaml:"enabled"`
	// PreviewOutbox writes rendered emails to OutboxDir instead of sending
	// when live email is disabled. Defaults to true.
	PreviewOutbox *bool         `yaml:"preview_outbox"`
	OutboxDir     string        `yaml:"outbox_dir"`
	MaxPerHour    int           `yaml:"max_per_hour"`
	TenantID      string        `yaml:"tenant_id"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Sender        string        `yaml:"sender"`
	GraphBaseURL  string        `yaml:"graph_base_url"`
	TokenURL      string        `yaml:"token_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ChatConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	MaxPerHour int           `yaml:"max_per_hour"`
	Timeout    time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	RetentionDays int         `yaml:"retention_days"`
	Toast         ToastConfig `yaml:"toast"`
	Email         EmailConfig `yaml:"email"`
	Chat          ChatConfig  `yaml:"chat"`
}

type ArchiveConfig struct {
	Folder   string `yaml:"folder"`
	Prefix   string `yaml:"prefix"`
	Disabled bool   `yaml:"disabled"`
}

type MetricsConfig struct {
	// Textfile is written after every cycle when set.
	Textfile string `yaml:"textfile"`
}

type SyslogConfig struct {
	Addr    string            `yaml:"addr"`
	Job     string            `yaml:"job"`
	Service string            `yaml:"service"`
	Labels  map[string]string `yaml:"labels"`
}

type StatusConfig struct {
	File    string       `yaml:"file"`
	Systemd bool         `yaml:"systemd"`
	Syslog  SyslogConfig `yaml:"syslog"`
}

type Config struct {
	FacilityID string `yaml:"facility_id"`
	// Timezone is the zone source timestamps are rendered in.
	Timezone string `yaml:"timezone"`
	// WorkDir holds state files and the kill switch; relative paths resolve here.
	WorkDir string      `yaml:"work_dir"`
	Debug   bool        `yaml:"debug"`
	Log     logx.Config `yaml:"log"`

	Source        SourceConfig        `yaml:"source"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Safety        SafetyConfig        `yaml:"safety"`
	Notifications NotificationsConfig `yaml:"notifications"`
	RosterFile    string              `yaml:"roster_file"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Status        StatusConfig        `yaml:"status"`
}

// envOverrides are secrets and per-host values that usually come from the
// service environment rather than the checked-in YAML.
type envOverrides struct {
	FacilityID        string `envconfig:"FACILITY_ID"`
	WorkDir           string `envconfig:"WORK_DIR"`
	LogLevel          string `envconfig:"LOG_LEVEL"`
	PostgresDSN       string `envconfig:"POSTGRES_DSN"`
	BQProjectID       string `envconfig:"BQ_PROJECT_ID"`
	EmailTenantID     string `envconfig:"EMAIL_TENANT_ID"`
	EmailClientID     string `envconfig:"EMAIL_CLIENT_ID"`
	EmailClientSecret string `envconfig:"EMAIL_CLIENT_SECRET"`
	EmailSender       string `envconfig:"EMAIL_SENDER"`
	ChatWebhookURL    string `envconfig:"CHAT_WEBHOOK_URL"`
	SyslogAddr        string `envconfig:"SYSLOG_ADDR"`
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// defaults. An empty path starts from an empty config. Call Validate after any
// CLI overrides.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var ov envOverrides
	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.FacilityID, ov.FacilityID)
	set(&c.WorkDir, ov.WorkDir)
	set(&c.Log.Level, ov.LogLevel)
	set(&c.Source.Postgres.DSN, ov.PostgresDSN)
	set(&c.Source.BQ.ProjectID, ov.BQProjectID)
	set(&c.Notifications.Email.TenantID, ov.EmailTenantID)
	set(&c.Notifications.Email.ClientID, ov.EmailClientID)
	set(&c.Notifications.Email.ClientSecret, ov.EmailClientSecret)
	set(&c.Notifications.Email.Sender, ov.EmailSender)
	set(&c.Notifications.Chat.WebhookURL, ov.ChatWebhookURL)
	set(&c.Status.Syslog.Addr, ov.SyslogAddr)
	return nil
}

// ApplyDefaults fills zero values with the production defaults.
func (c *Config) ApplyDefaults() {
	c.FacilityID = strings.TrimSpace(c.FacilityID)
	if c.WorkDir == "" {
		c.WorkDir = "."
	}
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.Debug && c.Log.Level == "" {
		c.Log.Level = "debug"
	}

	if c.Source.Driver == "" {
		c.Source.Driver = "bq"
	}
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = 10 * time.Minute
	}
	if c.Source.BQ.LastQueryFile == "" {
		c.Source.BQ.LastQueryFile = "last_atc_query.sql"
	}

	m := &c.Monitoring
	if m.PollingInterval <= 0 {
		m.PollingInterval = DefaultPollInterval
	}
	if m.QueryWindow <= 0 {
		m.QueryWindow = 60 * time.Minute
	}
	if m.Lookback <= 0 {
		m.Lookback = 15 * time.Minute
	}
	if m.EventLogRetention <= 0 {
		m.EventLogRetention = 24 * time.Hour
	}
	if m.SeenCap <= 0 {
		m.SeenCap = DefaultSeenCap
	}

	s := &c.Safety
	if s.KillSwitchFile == "" {
		s.KillSwitchFile = DefaultKillSwitchFile
	}
	if s.MaxQueriesPerHour <= 0 {
		s.MaxQueriesPerHour = DefaultMaxQueriesPerHour
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if s.BackoffOnError <= 0 {
		s.BackoffOnError = DefaultErrorBackoff
	}
	if s.MinSleep <= 0 {
		s.MinSleep = DefaultMinSleep
	}

	n := &c.Notifications
	if n.RetentionDays <= 0 {
		n.RetentionDays = DefaultRetentionDays
	}
	if n.Toast.Enabled == nil {
		n.Toast.Enabled = boolPtr(true)
	}
	if n.Toast.MaxPerCycle <= 0 {
		n.Toast.MaxPerCycle = DefaultMaxToastCycle
	}
	if n.Toast.Timeout <= 0 {
		n.Toast.Timeout = 10 * time.Second
	}
	if n.Email.PreviewOutbox == nil {
		n.Email.PreviewOutbox = boolPtr(true)
	}
	if n.Email.OutboxDir == "" {
		n.Email.OutboxDir = "outbox_emails"
	}
	if n.Email.MaxPerHour <= 0 {
		n.Email.MaxPerHour = 20
	}
	if n.Email.Timeout <= 0 {
		n.Email.Timeout = 30 * time.Second
	}
	if n.Chat.MaxPerHour <= 0 {
		n.Chat.MaxPerHour = 20
	}
	if n.Chat.Timeout <= 0 {
		n.Chat.Timeout = 15 * time.Second
	}

	if c.RosterFile == "" {
		c.RosterFile = RosterFileName
	}
	if c.Archive.Folder == "" {
		c.Archive.Folder = "archive"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = defaultArchivePrefix
	}
	if c.Status.File == "" {
		c.Status.File = StatusFileName
	}
	if c.Status.Syslog.Job == "" {
		c.Status.Syslog.Job = "receiving-atc"
	}
	if c.Status.Syslog.Service == "" {
		c.Status.Syslog.Service = "atc"
	}
}

func boolPtr(b bool) *bool { return &b }

// Validate reports configuration errors that must stop the process before the
// loop starts.
func (c *Config) Validate() error {
	var errs []error
	if c.FacilityID == "" {
		errs = append(errs, ErrMissingFacility)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	// The source takes whole minutes.
	if c.Monitoring.QueryWindow < time.Minute {
		errs = append(errs, fmt.Errorf("monitoring.query_window %s: %w", c.Monitoring.QueryWindow, ErrQueryWindow))
	}
	switch c.Source.Driver {
	case "bq":
	case "postgres":
		if strings.TrimSpace(c.Source.Postgres.DSN) == "" {
			errs = append(errs, fmt.Errorf("source.postgres.dsn: %w", ErrMissingCredentials))
		}
	default:
		errs = append(errs, fmt.Errorf("source.driver %q: want bq or postgres", c.Source.Driver))
	}
	if e := c.Notifications.Email; e.Enabled {
		var missing []string
		for name, v := range map[string]string{"tenant_id": e.TenantID, "client_id": e.ClientID, "client_secret": e.ClientSecret, "sender": e.Sender} {
			if strings.TrimSpace(v) == "" {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			errs = append(errs, fmt.Errorf("notifications.email %s: %w", strings.Join(missing, ", "), ErrMissingCredentials))
		}
	}
	if ch := c.Notifications.Chat; ch.Enabled && strings.TrimSpace(ch.WebhookURL) == "" {
		errs = append(errs, fmt.Errorf("notifications.chat.webhook_url: %w", ErrMissingCredentials))
	}
	return errors.Join(errs...)
}

// Location loads the configured timezone, falling back to local time.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Path resolves name against WorkDir unless it is absolute.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.WorkDir, name)
}

// ToastEnabled reports the effective toast switch.
func (c *Config) ToastEnabled() bool {
	return c.Notifications.Toast.Enabled == nil || *c.Notifications.Toast.Enabled
}

// EmailPreview reports whether emails go to the outbox instead of Graph.
func (c *Config) EmailPreview() bool {
	e := c.Notifications.Email
	return !e.Enabled && (e.PreviewOutbox == nil || *e.PreviewOutbox)
}

// PipelineConfig derives the cycle settings.
func (c *Config) PipelineConfig() PipelineConfig {
	return PipelineConfig{
		FacilityID:        c.FacilityID,
		Location:          c.Location(),
		Timezone:          c.Timezone,
		QueryWindow:       c.Monitoring.QueryWindow,
		Lookback:          c.Monitoring.Lookback,
		ExcludedLocations: []string(c.Monitoring.ExcludedLocations),
		QueryTimeout:      c.Source.Timeout,
		EventLogRetention: c.Monitoring.EventLogRetention,
		RetentionDays:     c.Notifications.RetentionDays,
		SeenCap:           c.Monitoring.SeenCap,
		PollStatePath:     c.Path(PollStateFileName),
		EventLogPath:      c.Path(EventLogFileName),
		NotifyStatePath:   c.Path(NotifyStateFileName),
		RosterPath:        c.Path(c.RosterFile),
		MaxLocalAlerts:    c.Notifications.Toast.MaxPerCycle,
	}
}

// SchedulerConfig derives the loop guardrails.
func (c *Config) SchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		FacilityID:             c.FacilityID,
		Interval:               c.Monitoring.PollingInterval,
		MinSleep:               c.Safety.MinSleep,
		MaxQueriesPerHour:      c.Safety.MaxQueriesPerHour,
		MaxConsecutiveFailures: c.Safety.MaxConsecutiveFailures,
		ErrorBackoff:           c.Safety.BackoffOnError,
	}
}

// KillSwitch returns the marker for this config.
func (c *Config) KillSwitch() KillSwitch {
	return KillSwitch{Path: c.Path(c.Safety.KillSwitchFile)}
}
