package source

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

// DefaultMaxRows matches the LIMIT in the polling query; bq truncates CSV
// output to 100 rows unless told otherwise.
const DefaultMaxRows = 2000

var ErrTimeout = errors.New("query timed out")

// Tables names the warehouse tables the polling query reads.
type Tables struct {
	Receiving   string
	Container   string
	DeliveryDoc string
	Order       string
}

var DefaultTables = Tables{
	Receiving:   "wmt-edw-prod.US_SUPPLY_CHAIN_SCT_NONCAT_VM.RECEIVING_ITEM",
	Container:   "wmt-edw-prod.US_SUPPLY_CHAIN_SCT_NONCAT_VM.CONTAINER_ITEM_OPERATIONS",
	DeliveryDoc: "wmt-edw-prod.US_SUPPLY_CHAIN_SCT_NONCAT_VM.DELIVERY_DOC",
	Order:       "wmt-cp-prod.TRANS.ICC_ORD_SCH",
}

var tableName = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

//go:embed query.sql.tmpl
var queryTemplateText string

var queryTemplate = template.Must(template.New("atc_query").Funcs(template.FuncMap{
	"quote":     quoteBQ,
	"quoteList": quoteBQList,
}).Parse(queryTemplateText))

// quoteBQ renders a GoogleSQL string literal.
func quoteBQ(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`)
	return "'" + r.Replace(s) + "'"
}

func quoteBQList(items []string) string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, quoteBQ(it))
	}
	return strings.Join(out, ", ")
}

type queryParams struct {
	atc.Query
	Tables            Tables
	IncludeVendorName bool
	MaxRows           int
}

// RenderQuery builds the polling SQL for q.
func RenderQuery(q atc.Query, tables Tables, includeVendor bool, maxRows int) (string, error) {
	if strings.TrimSpace(q.FacilityID) == "" {
		return "", errors.New("facility id is required")
	}
	if q.WindowMinutes <= 0 {
		return "", fmt.Errorf("invalid query window %d", q.WindowMinutes)
	}
	if q.Timezone == "" {
		q.Timezone = "America/New_York"
	}
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	for _, t := range []string{tables.Receiving, tables.Container, tables.DeliveryDoc, tables.Order} {
		if !tableName.MatchString(t) {
			return "", fmt.Errorf("invalid table name %q", t)
		}
	}
	var b strings.Builder
	err := queryTemplate.Execute(&b, queryParams{Query: q, Tables: tables, IncludeVendorName: includeVendor, MaxRows: maxRows})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()) + "\n", nil
}

// runFunc executes argv with stdin and returns its captured output.
type runFunc func(ctx context.Context, argv []string, stdin string) (stdout, stderr []byte, err error)

func execRun(ctx context.Context, argv []string, stdin string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// SQL goes over stdin; long queries overflow command-line limits on Windows.
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// BigQuery fetches rows by running the bq CLI.
type BigQuery struct {
	cfg    atc.BQConfig
	tables Tables
	log    logx.Logger
	run    runFunc
}

// TablesFromConfig overlays configured table names on DefaultTables.
func TablesFromConfig(cfg atc.BQConfig) Tables {
	t := DefaultTables
	if cfg.ReceivingTable != "" {
		t.Receiving = cfg.ReceivingTable
	}
	if cfg.ContainerTable != "" {
		t.Container = cfg.ContainerTable
	}
	if cfg.DeliveryDocTable != "" {
		t.DeliveryDoc = cfg.DeliveryDocTable
	}
	if cfg.OrderTable != "" {
		t.Order = cfg.OrderTable
	}
	return t
}

func NewBigQuery(cfg atc.BQConfig, log logx.Logger) *BigQuery {
	return &BigQuery{cfg: cfg, tables: TablesFromConfig(cfg), log: log, run: execRun}
}

func (b *BigQuery) Fetch(ctx context.Context, q atc.Query) ([]atc.RawRow, error) {
	sql, err := RenderQuery(q, b.tables, b.cfg.IncludeVendorName, DefaultMaxRows)
	if err != nil {
		return nil, err
	}
	if p := b.cfg.LastQueryFile; p != "" {
		if err := os.WriteFile(p, []byte(sql), 0o644); err != nil {
			b.log.Debug("could not save last query", logx.String("path", p), logx.Err(err))
		}
	}

	exe, err := b.resolveExe()
	if err != nil {
		return nil, err
	}
	argv, err := bqArgv(exe)
	if err != nil {
		return nil, err
	}
	argv = append(argv, "query", "--quiet", "--use_legacy_sql=false", "--format=csv", fmt.Sprintf("--max_rows=%d", DefaultMaxRows))
	if b.cfg.ProjectID != "" {
		argv = append(argv, "--project_id="+b.cfg.ProjectID)
	}

	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	b.log.Debug("running bq", logx.String("exe", exe), logx.Int("window_minutes", q.WindowMinutes))
	stdout, stderr, err := b.run(ctx, argv, sql)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("bq: %w after %s; consider a smaller query window", ErrTimeout, q.Timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		details := strings.TrimSpace(string(stderr))
		if details == "" {
			details = strings.TrimSpace(string(stdout))
		}
		if details == "" {
			details = "(no output from bq)"
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("bq query failed (exit=%d): %s", exitErr.ExitCode(), details)
		}
		return nil, fmt.Errorf("bq query failed: %w: %s", err, details)
	}
	return ParseCSV(stdout)
}

// resolveExe prefers the configured path and never falls back when it is set.
func (b *BigQuery) resolveExe() (string, error) {
	if p := strings.TrimSpace(b.cfg.Path); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("configured bq path %s: %w", p, err)
		}
		return p, nil
	}
	p, err := exec.LookPath("bq")
	if err != nil {
		return "", fmt.Errorf("bq CLI not found on PATH; install the Cloud SDK or set source.bq.path: %w", err)
	}
	return p, nil
}

// bqArgv runs bq.cmd wrappers through the SDK's bootstrap script directly so
// cmd.exe quoting never sees the arguments.
func bqArgv(exe string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(exe))
	if ext != ".cmd" && ext != ".bat" {
		return []string{exe}, nil
	}
	root := filepath.Dir(filepath.Dir(exe))
	script := filepath.Join(root, "bin", "bootstrapping", "bq.py")
	if _, err := os.Stat(script); err != nil {
		return nil, fmt.Errorf("cloud sdk bq.py: %w", err)
	}
	python := filepath.Join(root, "platform", "bundledpython", "python.exe")
	if _, err := os.Stat(python); err != nil {
		if python, err = exec.LookPath("python"); err != nil {
			return nil, fmt.Errorf("no python for %s: %w", script, err)
		}
	}
	return []string{python, script}, nil
}
