package source

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"receiving-atc/atc"
	"receiving-atc/logx"
)

var testQuery = atc.Query{
	FacilityID:        "F100",
	WindowMinutes:     60,
	ExcludedLocations: []string{"OVF1", "O'BRIEN"},
	Timezone:          "America/New_York",
}

func TestRenderQuery_Filters(t *testing.T) {
	sql, err := RenderQuery(testQuery, DefaultTables, false, 0)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE r.FACILITY = 'F100'")
	assert.Contains(t, sql, "INTERVAL 60 MINUTE")
	assert.Contains(t, sql, `AND r.LOCATION_ID NOT IN ('OVF1', 'O\'BRIEN')`)
	assert.Contains(t, sql, "DATETIME(r.ENTITY_OPERATION_TS, 'America/New_York')")
	assert.Contains(t, sql, "'' AS vendor_name,")
	assert.NotContains(t, sql, "DELIVERY_DOC")
	assert.Contains(t, sql, "LIMIT 2000")
	assert.Contains(t, sql, "THEN 'Shift A1'")
}

func TestRenderQuery_VendorJoinAndNoExclusions(t *testing.T) {
	q := testQuery
	q.ExcludedLocations = nil
	sql, err := RenderQuery(q, DefaultTables, true, 50)
	require.NoError(t, err)
	assert.NotContains(t, sql, "NOT IN")
	assert.Contains(t, sql, "CAST(o.VNDR_NAME AS STRING) AS vendor_name,")
	assert.Contains(t, sql, "LEFT JOIN `wmt-cp-prod.TRANS.ICC_ORD_SCH` o")
	assert.Contains(t, sql, "LIMIT 50")
}

func TestRenderQuery_RejectsBadInput(t *testing.T) {
	_, err := RenderQuery(atc.Query{WindowMinutes: 60}, DefaultTables, false, 0)
	assert.Error(t, err)

	tables := DefaultTables
	tables.Receiving = "x`; DROP TABLE y; --"
	_, err = RenderQuery(testQuery, tables, false, 0)
	assert.Error(t, err)
}

func fakeBQ(t *testing.T, cfg atc.BQConfig, run runFunc) *BigQuery {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "bq")
		require.NoError(t, os.WriteFile(cfg.Path, nil, 0o755))
	}
	b := NewBigQuery(cfg, logx.Nop())
	b.run = run
	return b
}

func TestBigQuery_FetchPipesSQLAndParsesCSV(t *testing.T) {
	lastQuery := filepath.Join(t.TempDir(), "last_atc_query.sql")
	var gotArgv []string
	var gotSQL string
	b := fakeBQ(t, atc.BQConfig{ProjectID: "billing-1", LastQueryFile: lastQuery}, func(_ context.Context, argv []string, stdin string) ([]byte, []byte, error) {
		gotArgv, gotSQL = argv, stdin
		return []byte("rec_dt,location_id,container_id,case_qty\n2026-03-01 08:00:00,R01,C1,2.5\n"), nil, nil
	})

	rows, err := b.Fetch(context.Background(), testQuery)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "C1", rows[0]["container_id"])
	assert.Equal(t, "2.5", rows[0]["case_qty"])

	assert.Equal(t, []string{"query", "--quiet", "--use_legacy_sql=false", "--format=csv", "--max_rows=2000", "--project_id=billing-1"}, gotArgv[1:])
	assert.Contains(t, gotSQL, "r.FACILITY = 'F100'")
	saved, err := os.ReadFile(lastQuery)
	require.NoError(t, err)
	assert.Equal(t, gotSQL, string(saved))
}

func TestBigQuery_ExitErrorCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	b := fakeBQ(t, atc.BQConfig{}, func(ctx context.Context, _ []string, _ string) ([]byte, []byte, error) {
		err := exec.CommandContext(ctx, "sh", "-c", "exit 3").Run()
		return nil, []byte("Access Denied: Project billing-1\n"), err
	})
	_, err := b.Fetch(context.Background(), testQuery)
	require.Error(t, err)
	assert.Equal(t, "bq query failed (exit=3): Access Denied: Project billing-1", err.Error())
}

func TestBigQuery_Timeout(t *testing.T) {
	b := fakeBQ(t, atc.BQConfig{}, func(ctx context.Context, _ []string, _ string) ([]byte, []byte, error) {
		<-ctx.Done()
		return nil, nil, errors.New("signal: killed")
	})
	q := testQuery
	q.Timeout = 20 * time.Millisecond
	_, err := b.Fetch(context.Background(), q)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestBigQuery_ConfiguredPathMustExist(t *testing.T) {
	b := NewBigQuery(atc.BQConfig{Path: filepath.Join(t.TempDir(), "missing", "bq")}, logx.Nop())
	_, err := b.Fetch(context.Background(), testQuery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configured bq path")
}

func TestBigQuery_RunsRealExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for bq")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "bq")
	body := "#!/bin/sh\n" +
		"cat > \"" + filepath.Join(dir, "stdin.sql") + "\"\n" +
		"printf 'container_id,delivery_number,shift_label\\nC1,D1,Shift A1\\nC2,NULL,\\n'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	b := NewBigQuery(atc.BQConfig{Path: script}, logx.Nop())
	rows, err := b.Fetch(context.Background(), testQuery)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "NULL", rows[1]["delivery_number"])

	stdin, err := os.ReadFile(filepath.Join(dir, "stdin.sql"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(stdin), "WITH"))
}

func TestParseCSV(t *testing.T) {
	rows, err := ParseCSV([]byte("\xef\xbb\xbfContainer_ID, Case_Qty\n\"C,1\",3\nC2\n"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "C,1", rows[0]["container_id"])
	assert.Equal(t, "3", rows[0]["case_qty"])
	_, ok := rows[1]["case_qty"]
	assert.False(t, ok)

	rows, err = ParseCSV([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBQArgv_PlainExecutable(t *testing.T) {
	argv, err := bqArgv("/usr/bin/bq")
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/bq"}, argv)

	_, err = bqArgv(filepath.Join(t.TempDir(), "bin", "bq.cmd"))
	assert.Error(t, err)
}
