package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"receiving-atc/atc"
)

// DefaultPostgresTable is the staging table a warehouse export fills.
const DefaultPostgresTable = "atc_receiving_events"

// Postgres reads events from a staging table with one row per container
// operation. Columns: rec_ts timestamptz, facility_id, location_id,
// container_id, item_nbr, vendor_name, delivery_number, shift_label, case_qty.
type Postgres struct {
	db    *sql.DB
	table string
}

// OpenPostgres connects with a lib/pq DSN.
func OpenPostgres(dsn, table string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p, err := NewPostgres(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing handle.
func NewPostgres(db *sql.DB, table string) (*Postgres, error) {
	if table == "" {
		table = DefaultPostgresTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Postgres{db: db, table: quoteIdent(table)}, nil
}

func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

func (p *Postgres) query() string {
	return `SELECT to_char(rec_ts AT TIME ZONE $4, 'YYYY-MM-DD HH24:MI:SS') AS rec_dt,
       location_id, container_id, item_nbr, vendor_name, delivery_number, shift_label,
       case_qty::text AS case_qty
FROM ` + p.table + `
WHERE facility_id = $1
  AND rec_ts >= now() - make_interval(mins => $2)
  AND NOT (location_id = ANY($3))
ORDER BY rec_ts DESC
LIMIT ` + strconv.Itoa(DefaultMaxRows)
}

func (p *Postgres) Fetch(ctx context.Context, q atc.Query) ([]atc.RawRow, error) {
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	tz := q.Timezone
	if tz == "" {
		tz = "UTC"
	}
	excluded := q.ExcludedLocations
	if excluded == nil {
		excluded = []string{}
	}
	rows, err := p.db.QueryContext(ctx, p.query(), q.FacilityID, q.WindowMinutes, pq.Array(excluded), tz)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	defer rows.Close()

	var out []atc.RawRow
	for rows.Next() {
		var recDt, location, container, item, vendor, delivery, shift, qty sql.NullString
		if err := rows.Scan(&recDt, &location, &container, &item, &vendor, &delivery, &shift, &qty); err != nil {
			return nil, fmt.Errorf("postgres scan: %w", err)
		}
		out = append(out, atc.RawRow{
			"rec_dt":          recDt.String,
			"location_id":     location.String,
			"container_id":    container.String,
			"item_nbr":        item.String,
			"vendor_name":     vendor.String,
			"delivery_number": delivery.String,
			"shift_label":     shift.String,
			"case_qty":        qty.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres rows: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() error { return p.db.Close() }
