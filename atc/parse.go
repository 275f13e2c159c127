package atc

import (
	"math"
	"strconv"
)

// RawRow is one source row keyed by column name. Values are text as returned by
// the query engine.
type RawRow map[string]string

// Column aliases accepted per field; the first non-empty value wins.
var (
	colTimestamp  = []string{"rec_dt", "timestamp"}
	colLocation   = []string{"location_id", "location"}
	colContainer  = []string{"container_id"}
	colItem       = []string{"item_nbr", "item_number"}
	colVendor     = []string{"vendor_name"}
	colDelivery   = []string{"delivery_number", "delivery_id"}
	colCaseQty    = []string{"case_qty", "case_quantity"}
	colShiftLabel = []string{"shift_label"}
)

// RowOutcome records what happened to one input row.
type RowOutcome string

const (
	RowOK               RowOutcome = "ok"
	RowDroppedNoID      RowOutcome = "dropped_missing_container"
	RowDefaultedCaseQty RowOutcome = "defaulted_case_qty"
)

type RowResult struct {
	Index   int
	Outcome RowOutcome
	// Raw is the unparseable case quantity text, when defaulted.
	Raw string
}

// ParseReport counts row outcomes for one batch.
type ParseReport struct {
	Rows      int
	Parsed    int
	Dropped   int
	Defaulted int
	Results   []RowResult
}

func (r RawRow) get(names []string) string {
	for _, n := range names {
		if v := CleanField(r[n]); v != "" {
			return v
		}
	}
	return ""
}

// ParseRows turns raw rows into events. Rows without a container id are dropped;
// a bad case quantity becomes 0. One bad row never fails the batch.
func ParseRows(rows []RawRow) ([]Event, ParseReport) {
	rep := ParseReport{Rows: len(rows)}
	events := make([]Event, 0, len(rows))
	for i, row := range rows {
		ev := Event{
			Timestamp:   row.get(colTimestamp),
			Location:    row.get(colLocation),
			ContainerID: row.get(colContainer),
			ItemNumber:  row.get(colItem),
			VendorName:  row.get(colVendor),
			DeliveryID:  row.get(colDelivery),
			ShiftLabel:  NormalizeShiftLabel(row.get(colShiftLabel)),
		}
		if ev.ContainerID == "" {
			rep.Dropped++
			rep.Results = append(rep.Results, RowResult{Index: i, Outcome: RowDroppedNoID})
			continue
		}

		rawQty := row.get(colCaseQty)
		qty, ok := parseCaseQty(rawQty)
		ev.CaseQuantity = qty
		if !ok {
			rep.Defaulted++
			rep.Results = append(rep.Results, RowResult{Index: i, Outcome: RowDefaultedCaseQty, Raw: rawQty})
		} else {
			rep.Results = append(rep.Results, RowResult{Index: i, Outcome: RowOK})
		}
		rep.Parsed++
		events = append(events, ev)
	}
	return events, rep
}

// parseCaseQty returns ok=false when the value had to be defaulted. An empty
// value is a legitimate zero.
func parseCaseQty(s string) (float64, bool) {
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}
