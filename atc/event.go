package atc

import "time"

// Shift labels produced by the source query. Anything else is treated as OffShift.
const (
	ShiftA1  = "Shift A1"
	ShiftA2  = "Shift A2"
	ShiftB1  = "Shift B1"
	OffShift = "Off Shift"
)

// KnownShifts lists the roster categories in display order.
var KnownShifts = []string{ShiftA1, ShiftA2, ShiftB1, OffShift}

// Event is one container-level manual receiving occurrence. ContainerID is its identity.
// JSON keys match the rolling event log consumed by the dashboard.
type Event struct {
	Timestamp    string  `json:"rec_dt"`
	Location     string  `json:"location_id"`
	ContainerID  string  `json:"container_id"`
	ItemNumber   string  `json:"item_nbr"`
	VendorName   string  `json:"vendor_name"`
	DeliveryID   string  `json:"delivery_number"`
	ShiftLabel   string  `json:"shift_label"`
	CaseQuantity float64 `json:"case_qty"`
}

// Time parses the source-local timestamp.
func (e Event) Time(loc *time.Location) (time.Time, bool) {
	return ParseSourceTime(e.Timestamp, loc)
}

// IDs returns the identities of events in order.
func IDs(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ContainerID)
	}
	return out
}
