package atc

import (
	"sort"
	"time"
)

// MaxSummaryLocations caps DeliverySummary.Locations.
const MaxSummaryLocations = 10

type DeliveryItem struct {
	ItemNumber string   `json:"item_nbr"`
	VendorName string   `json:"vendor_name"`
	Cases      float64  `json:"cases"`
	Locations  []string `json:"locations"`
}

// DeliverySummary groups the events of one delivery for notification.
type DeliverySummary struct {
	DeliveryID string `json:"delivery_number"`
	// ShiftLabel comes from the first event of the batch.
	ShiftLabel    string         `json:"shift_label"`
	FirstDetected time.Time      `json:"first_detected"`
	Locations     []string       `json:"locations"`
	Items         []DeliveryItem `json:"items"`
	TotalCases    float64        `json:"total_cases"`
	Events        int            `json:"events"`
}

// GroupByDelivery groups events by delivery id, preserving first-appearance order.
// Events without a delivery id are skipped.
func GroupByDelivery(events []Event) (order []string, groups map[string][]Event) {
	groups = make(map[string][]Event)
	for _, e := range events {
		if e.DeliveryID == "" {
			continue
		}
		if _, ok := groups[e.DeliveryID]; !ok {
			order = append(order, e.DeliveryID)
		}
		groups[e.DeliveryID] = append(groups[e.DeliveryID], e)
	}
	return order, groups
}

// Summarize builds the summary for one delivery's events. now is used for
// FirstDetected when no timestamp parses.
func Summarize(deliveryID string, events []Event, now time.Time, loc *time.Location) DeliverySummary {
	s := DeliverySummary{
		DeliveryID: deliveryID,
		ShiftLabel: OffShift,
		Locations:  []string{},
		Items:      []DeliveryItem{},
		Events:     len(events),
	}
	if len(events) > 0 && events[0].ShiftLabel != "" {
		s.ShiftLabel = events[0].ShiftLabel
	}

	type locCount struct {
		loc   string
		count int
	}
	var locs []locCount
	locIdx := map[string]int{}

	type itemAcc struct {
		item   DeliveryItem
		locSet map[string]struct{}
	}
	var items []*itemAcc
	itemIdx := map[string]*itemAcc{}

	for _, e := range events {
		if ts, ok := e.Time(loc); ok && (s.FirstDetected.IsZero() || ts.Before(s.FirstDetected)) {
			s.FirstDetected = ts
		}
		if e.Location != "" {
			if i, ok := locIdx[e.Location]; ok {
				locs[i].count++
			} else {
				locIdx[e.Location] = len(locs)
				locs = append(locs, locCount{loc: e.Location, count: 1})
			}
		}
		if e.ItemNumber == "" {
			continue
		}
		acc, ok := itemIdx[e.ItemNumber]
		if !ok {
			acc = &itemAcc{item: DeliveryItem{ItemNumber: e.ItemNumber}, locSet: map[string]struct{}{}}
			itemIdx[e.ItemNumber] = acc
			items = append(items, acc)
		}
		acc.item.Cases += e.CaseQuantity
		if acc.item.VendorName == "" {
			acc.item.VendorName = e.VendorName
		}
		if e.Location != "" {
			acc.locSet[e.Location] = struct{}{}
		}
	}
	if s.FirstDetected.IsZero() {
		s.FirstDetected = now
	}

	sort.SliceStable(locs, func(i, j int) bool { return locs[i].count > locs[j].count })
	for i, lc := range locs {
		if i == MaxSummaryLocations {
			break
		}
		s.Locations = append(s.Locations, lc.loc)
	}

	for _, acc := range items {
		acc.item.Locations = make([]string, 0, len(acc.locSet))
		for l := range acc.locSet {
			acc.item.Locations = append(acc.item.Locations, l)
		}
		sort.Strings(acc.item.Locations)
		s.Items = append(s.Items, acc.item)
	}
	sort.SliceStable(s.Items, func(i, j int) bool { return s.Items[i].Cases > s.Items[j].Cases })
	for _, it := range s.Items {
		s.TotalCases += it.Cases
	}
	return s
}

// SummarizeAll groups events and summarizes each delivery in first-appearance order.
func SummarizeAll(events []Event, now time.Time, loc *time.Location) []DeliverySummary {
	order, groups := GroupByDelivery(events)
	out := make([]DeliverySummary, 0, len(order))
	for _, id := range order {
		out = append(out, Summarize(id, groups[id], now, loc))
	}
	return out
}
