package atc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_AggregatesItemsPerDelivery(t *testing.T) {
	events := []Event{
		{ContainerID: "C1", DeliveryID: "D1", ItemNumber: "I1", CaseQuantity: 10, ShiftLabel: ShiftA1},
		{ContainerID: "C2", DeliveryID: "D1", ItemNumber: "I1", CaseQuantity: 5, ShiftLabel: ShiftA1},
		{ContainerID: "C3", DeliveryID: "D1", ItemNumber: "I2", CaseQuantity: 3, ShiftLabel: ShiftA1},
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got := SummarizeAll(events, now, time.UTC)
	require.Len(t, got, 1)
	s := got[0]
	assert.Equal(t, "D1", s.DeliveryID)
	assert.Equal(t, ShiftA1, s.ShiftLabel)
	assert.Equal(t, 18.0, s.TotalCases)
	assert.Equal(t, 3, s.Events)
	require.Len(t, s.Items, 2)
	assert.Equal(t, "I1", s.Items[0].ItemNumber)
	assert.Equal(t, 15.0, s.Items[0].Cases)
	assert.Equal(t, "I2", s.Items[1].ItemNumber)
	assert.Equal(t, 3.0, s.Items[1].Cases)
	// No parseable timestamps.
	assert.Equal(t, now, s.FirstDetected)
}

func TestSummarize_LocationsShiftAndFirstDetected(t *testing.T) {
	loc := time.UTC
	events := []Event{
		{ContainerID: "C1", DeliveryID: "D7", ItemNumber: "I1", Location: "R02", VendorName: "", Timestamp: "2026-03-01 08:10:00", ShiftLabel: ShiftB1},
		{ContainerID: "C2", DeliveryID: "D7", ItemNumber: "I1", Location: "R01", VendorName: "ACME", Timestamp: "2026-03-01 08:05:00", ShiftLabel: ShiftA2},
		{ContainerID: "C3", DeliveryID: "D7", ItemNumber: "", Location: "R01", Timestamp: "garbage", CaseQuantity: 99},
		{ContainerID: "C4", DeliveryID: "D7", ItemNumber: "I3", Location: "R03", VendorName: "Other", CaseQuantity: 1},
	}
	s := Summarize("D7", events, time.Now(), loc)

	// The first event's shift wins, even though later events disagree.
	assert.Equal(t, ShiftB1, s.ShiftLabel)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 5, 0, 0, loc), s.FirstDetected)
	// R01 appears twice; R02 and R03 tie and keep first-appearance order.
	assert.Equal(t, []string{"R01", "R02", "R03"}, s.Locations)

	require.Len(t, s.Items, 2)
	assert.Equal(t, "I3", s.Items[0].ItemNumber)
	assert.Equal(t, "I1", s.Items[1].ItemNumber)
	assert.Equal(t, "ACME", s.Items[1].VendorName)
	assert.Equal(t, []string{"R01", "R02"}, s.Items[1].Locations)
	// The item-less event is excluded from the totals.
	assert.Equal(t, 1.0, s.TotalCases)
}

func TestSummarize_CapsLocations(t *testing.T) {
	var events []Event
	for i := 0; i < MaxSummaryLocations+3; i++ {
		events = append(events, Event{ContainerID: string(rune('a' + i)), DeliveryID: "D1", Location: string(rune('A' + i))})
	}
	s := Summarize("D1", events, time.Now(), time.UTC)
	assert.Len(t, s.Locations, MaxSummaryLocations)
	assert.Equal(t, OffShift, s.ShiftLabel)
}

func TestGroupByDelivery_SkipsBlankAndKeepsOrder(t *testing.T) {
	order, groups := GroupByDelivery([]Event{
		{ContainerID: "C1", DeliveryID: "D2"},
		{ContainerID: "C2", DeliveryID: ""},
		{ContainerID: "C3", DeliveryID: "D1"},
		{ContainerID: "C4", DeliveryID: "D2"},
	})
	assert.Equal(t, []string{"D2", "D1"}, order)
	assert.Len(t, groups["D2"], 2)
	assert.NotContains(t, groups, "")
}

func TestDeliveryAlert_Render(t *testing.T) {
	s := DeliverySummary{
		DeliveryID:    "D1",
		ShiftLabel:    ShiftA1,
		FirstDetected: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Locations:     []string{"R01"},
		Items:         []DeliveryItem{{ItemNumber: "I1", VendorName: "ACME", Cases: 15.333, Locations: []string{"R01"}}},
		TotalCases:    15.333,
	}
	msg := DeliveryAlert(ChannelEmail, "F100", s, []string{"a@x.com"}, time.UTC)
	assert.Equal(t, "[ATC] F100 Manual Receiving - Delivery D1 (Shift A1) - 15.33 cases", msg.Subject)
	assert.Equal(t, []string{"a@x.com"}, msg.Recipients)
	assert.Contains(t, msg.Body(), "First detected: 2026-03-01 08:00:00")
	assert.Contains(t, msg.Body(), "Item I1 (ACME): 15.33 cases @ R01")
	require.NotNil(t, msg.Delivery)
	assert.Equal(t, "D1", msg.Delivery.DeliveryID)
}

func TestFormatCases(t *testing.T) {
	assert.Equal(t, "18", FormatCases(18))
	assert.Equal(t, "2.5", FormatCases(2.5))
	assert.Equal(t, "0.33", FormatCases(1.0/3))
}
