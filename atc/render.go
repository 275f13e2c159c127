package atc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	toastTitle       = "[ALERT] Manual Receiving Event"
	displayTimestamp = "2006-01-02 15:04:05"
)

func joinLines(lines []string) string { return strings.Join(lines, "\n") }

// EventAlert renders the local alert for one new event.
func EventAlert(facilityID string, e Event) Message {
	ev := e
	return Message{
		Channel:    ChannelToast,
		FacilityID: facilityID,
		Subject:    toastTitle,
		Lines: []string{
			"Facility: " + facilityID,
			"Location: " + e.Location,
			"Vendor: " + e.VendorName,
			"Item: " + e.ItemNumber,
			"Container: " + e.ContainerID,
			"Delivery: " + e.DeliveryID,
			"Shift: " + e.ShiftLabel,
			"Time: " + e.Timestamp,
		},
		Event: &ev,
	}
}

// OverflowAlert summarises the events that did not get their own alert.
func OverflowAlert(facilityID string, total, shown int) Message {
	return Message{
		Channel:    ChannelToast,
		FacilityID: facilityID,
		Subject:    toastTitle,
		Lines: []string{
			"Facility: " + facilityID,
			fmt.Sprintf("%d new event(s); %d more not shown individually.", total, total-shown),
		},
	}
}

// DeliverySubject is the title used by email and chat.
func DeliverySubject(facilityID string, s DeliverySummary) string {
	return fmt.Sprintf("[ATC] %s Manual Receiving - Delivery %s (%s) - %s cases",
		facilityID, s.DeliveryID, s.ShiftLabel, FormatCases(s.TotalCases))
}

// DeliveryAlert renders a delivery notification for channel ch.
func DeliveryAlert(ch, facilityID string, s DeliverySummary, recipients []string, loc *time.Location) Message {
	if loc == nil {
		loc = time.Local
	}
	lines := []string{
		"Facility: " + facilityID,
		"Delivery: " + s.DeliveryID,
		"Shift: " + s.ShiftLabel,
		"First detected: " + s.FirstDetected.In(loc).Format(displayTimestamp),
		"Total cases: " + FormatCases(s.TotalCases),
	}
	if len(s.Locations) > 0 {
		lines = append(lines, "Locations: "+strings.Join(s.Locations, ", "))
	}
	for _, it := range s.Items {
		line := "Item " + it.ItemNumber
		if it.VendorName != "" {
			line += " (" + it.VendorName + ")"
		}
		line += ": " + FormatCases(it.Cases) + " cases"
		if len(it.Locations) > 0 {
			line += " @ " + strings.Join(it.Locations, ", ")
		}
		lines = append(lines, line)
	}
	sum := s
	return Message{
		Channel:    ch,
		FacilityID: facilityID,
		Recipients: append([]string(nil), recipients...),
		Subject:    DeliverySubject(facilityID, s),
		Lines:      lines,
		Delivery:   &sum,
	}
}

// FormatCases prints a case total rounded to two decimals, without trailing zeros.
func FormatCases(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
