package atc

import (
	"sort"
	"strings"

	"receiving-atc/logx"
)

// StaticRoster is an inbound roster keyed by shift label.
type StaticRoster map[string][]string

// RecipientsForShift returns a copy of the addresses for shiftLabel; unknown
// labels use Off Shift.
func (r StaticRoster) RecipientsForShift(shiftLabel string) []string {
	key := NormalizeShiftLabel(shiftLabel)
	return append([]string(nil), r[key]...)
}

type rosterFile struct {
	Roles struct {
		Inbound map[string][]string `json:"inbound"`
	} `json:"roles"`
}

// LoadRoster reads roles.inbound from path. Addresses are trimmed, lower-cased,
// must contain '@', and are de-duplicated and sorted. A missing or unreadable
// file yields an empty roster; the roster is operator-edited so it is never
// quarantined.
func LoadRoster(path string, log logx.Logger) StaticRoster {
	out := StaticRoster{}
	for _, s := range KnownShifts {
		out[s] = []string{}
	}
	if strings.TrimSpace(path) == "" {
		return out
	}
	var f rosterFile
	found, err := readJSONFile(path, &f)
	if err != nil {
		log.Warn("roster unreadable; no recipients this cycle", logx.String("path", path), logx.Err(err))
		return out
	}
	if !found {
		return out
	}
	for _, shift := range KnownShifts {
		out[shift] = cleanAddresses(f.Roles.Inbound[shift])
	}
	return out
}

func cleanAddresses(raw []string) []string {
	set := map[string]struct{}{}
	for _, a := range raw {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || !strings.Contains(a, "@") {
			continue
		}
		set[a] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
