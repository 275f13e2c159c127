package atc

import (
	"encoding/json"
	"strings"
	"time"
)

// sourceLayouts are tried in order for zone-less source timestamps. Go accepts a
// fractional second after the seconds field even when the layout omits it.
var sourceLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// ParseSourceTime parses a source wall-clock string. Zone-less values are read in
// loc (time.Local when nil); RFC 3339 values keep their own offset.
func ParseSourceTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts, true
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range sourceLayouts {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Stamp is a time.Time whose JSON form also accepts zone-less timestamps (read
// as local time). Unparseable or empty values decode to the zero time.
type Stamp struct {
	time.Time
}

func (s Stamp) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(s.Time.Format(time.RFC3339Nano))
}

func (s *Stamp) UnmarshalJSON(b []byte) error {
	*s = Stamp{}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		// null, numbers and other shapes default to zero.
		return nil
	}
	if ts, ok := ParseSourceTime(str, time.Local); ok {
		s.Time = ts
	}
	return nil
}
