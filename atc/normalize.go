package atc

import "strings"

// nullSentinel is how the query engine renders SQL NULL in CSV output.
const nullSentinel = "NULL"

// CleanField trims v and maps the NULL sentinel to "".
func CleanField(v string) string {
	s := strings.TrimSpace(v)
	if strings.EqualFold(s, nullSentinel) {
		return ""
	}
	return s
}

// NormalizeShiftLabel maps raw shift strings onto the known set:
// - "shift a1" / "a1" -> Shift A1 (same for A2, B1)
// - else -> Off Shift
func NormalizeShiftLabel(v string) string {
	s := strings.ToLower(strings.Join(strings.Fields(CleanField(v)), " "))
	s = strings.TrimPrefix(s, "shift ")
	switch s {
	case "a1":
		return ShiftA1
	case "a2":
		return ShiftA2
	case "b1":
		return ShiftB1
	default:
		return OffShift
	}
}

// SafeFileToken keeps only characters safe for a file name component.
func SafeFileToken(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
