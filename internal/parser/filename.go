package parser

import (
	"path"
	"strings"
)

// Filename rejection reasons surfaced in per-item audit output
const (
	ReasonWrongExtension    = "wrong_extension"
	ReasonInvalidMAC        = "invalid_mac"
	ReasonInvalidDateFormat = "invalid_date_format"
	ReasonInvalidTimeFormat = "invalid_time_format"
	ReasonPatternMismatch   = "pattern_mismatch"
)

// FileMatch is the result of matching one candidate filename
type FileMatch struct {
	Matched bool
	Reason  string
	// MAC is uppercase with no separators
	MAC string
	// Timestamp is "YYYY-MM-DD HH:MM:SS", composed positionally and not calendar-validated
	Timestamp string
}

// FilenameMatcher recognises PREFIX-<12 hex>_<YYYYMMDD>_<HHMMSS>.csv
type FilenameMatcher struct {
	prefix string
}

// NewFilenameMatcher creates a matcher for the given prefix. An empty prefix accepts any.
func NewFilenameMatcher(prefix string) *FilenameMatcher {
	return &FilenameMatcher{prefix: prefix}
}

// Match checks name (a base name or a path) against the naming convention
func (m *FilenameMatcher) Match(name string) FileMatch {
	base := path.Base(name)

	ext := path.Ext(base)
	if !strings.EqualFold(ext, ".csv") {
		return FileMatch{Reason: ReasonWrongExtension}
	}
	stem := strings.TrimSuffix(base, ext)

	dash := strings.LastIndex(stem, "-")
	if dash <= 0 {
		return FileMatch{Reason: ReasonPatternMismatch}
	}
	prefix, rest := stem[:dash], stem[dash+1:]
	if m.prefix != "" && !strings.EqualFold(prefix, m.prefix) {
		return FileMatch{Reason: ReasonPatternMismatch}
	}

	parts := strings.Split(rest, "_")
	if len(parts) != 3 {
		return FileMatch{Reason: ReasonPatternMismatch}
	}
	macPart, datePart, timePart := parts[0], parts[1], parts[2]

	if len(macPart) != 12 || !isHex(macPart) {
		return FileMatch{Reason: ReasonInvalidMAC}
	}
	if len(datePart) != 8 || !isDigits(datePart) {
		return FileMatch{Reason: ReasonInvalidDateFormat}
	}
	if len(timePart) != 6 || !isDigits(timePart) {
		return FileMatch{Reason: ReasonInvalidTimeFormat}
	}

	ts := datePart[0:4] + "-" + datePart[4:6] + "-" + datePart[6:8] + " " +
		timePart[0:2] + ":" + timePart[2:4] + ":" + timePart[4:6]

	return FileMatch{
		Matched:   true,
		MAC:       strings.ToUpper(macPart),
		Timestamp: ts,
	}
}

// NormalizeMAC strips ':', '-', '.' and spaces, uppercases, and requires 12 hex characters
func NormalizeMAC(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(12)
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ':', '-', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	mac := strings.ToUpper(b.String())
	if len(mac) != 12 || !isHex(mac) {
		return "", false
	}
	return mac, true
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
