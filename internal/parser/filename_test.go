package parser

import "testing"

func TestFilenameMatcher_RoundTrip(t *testing.T) {
	m := NewFilenameMatcher("COPIEUR_MAC")

	got := m.Match("COPIEUR_MAC-aabbccddeeff_20240315_142530.csv")
	if !got.Matched {
		t.Fatalf("expected match, got reason %q", got.Reason)
	}
	if got.MAC != "AABBCCDDEEFF" {
		t.Errorf("MAC = %q, want AABBCCDDEEFF", got.MAC)
	}
	if got.Timestamp != "2024-03-15 14:25:30" {
		t.Errorf("Timestamp = %q, want 2024-03-15 14:25:30", got.Timestamp)
	}
}

func TestFilenameMatcher_CaseInsensitive(t *testing.T) {
	m := NewFilenameMatcher("COPIEUR_MAC")

	got := m.Match("/upload/copieur_mac-AaBbCcDdEeFf_20240101_083000.CSV")
	if !got.Matched {
		t.Fatalf("expected match, got reason %q", got.Reason)
	}
	if got.MAC != "AABBCCDDEEFF" || got.Timestamp != "2024-01-01 08:30:00" {
		t.Errorf("unexpected match %+v", got)
	}
}

func TestFilenameMatcher_NoCalendarValidation(t *testing.T) {
	m := NewFilenameMatcher("")

	got := m.Match("X-AABBCCDDEEFF_20241332_250000.csv")
	if !got.Matched {
		t.Fatalf("syntactic match expected, got reason %q", got.Reason)
	}
	if got.Timestamp != "2024-13-32 25:00:00" {
		t.Errorf("Timestamp = %q", got.Timestamp)
	}
}

func TestFilenameMatcher_Reasons(t *testing.T) {
	m := NewFilenameMatcher("COPIEUR_MAC")

	tests := []struct {
		name   string
		file   string
		reason string
	}{
		{"text file", "random_notes.txt", ReasonWrongExtension},
		{"no extension", "COPIEUR_MAC-AABBCCDDEEFF_20240101_083000", ReasonWrongExtension},
		{"non hex mac", "COPIEUR_MAC-AABBCCDDEEZZ_20240101_083000.csv", ReasonInvalidMAC},
		{"short mac", "COPIEUR_MAC-AABBCCDDEE_20240101_083000.csv", ReasonInvalidMAC},
		{"short date", "COPIEUR_MAC-AABBCCDDEEFF_2024011_083000.csv", ReasonInvalidDateFormat},
		{"alpha date", "COPIEUR_MAC-AABBCCDDEEFF_2024O101_083000.csv", ReasonInvalidDateFormat},
		{"long time", "COPIEUR_MAC-AABBCCDDEEFF_20240101_0830001.csv", ReasonInvalidTimeFormat},
		{"wrong prefix", "SCANNER-AABBCCDDEEFF_20240101_083000.csv", ReasonPatternMismatch},
		{"missing dash", "COPIEUR_MAC_AABBCCDDEEFF_20240101_083000.csv", ReasonPatternMismatch},
		{"extra group", "COPIEUR_MAC-AABBCCDDEEFF_20240101_083000_1.csv", ReasonPatternMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Match(tt.file)
			if got.Matched {
				t.Fatalf("expected no match for %q", tt.file)
			}
			if got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"aa:bb:cc:dd:ee:ff", "AABBCCDDEEFF", true},
		{"AA-BB-CC-DD-EE-FF", "AABBCCDDEEFF", true},
		{"aabb.ccdd.eeff", "AABBCCDDEEFF", true},
		{" aabbccddeeff ", "AABBCCDDEEFF", true},
		{"aabbccddee", "", false},
		{"aabbccddeegg", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeMAC(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeMAC(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
