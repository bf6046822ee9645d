package gateway

import (
	"testing"
	"time"
)

func TestWithinActiveHours(t *testing.T) {
	at := func(hhmm string) time.Time {
		parsed, err := time.Parse("15:04", hhmm)
		if err != nil {
			t.Fatalf("bad test time %q: %v", hhmm, err)
		}
		return time.Date(2026, 8, 1, parsed.Hour(), parsed.Minute(), 0, 0, time.Local)
	}

	tests := []struct {
		name     string
		now      string
		from, to string
		want     bool
	}{
		{"inside window", "12:00", "08:00", "22:00", true},
		{"before window", "07:59", "08:00", "22:00", false},
		{"at start", "08:00", "08:00", "22:00", true},
		{"at end", "22:00", "08:00", "22:00", false},
		{"wraps midnight, late", "23:30", "22:00", "06:00", true},
		{"wraps midnight, early", "05:00", "22:00", "06:00", true},
		{"wraps midnight, outside", "12:00", "22:00", "06:00", false},
		{"degenerate window is always on", "03:00", "09:00", "09:00", true},
		{"unparseable bounds disable the gate", "03:00", "whenever", "22:00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinActiveHours(at(tt.now), tt.from, tt.to); got != tt.want {
				t.Errorf("withinActiveHours(%s, %s, %s) = %v, want %v", tt.now, tt.from, tt.to, got, tt.want)
			}
		})
	}
}
