package offense

import (
	"testing"
	"time"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/store"
)

func testRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := store.Open(store.Options{Path: ":memory:", Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewRecorder(s), s
}

// TestCleanDescription tests bracketed suffix stripping
func TestCleanDescription(t *testing.T) {
	tests := []struct {
		raw, want string
	}{
		{"SQL injection attempt", "SQL injection attempt"},
		{"SQL injection [blocked]", "SQL injection"},
		{"SQL injection [id=17] [blocked]", "SQL injection"},
		{"honeypot GET /wp-login.php [ua: curl/8.0]", "honeypot GET /wp-login.php"},
		{"[all bracket]", "[all bracket]"},
		{"  padded  [x]  ", "padded"},
		{"inline [not suffix] middle", "inline [not suffix] middle"},
	}
	for _, tt := range tests {
		if got := CleanDescription(tt.raw); got != tt.want {
			t.Errorf("CleanDescription(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

// TestRecord tests persistence plus profile counters
func TestRecord(t *testing.T) {
	r, s := testRecorder(t)

	o, err := r.Record(&store.Offense{
		SourceIP:    "203.0.113.10",
		Description: "Port scan detected [tcp/22]",
		Plugin:      "port_detector",
		Severity:    store.SeverityMedio,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if o.ID == 0 {
		t.Error("expected assigned id")
	}
	if o.DescriptionClean != "Port scan detected" {
		t.Errorf("clean description: %q", o.DescriptionClean)
	}

	p, err := s.GetProfile("203.0.113.10")
	if err != nil {
		t.Fatalf("profile not created: %v", err)
	}
	if p.OffensesTotal != 1 {
		t.Errorf("expected 1 offense counted, got %d", p.OffensesTotal)
	}
}

// TestRecordValidation tests input rejection
func TestRecordValidation(t *testing.T) {
	r, _ := testRecorder(t)

	cases := []*store.Offense{
		{SourceIP: "not-an-ip", Description: "x"},
		{SourceIP: "", Description: "x"},
		{SourceIP: "203.0.113.10", Description: "   "},
		{SourceIP: "203.0.113.10", Description: "x", Severity: "extreme"},
	}
	for i, o := range cases {
		if _, err := r.Record(o); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
