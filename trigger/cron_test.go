package trigger

import (
	"testing"
	"time"
)

func TestNextRunUTC_Valid(t *testing.T) {
	next, err := NextRunUTC("*/5 * * * *", time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRunUTC error: %v", err)
	}

	want := time.Date(2026, 2, 20, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestNextRunUTC_NormalizesToUTC(t *testing.T) {
	local := time.Date(2026, 2, 20, 10, 2, 0, 0, time.FixedZone("plus2", 2*3600))
	next, err := NextRunUTC("0 * * * *", local)
	if err != nil {
		t.Fatalf("NextRunUTC error: %v", err)
	}

	want := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestNextRunUTC_Descriptors(t *testing.T) {
	at := time.Date(2026, 2, 20, 10, 17, 0, 0, time.UTC)

	next, err := NextRunUTC("@hourly", at)
	if err != nil {
		t.Fatalf("NextRunUTC(@hourly) error: %v", err)
	}
	want := time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}

	next, err = NextRunUTC("@every 30m", at)
	if err != nil {
		t.Fatalf("NextRunUTC(@every 30m) error: %v", err)
	}
	want = at.Add(30 * time.Minute)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestParseCronExpressionUTC_RejectsTimezonePrefixes(t *testing.T) {
	for _, expr := range []string{
		"CRON_TZ=America/Los_Angeles * * * * *",
		"TZ=UTC * * * * *",
	} {
		if _, err := parseCronExpressionUTC(expr); err == nil {
			t.Fatalf("parseCronExpressionUTC(%q) expected error", expr)
		}
	}
}

func TestParseCronExpressionUTC_RejectsEmptyAndInvalid(t *testing.T) {
	for _, expr := range []string{"", "   ", "not a cron", "* * *"} {
		if _, err := parseCronExpressionUTC(expr); err == nil {
			t.Fatalf("parseCronExpressionUTC(%q) expected error", expr)
		}
	}
}
