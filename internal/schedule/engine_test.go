package schedule

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	e := &Engine{}

	tests := []struct {
		name    string
		rule    string
		tz      string
		wantErr bool
	}{
		{name: "cron", rule: "0 8 * * *", tz: "UTC"},
		{name: "cron descriptor", rule: "@daily", tz: "UTC"},
		{name: "rrule", rule: "FREQ=DAILY;BYHOUR=8;BYMINUTE=0;BYSECOND=0", tz: "Europe/Berlin"},
		{name: "rrule with prefix", rule: "RRULE:FREQ=WEEKLY;BYDAY=MO", tz: "UTC"},
		{name: "empty rule", rule: "", tz: "UTC", wantErr: true},
		{name: "blank rule", rule: "   ", tz: "UTC", wantErr: true},
		{name: "bad cron", rule: "71 8 * * *", tz: "UTC", wantErr: true},
		{name: "bad rrule", rule: "FREQ=SOMETIMES", tz: "UTC", wantErr: true},
		{name: "missing tz", rule: "0 8 * * *", tz: "", wantErr: true},
		{name: "unknown tz", rule: "0 8 * * *", tz: "Not/AZone", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.rule, tt.tz)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q, %q) = %v, wantErr %v", tt.rule, tt.tz, err, tt.wantErr)
			}
		})
	}
}

func TestNextAfterCron(t *testing.T) {
	e := &Engine{}

	tests := []struct {
		name  string
		rule  string
		tz    string
		after time.Time
		want  time.Time
	}{
		{
			name:  "daily utc",
			rule:  "0 8 * * *",
			tz:    "UTC",
			after: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
			want:  time.Date(2025, 1, 16, 8, 0, 0, 0, time.UTC),
		},
		{
			// 08:00 in New York is 13:00 UTC during standard time.
			name:  "daily new york winter",
			rule:  "0 8 * * *",
			tz:    "America/New_York",
			after: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC),
		},
		{
			// 08:00 in New York is 12:00 UTC during daylight time.
			name:  "daily new york summer",
			rule:  "0 8 * * *",
			tz:    "America/New_York",
			after: time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
			want:  time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "same minute excluded",
			rule:  "0 8 * * *",
			tz:    "UTC",
			after: time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC),
			want:  time.Date(2025, 1, 16, 8, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := e.NextAfter(tt.rule, tt.tz, time.Time{}, tt.after)
			if err != nil {
				t.Fatalf("NextAfter: %v", err)
			}
			if !ok {
				t.Fatal("NextAfter reported exhausted rule")
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextAfter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextAfterRRule(t *testing.T) {
	e := &Engine{}
	dtstart := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	got, ok, err := e.NextAfter("FREQ=DAILY", "UTC", dtstart, time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if !ok {
		t.Fatal("rule reported exhausted")
	}
	want := time.Date(2025, 1, 16, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}

	// INTERVAL anchors on dtstart.
	got, ok, err = e.NextAfter("FREQ=DAILY;INTERVAL=3", "UTC", dtstart, dtstart)
	if err != nil || !ok {
		t.Fatalf("NextAfter = %v, %v", ok, err)
	}
	want = time.Date(2025, 1, 4, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("interval NextAfter = %v, want %v", got, want)
	}
}

func TestNextAfterCountExhaustion(t *testing.T) {
	e := &Engine{}
	dtstart := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	// Two occurrences total: Jan 1 and Jan 2 at 08:00.
	rule := "FREQ=DAILY;COUNT=2"

	got, ok, err := e.NextAfter(rule, "UTC", dtstart, dtstart)
	if err != nil || !ok {
		t.Fatalf("first NextAfter = %v, %v", ok, err)
	}
	want := time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}

	_, ok, err = e.NextAfter(rule, "UTC", dtstart, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if ok {
		t.Error("exhausted COUNT rule still produced an occurrence")
	}
}

func TestNextAfterUntilExhaustion(t *testing.T) {
	e := &Engine{}
	dtstart := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

	rule := "FREQ=DAILY;UNTIL=20250103T080000Z"
	_, ok, err := e.NextAfter(rule, "UTC", dtstart, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextAfter: %v", err)
	}
	if ok {
		t.Error("rule past UNTIL still produced an occurrence")
	}
}

func TestNextAfterDefaultTimezone(t *testing.T) {
	e := &Engine{DefaultTimezone: "America/New_York"}

	got, ok, err := e.NextAfter("0 8 * * *", "", time.Time{}, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC))
	if err != nil || !ok {
		t.Fatalf("NextAfter = %v, %v", ok, err)
	}
	want := time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextAfter = %v, want %v", got, want)
	}
}

func TestNextAfterUnknownTimezone(t *testing.T) {
	e := &Engine{}
	if _, _, err := e.NextAfter("0 8 * * *", "Not/AZone", time.Time{}, time.Now()); err == nil {
		t.Error("unknown timezone accepted")
	}
}

func TestIsRRule(t *testing.T) {
	tests := []struct {
		rule string
		want bool
	}{
		{"FREQ=DAILY", true},
		{"RRULE:FREQ=WEEKLY", true},
		{"rrule:freq=daily", true},
		{"0 8 * * *", false},
		{"@daily", false},
	}
	for _, tt := range tests {
		if got := isRRule(tt.rule); got != tt.want {
			t.Errorf("isRRule(%q) = %v, want %v", tt.rule, got, tt.want)
		}
	}
}
