package clock

import (
	"context"
	"testing"
	"time"
)

func TestNextLocalMidnight(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		tz   string
		want time.Time
	}{
		{
			name: "utc midday",
			at:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			tz:   "UTC",
			want: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly midnight advances a full day",
			at:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			tz:   "UTC",
			want: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			// 2025-01-15 23:00 UTC is already Jan 16 in Sydney (+11), so
			// the next local midnight is Jan 17 00:00 AEDT = Jan 16 13:00 UTC.
			name: "ahead-of-utc zone",
			at:   time.Date(2025, 1, 15, 23, 0, 0, 0, time.UTC),
			tz:   "Australia/Sydney",
			want: time.Date(2025, 1, 16, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "unknown zone falls back to utc",
			at:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			tz:   "Not/AZone",
			want: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "empty zone falls back to utc",
			at:   time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
			tz:   "",
			want: time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextLocalMidnight(tt.at, tt.tz)
			if !got.Equal(tt.want) {
				t.Errorf("NextLocalMidnight(%v, %q) = %v, want %v", tt.at, tt.tz, got, tt.want)
			}
		})
	}
}

func TestSystemSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if (System{}).Sleep(ctx, time.Hour) {
		t.Error("Sleep on cancelled context = true, want false")
	}
}

func TestSystemSleepZero(t *testing.T) {
	if !(System{}).Sleep(context.Background(), 0) {
		t.Error("zero-duration Sleep = false, want true")
	}
}

func TestFakeAdvanceReleasesSleepers(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	done := make(chan bool, 1)
	go func() {
		done <- fake.Sleep(context.Background(), time.Minute)
	}()

	// Not enough to release the sleeper.
	fake.Advance(30 * time.Second)
	select {
	case <-done:
		t.Fatal("sleeper released before its deadline")
	case <-time.After(20 * time.Millisecond):
	}

	fake.Advance(30 * time.Second)
	select {
	case ok := <-done:
		if !ok {
			t.Error("Sleep = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("sleeper not released after Advance past deadline")
	}

	if got := fake.Now(); !got.Equal(start.Add(time.Minute)) {
		t.Errorf("Now() = %v, want %v", got, start.Add(time.Minute))
	}
}

func TestFakeSleepCancelled(t *testing.T) {
	fake := NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		done <- fake.Sleep(ctx, time.Hour)
	}()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("cancelled Sleep = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Sleep did not return")
	}
}
