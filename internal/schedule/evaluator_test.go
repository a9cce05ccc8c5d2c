package schedule

import (
	"testing"
	"time"

	"promobot/internal/campaign"
)

func weekdaySchedule() campaign.Schedule {
	return campaign.Schedule{
		ID:        "office-hours",
		MinDelay:  time.Minute,
		MaxDelay:  3 * time.Minute,
		StartTime: "09:00",
		EndTime:   "18:00",
		ActiveDays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
		Active: true,
	}
}

// 2026-08-25 is a Tuesday.
func tuesday(hour, minute int) time.Time {
	return time.Date(2026, 8, 25, hour, minute, 0, 0, time.UTC)
}

func TestIsOpen(t *testing.T) {
	t.Parallel()
	sch := weekdaySchedule()
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "tuesday mid window", at: tuesday(10, 30), want: true},
		{name: "window start inclusive", at: tuesday(9, 0), want: true},
		{name: "window end exclusive", at: tuesday(18, 0), want: false},
		{name: "last minute inside", at: tuesday(17, 59), want: true},
		{name: "before window", at: tuesday(8, 59), want: false},
		{name: "saturday", at: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC), want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsOpen(sch, tt.at); got != tt.want {
				t.Fatalf("IsOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestIsOpenOpenEnded(t *testing.T) {
	t.Parallel()
	sch := weekdaySchedule()
	sch.EndTime = ""
	if !IsOpen(sch, tuesday(23, 59)) {
		t.Fatal("open-ended window should stay open until midnight")
	}
	if IsOpen(sch, tuesday(8, 0)) {
		t.Fatal("open-ended window should still respect start time")
	}
}

func TestIsOpenNever(t *testing.T) {
	t.Parallel()
	sch := weekdaySchedule()
	sch.Active = false
	if IsOpen(sch, tuesday(10, 0)) {
		t.Fatal("inactive schedule should never be open")
	}

	sch = weekdaySchedule()
	sch.ActiveDays = nil
	if IsOpen(sch, tuesday(10, 0)) {
		t.Fatal("schedule with no active days should never be open")
	}
}

func TestNextOpen(t *testing.T) {
	t.Parallel()
	sch := weekdaySchedule()
	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{name: "already open", at: tuesday(10, 30), want: tuesday(10, 30)},
		{name: "same day before start", at: tuesday(7, 0), want: tuesday(9, 0)},
		{name: "after close rolls to wednesday", at: tuesday(19, 0), want: time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)},
		{name: "saturday rolls to monday", at: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), want: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextOpen(sch, tt.at)
			if !ok {
				t.Fatalf("NextOpen(%v) reported never", tt.at)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestNextOpenNever(t *testing.T) {
	t.Parallel()
	sch := weekdaySchedule()
	sch.ActiveDays = nil
	if _, ok := NextOpen(sch, tuesday(10, 0)); ok {
		t.Fatal("expected never for schedule with no active days")
	}

	sch = weekdaySchedule()
	sch.Active = false
	if _, ok := NextOpen(sch, tuesday(10, 0)); ok {
		t.Fatal("expected never for inactive schedule")
	}
}
