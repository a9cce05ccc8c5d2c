// Package schedule decides whether an instant falls inside a campaign
// schedule's sending window and, if not, when the window opens next.
//
// Windows are day-local: StartTime/EndTime are wall-clock minutes on an
// active weekday, end exclusive. A missing EndTime keeps the window open
// until midnight rolls the day over.
package schedule

import (
	"time"

	"promobot/internal/campaign"
)

// IsOpen reports whether sch permits sending at instant t.
func IsOpen(sch campaign.Schedule, t time.Time) bool {
	if !sch.Active || len(sch.ActiveDays) == 0 {
		return false
	}
	if !dayActive(sch, t.Weekday()) {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	start, end, openEnded := windowMinutes(sch)
	if minute < start {
		return false
	}
	if openEnded {
		return true
	}
	return minute < end
}

// NextOpen returns the earliest instant >= t at which IsOpen would be true.
// The second result is false when the schedule can never open (inactive or
// no active days).
func NextOpen(sch campaign.Schedule, t time.Time) (time.Time, bool) {
	if !sch.Active || len(sch.ActiveDays) == 0 {
		return time.Time{}, false
	}
	if IsOpen(sch, t) {
		return t, true
	}
	start, _, _ := windowMinutes(sch)
	// Walk at most a week ahead; some weekday in ActiveDays must match.
	for d := 0; d <= 7; d++ {
		day := t.AddDate(0, 0, d)
		if !dayActive(sch, day.Weekday()) {
			continue
		}
		open := time.Date(day.Year(), day.Month(), day.Day(), start/60, start%60, 0, 0, t.Location())
		if open.Before(t) {
			// Today's window already passed (or we are inside a closed
			// portion of today); try the next active day.
			continue
		}
		return open, true
	}
	return time.Time{}, false
}

func dayActive(sch campaign.Schedule, wd time.Weekday) bool {
	for _, d := range sch.ActiveDays {
		if d == wd {
			return true
		}
	}
	return false
}

// windowMinutes returns (start, end, openEnded) in minutes since midnight.
// Invalid clock strings were rejected at registration; a parse failure here
// degrades to an all-day window rather than silently closing the schedule.
func windowMinutes(sch campaign.Schedule) (int, int, bool) {
	start := 0
	if sch.StartTime != "" {
		if v, err := campaign.ParseClock(sch.StartTime); err == nil {
			start = v
		}
	}
	if sch.EndTime == "" {
		return start, 0, true
	}
	end, err := campaign.ParseClock(sch.EndTime)
	if err != nil {
		return start, 0, true
	}
	return start, end, false
}
