package scheduler

import (
	"time"

	"github.com/propelr/propelr/internal/model"
)

// Next returns the first fire time of s strictly after the given instant,
// evaluated in loc. Monthly days past the end of a month fire on its last
// day. The zero time is returned for unschedulable input.
func Next(s model.Schedule, after time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	hour, minute := s.Clock()
	local := after.In(loc)
	y, m, d := local.Date()

	at := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, hour, minute, 0, 0, loc)
	}

	switch s.Type {
	case model.ScheduleDaily:
		next := at(y, m, d)
		if !next.After(after) {
			next = at(y, m, d+1)
		}
		return next

	case model.ScheduleWeekly:
		if s.DayOfWeek == nil {
			return time.Time{}
		}
		ahead := (*s.DayOfWeek - int(local.Weekday()) + 7) % 7
		next := at(y, m, d+ahead)
		if !next.After(after) {
			next = at(y, m, d+ahead+7)
		}
		return next

	case model.ScheduleMonthly:
		if s.DayOfMonth == nil {
			return time.Time{}
		}
		for off := 0; off < 13; off++ {
			month := m + time.Month(off)
			day := min(*s.DayOfMonth, daysIn(y, month))
			next := at(y, month, day)
			if next.After(after) {
				return next
			}
		}
	}
	return time.Time{}
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
