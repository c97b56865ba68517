package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"holotask/internal/domain"
)

var reTimeOfDay = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	m := reTimeOfDay.FindStringSubmatch(s)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q out of range", s)
	}
	return hour, minute, nil
}

// Validate checks that s is complete for its kind.
func Validate(s domain.Schedule) error {
	switch s.Kind {
	case domain.ScheduleOnce:
		if s.At.IsZero() {
			return fmt.Errorf("once schedule requires at")
		}
	case domain.ScheduleDaily:
		if _, _, err := ParseTimeOfDay(s.TimeOfDay); err != nil {
			return err
		}
		if s.StartDate.IsZero() {
			return fmt.Errorf("daily schedule requires startDate")
		}
		if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
			return fmt.Errorf("daily schedule endDate before startDate")
		}
	case domain.ScheduleInterval:
		if s.EveryMs <= 0 {
			return fmt.Errorf("interval schedule requires everyMs > 0")
		}
		if s.StartAt.IsZero() {
			return fmt.Errorf("interval schedule requires startAt")
		}
		if s.EndAt != nil && s.EndAt.Before(s.StartAt) {
			return fmt.Errorf("interval schedule endAt before startAt")
		}
	default:
		return fmt.Errorf("unknown schedule type %q", s.Kind)
	}
	return nil
}

// NextOccurrence returns the next eligible run time of s relative to after.
//
//	once:     at, if at > after
//	daily:    earliest time >= after (and >= startDate) at timeOfDay in loc,
//	          on a calendar day no later than endDate's
//	interval: startAt + k*every for the smallest k >= 0 with result > after,
//	          no later than endAt
//
// ok is false when the schedule has no such occurrence.
func NextOccurrence(s domain.Schedule, after time.Time, loc *time.Location) (next time.Time, ok bool) {
	if loc == nil {
		loc = time.UTC
	}
	switch s.Kind {
	case domain.ScheduleOnce:
		if s.At.After(after) {
			return s.At, true
		}
	case domain.ScheduleDaily:
		return nextDaily(s, after, loc)
	case domain.ScheduleInterval:
		return nextInterval(s, after)
	}
	return time.Time{}, false
}

// NextAfter is NextOccurrence with a strict lower bound for every kind. The
// engine uses it to advance past an occurrence it just resolved.
func NextAfter(s domain.Schedule, t time.Time, loc *time.Location) (time.Time, bool) {
	return NextOccurrence(s, t.Add(time.Nanosecond), loc)
}

func nextDaily(s domain.Schedule, after time.Time, loc *time.Location) (time.Time, bool) {
	h, m, err := ParseTimeOfDay(s.TimeOfDay)
	if err != nil {
		return time.Time{}, false
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", m, h))
	if err != nil {
		return time.Time{}, false
	}
	spec := sched.(*cron.SpecSchedule)
	spec.Location = loc

	from := after
	if s.StartDate.After(from) {
		from = s.StartDate
	}
	// cron's Next is strictly greater at second resolution; step back one
	// nanosecond so an exact hit on timeOfDay counts.
	next := spec.Next(from.Add(-time.Nanosecond))
	if next.IsZero() {
		return time.Time{}, false
	}
	if s.EndDate != nil && !next.Before(DayStart(*s.EndDate, loc).AddDate(0, 0, 1)) {
		return time.Time{}, false
	}
	return next, true
}

func nextInterval(s domain.Schedule, after time.Time) (time.Time, bool) {
	every := time.Duration(s.EveryMs) * time.Millisecond
	if every <= 0 {
		return time.Time{}, false
	}
	next := s.StartAt
	if !next.After(after) {
		k := after.Sub(s.StartAt)/every + 1
		next = s.StartAt.Add(k * every)
	}
	if s.EndAt != nil && next.After(*s.EndAt) {
		return time.Time{}, false
	}
	return next, true
}

// DayStart returns midnight of t's calendar day in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
