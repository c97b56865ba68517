package domain

import "time"

type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule is a tagged union keyed by Kind. Only the fields of the active
// kind are meaningful.
//
//	once:     At
//	daily:    TimeOfDay ("HH:MM"), StartDate, EndDate (inclusive calendar day)
//	interval: EveryMs, StartAt, EndAt
type Schedule struct {
	Kind ScheduleKind `json:"type"`

	At time.Time `json:"at,omitzero"`

	TimeOfDay string     `json:"timeOfDay,omitempty"`
	StartDate time.Time  `json:"startDate,omitzero"`
	EndDate   *time.Time `json:"endDate,omitempty"`

	EveryMs int64      `json:"everyMs,omitempty"`
	StartAt time.Time  `json:"startAt,omitzero"`
	EndAt   *time.Time `json:"endAt,omitempty"`
}

func Once(at time.Time) Schedule {
	return Schedule{Kind: ScheduleOnce, At: at}
}

func Daily(timeOfDay string, startDate time.Time, endDate *time.Time) Schedule {
	return Schedule{Kind: ScheduleDaily, TimeOfDay: timeOfDay, StartDate: startDate, EndDate: cloneTime(endDate)}
}

func Interval(every time.Duration, startAt time.Time, endAt *time.Time) Schedule {
	return Schedule{Kind: ScheduleInterval, EveryMs: every.Milliseconds(), StartAt: startAt, EndAt: cloneTime(endAt)}
}

// Recurring reports whether the schedule can produce more than one occurrence.
func (s Schedule) Recurring() bool {
	return s.Kind == ScheduleDaily || s.Kind == ScheduleInterval
}

func (s Schedule) Clone() Schedule {
	c := s
	c.EndDate = cloneTime(s.EndDate)
	c.EndAt = cloneTime(s.EndAt)
	return c
}
