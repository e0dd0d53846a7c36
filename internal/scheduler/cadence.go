package scheduler

import "time"

// Cadence fires at a wall-clock time in a timezone, either every trading day
// (Monday to Friday) or once a week.
type Cadence struct {
	Weekly  bool
	Weekday time.Weekday
	Hour    int
	Minute  int
	Loc     *time.Location
}

// Next returns the first firing time strictly after after.
func (c Cadence) Next(after time.Time) time.Time {
	loc := c.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), c.Hour, c.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	for !c.fires(next.Weekday()) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (c Cadence) fires(wd time.Weekday) bool {
	if c.Weekly {
		return wd == c.Weekday
	}
	return wd != time.Saturday && wd != time.Sunday
}

// Session is the regular trading session: weekdays between Open and Close
// (minutes after midnight, both inclusive) in Loc. The zero Session is
// always open.
type Session struct {
	Open  int
	Close int
	Loc   *time.Location
}

// IsOpen reports whether t falls inside the session.
func (s Session) IsOpen(t time.Time) bool {
	if s.Open == 0 && s.Close == 0 {
		return true
	}
	loc := s.Loc
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	open := midnight.Add(time.Duration(s.Open) * time.Minute)
	end := midnight.Add(time.Duration(s.Close) * time.Minute)
	return !local.Before(open) && !local.After(end)
}
