package clock

import (
	"time"

	"github.com/p-blackswan/workoutbot/internal/config"
	perrors "github.com/p-blackswan/workoutbot/internal/errors"
)

// BusinessCalendar advances instants through working time only.
type BusinessCalendar struct {
	begin int
	end   int
	days  [7]bool
	loc   *time.Location
}

// NewBusinessCalendar builds a calendar from resolved office hours.
// A nil loc means time.Local.
func NewBusinessCalendar(oh config.OfficeHours, loc *time.Location) (*BusinessCalendar, error) {
	if oh.Begin < 0 || oh.End > 24 || oh.Begin >= oh.End {
		return nil, perrors.InvalidConfig("office hours %d-%d", oh.Begin, oh.End)
	}
	if loc == nil {
		loc = time.Local
	}
	b := &BusinessCalendar{begin: oh.Begin, end: oh.End, loc: loc}
	for _, d := range oh.Weekdays {
		b.days[d] = true
	}
	if b.days == [7]bool{} {
		return nil, perrors.InvalidConfig("office hours have no working weekdays")
	}
	return b, nil
}

// DayLength is the amount of working time in one business day.
func (b *BusinessCalendar) DayLength() time.Duration {
	return time.Duration(b.end-b.begin) * time.Hour
}

// IsWorking reports whether t falls inside office hours on a working day.
func (b *BusinessCalendar) IsWorking(t time.Time) bool {
	t = t.In(b.loc)
	if !b.days[t.Weekday()] {
		return false
	}
	start, end := b.bounds(t)
	return !t.Before(start) && t.Before(end)
}

// Advance returns the instant reached after d of working time has elapsed
// from `from`, skipping nights, weekends and other non-working days.
func (b *BusinessCalendar) Advance(from time.Time, d time.Duration) time.Time {
	t := from.In(b.loc)
	for {
		if !b.IsWorking(t) {
			t = b.nextStart(t)
		}
		_, end := b.bounds(t)
		remaining := end.Sub(t)
		if d <= remaining {
			return t.Add(d)
		}
		d -= remaining
		t = end
	}
}

func (b *BusinessCalendar) bounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	return time.Date(y, m, d, b.begin, 0, 0, 0, b.loc), time.Date(y, m, d, b.end, 0, 0, 0, b.loc)
}

// nextStart returns the first office-hours opening at or after t.
func (b *BusinessCalendar) nextStart(t time.Time) time.Time {
	y, m, d := t.Date()
	for i := 0; ; i++ {
		start := time.Date(y, m, d+i, b.begin, 0, 0, 0, b.loc)
		if b.days[start.Weekday()] && !start.Before(t) {
			return start
		}
	}
}
