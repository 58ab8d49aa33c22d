// Package recurrence computes when a periodic watering plan fires next.
package recurrence

import "time"

// Plan is the recurrence-relevant state of a schedule.
type Plan struct {
	Frequency Frequency
	Params    Params
	At        TimeOfDay
	LastFired *time.Time
	EndDate   *time.Time
	// Active is the schedule's own flag combined with its lifecycle status.
	Active bool
}

// Engine evaluates plans in a fixed location.
type Engine struct {
	location *time.Location
}

// NewEngine constructs an Engine that applies times of day in loc.
// If loc is nil, UTC is used.
func NewEngine(loc *time.Location) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{location: loc}
}

// Location returns the zone times of day are applied in.
func (e *Engine) Location() *time.Location {
	if e == nil || e.location == nil {
		return time.UTC
	}
	return e.location
}

// IsActive reports whether p can fire at all at now.
func IsActive(p Plan, now time.Time) bool {
	if !p.Active {
		return false
	}
	return p.EndDate == nil || now.Before(*p.EndDate)
}

// NextFire returns the next fire instant for p, or false when p is not active
// or the instant falls on or after its end date. The result is never earlier
// than now: a computed instant already in the past is clamped to now so
// skipped plans catch up instead of drifting.
func (e *Engine) NextFire(p Plan, now time.Time) (time.Time, bool) {
	if !IsActive(p, now) {
		return time.Time{}, false
	}
	loc := e.Location()
	now = now.In(loc)

	base := now
	if p.LastFired != nil {
		base = p.LastFired.In(loc)
	}

	var next time.Time
	switch p.Frequency {
	case FrequencyWeekly:
		next = e.nextWeekly(p, base, now)
	case FrequencyMonthly:
		next = p.At.On(addMonthsClamped(base, 1, monthDay(p.Params)), loc)
	case FrequencyCustom:
		next = p.At.On(addInterval(base, p.Params), loc)
	default:
		next = p.At.On(base.AddDate(0, 0, 1), loc)
	}

	if next.Before(now) {
		next = now
	}
	if p.EndDate != nil && !next.Before(*p.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// Anchor pins a custom monthly rule to the calendar day of now unless a day
// is already given, so a month that clamps the day does not shift the
// months after it.
func (e *Engine) Anchor(freq Frequency, p Params, now time.Time) Params {
	if freq == FrequencyCustom && p.Unit == UnitMonths && len(p.MonthDays) == 0 {
		p.MonthDays = []int{now.In(e.Location()).Day()}
	}
	return p
}

func (e *Engine) nextWeekly(p Plan, base, now time.Time) time.Time {
	loc := e.Location()
	if len(p.Params.Days) == 0 {
		return p.At.On(base.AddDate(0, 0, 7), loc)
	}
	set := make(map[time.Weekday]struct{}, len(p.Params.Days))
	for _, d := range p.Params.Days {
		set[d] = struct{}{}
	}

	// Same day only while its slot is still ahead; equality counts as passed
	// so a run marked at the slot instant does not fire twice.
	if _, ok := set[base.Weekday()]; ok {
		if today := p.At.On(base, loc); today.After(now) {
			return today
		}
	}
	for offset := 1; offset <= 7; offset++ {
		if _, ok := set[(base.Weekday()+time.Weekday(offset))%7]; ok {
			return p.At.On(base.AddDate(0, 0, offset), loc)
		}
	}
	return p.At.On(base.AddDate(0, 0, 7), loc)
}

func addInterval(base time.Time, p Params) time.Time {
	n := p.Interval
	if n <= 0 {
		n = 1
	}
	switch p.Unit {
	case UnitWeeks:
		return base.AddDate(0, 0, 7*n)
	case UnitMonths:
		day := base.Day()
		if len(p.MonthDays) > 0 {
			day = p.MonthDays[0]
		}
		return addMonthsClamped(base, n, day)
	default:
		return base.AddDate(0, 0, n)
	}
}

// addMonthsClamped moves base forward by months and lands on day, clamped to
// the last day of the target month (day 31 in February becomes the 28th/29th).
func addMonthsClamped(base time.Time, months, day int) time.Time {
	y, m, _ := base.Date()
	first := time.Date(y, m, 1, base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location()).AddDate(0, months, 0)
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return first.AddDate(0, 0, day-1)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
