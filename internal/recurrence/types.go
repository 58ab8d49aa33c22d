package recurrence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bkyalo/SmartIrrigiation-Backend/internal/apperr"
)

// Frequency identifies the kind of recurrence rule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// Unit is the step size of a custom frequency.
type Unit string

const (
	UnitDays   Unit = "days"
	UnitWeeks  Unit = "weeks"
	UnitMonths Unit = "months"
)

// Params carries the kind-dependent parameters of a frequency.
// Weekdays use 0=Sunday..6=Saturday; in JSON they may also be day names.
type Params struct {
	Days      []time.Weekday `json:"days,omitempty"`
	MonthDays []int          `json:"month_days,omitempty"`
	Interval  int            `json:"interval,omitempty"`
	Unit      Unit           `json:"unit,omitempty"`
}

// TimeOfDay is a wall clock time applied to every computed fire date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("recurrence: invalid time of day %q", s)
	}
	limits := []int{23, 59, 59}
	vals := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return TimeOfDay{}, fmt.Errorf("recurrence: invalid time of day %q", s)
		}
		vals[i] = n
	}
	return TimeOfDay{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// On returns the instant on day's calendar date at this time of day in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, loc)
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseWeekday accepts an English day name or its number (0=Sunday).
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if d, ok := weekdayNames[s]; ok {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 6 {
		return time.Weekday(n), nil
	}
	return 0, fmt.Errorf("recurrence: unknown weekday %q", s)
}

// UnmarshalJSON accepts days as numbers or names, so both [1,5] and
// ["monday","friday"] decode to Monday and Friday.
func (p *Params) UnmarshalJSON(b []byte) error {
	type plain Params
	var raw struct {
		plain
		Days []json.RawMessage `json:"days,omitempty"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = Params(raw.plain)
	p.Days = nil
	for _, d := range raw.Days {
		var name string
		if err := json.Unmarshal(d, &name); err == nil {
			wd, err := ParseWeekday(name)
			if err != nil {
				return err
			}
			p.Days = append(p.Days, wd)
			continue
		}
		var n int
		if err := json.Unmarshal(d, &n); err != nil {
			return fmt.Errorf("recurrence: invalid weekday %s", d)
		}
		p.Days = append(p.Days, time.Weekday(n))
	}
	return nil
}

// Validate checks that params are structurally valid for freq.
func Validate(freq Frequency, p Params) error {
	var v apperr.ValidationError
	switch freq {
	case FrequencyDaily:
	case FrequencyWeekly:
		for _, d := range p.Days {
			if d < time.Sunday || d > time.Saturday {
				v.Add("frequency_params.days", fmt.Sprintf("weekday %d out of range 0..6", d))
				break
			}
		}
	case FrequencyMonthly:
		validateMonthDays(&v, p.MonthDays)
	case FrequencyCustom:
		validateMonthDays(&v, p.MonthDays)
		if p.Interval <= 0 {
			v.Add("frequency_params.interval", "must be positive")
		}
		switch p.Unit {
		case UnitDays, UnitWeeks, UnitMonths:
		default:
			v.Add("frequency_params.unit", fmt.Sprintf("unsupported unit %q", p.Unit))
		}
	default:
		v.Add("frequency", fmt.Sprintf("unsupported frequency %q", freq))
	}
	return v.OrNil()
}

func validateMonthDays(v *apperr.ValidationError, days []int) {
	for _, d := range days {
		if d < 1 || d > 31 {
			v.Add("frequency_params.month_days", fmt.Sprintf("day %d out of range 1..31", d))
			return
		}
	}
}

// Describe renders the rule for operators, e.g. "Weekly on Monday, Friday".
func Describe(freq Frequency, p Params) string {
	switch freq {
	case FrequencyDaily:
		return "Daily"
	case FrequencyWeekly:
		if len(p.Days) == 0 {
			return "Weekly"
		}
		names := make([]string, 0, len(p.Days))
		for _, d := range p.Days {
			names = append(names, d.String())
		}
		return "Weekly on " + strings.Join(names, ", ")
	case FrequencyMonthly:
		return fmt.Sprintf("Monthly on day %d", monthDay(p))
	case FrequencyCustom:
		n := p.Interval
		if n <= 0 {
			n = 1
		}
		unit := string(p.Unit)
		if unit == "" {
			unit = string(UnitDays)
		}
		if n == 1 {
			unit = strings.TrimSuffix(unit, "s")
		}
		return fmt.Sprintf("Every %d %s", n, unit)
	default:
		return string(freq)
	}
}

// monthDay is the target day of a monthly rule. Only the first entry is used.
func monthDay(p Params) int {
	if len(p.MonthDays) == 0 {
		return 1
	}
	return p.MonthDays[0]
}
