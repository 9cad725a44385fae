package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	minYear = 1970
	maxYear = 2099
)

var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse reads a Quartz expression: six fields (sec min hour dom month dow), a
// seventh year field, or an @descriptor. Day-of-week numbers follow Quartz
// (1 = Sunday .. 7 = Saturday). The Quartz day forms L, L-n, LW and nW in the
// day-of-month field and L, nL and n#k in the day-of-week field are supported.
func Parse(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 6, 7:
		sched, err := parseFields(fields)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
		}
		return sched, nil
	case 1:
		if strings.HasPrefix(fields[0], "@") {
			sched, err := parser.Parse(fields[0])
			if err != nil {
				return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
			}
			return sched, nil
		}
	}
	return nil, fmt.Errorf("parse cron expression %q: expected 6 or 7 fields, found %d", expr, len(fields))
}

func parseFields(fields []string) (cron.Schedule, error) {
	match, dom, dow, err := translateDays(strings.ToUpper(fields[3]), strings.ToUpper(fields[5]))
	if err != nil {
		return nil, err
	}
	spec := strings.Join([]string{fields[0], fields[1], fields[2], dom, fields[4], dow}, " ")
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, err
	}
	if match != nil {
		sched = &daySchedule{inner: sched, match: match}
	}
	if len(fields) == 7 {
		years, err := parseYears(fields[6])
		if err != nil {
			return nil, err
		}
		if years != nil {
			sched = &yearSchedule{inner: sched, years: years}
		}
	}
	return sched, nil
}

// translateDays rewrites the day fields for robfig. Quartz day forms robfig
// cannot express come back as a match func and both fields become "*".
func translateDays(dom, dow string) (func(time.Time) bool, string, string, error) {
	domSpecial := strings.ContainsAny(dom, "LW")
	dowSpecial := dow != "L" && strings.ContainsAny(dow, "L#")
	switch {
	case domSpecial && dowSpecial:
		return nil, "", "", fmt.Errorf("day-of-month %q and day-of-week %q cannot both use L, W or #", dom, dow)
	case domSpecial:
		if !isAny(dow) {
			return nil, "", "", fmt.Errorf("day-of-month %q needs day-of-week ?", dom)
		}
		match, err := domMatcher(dom)
		return match, "*", "*", err
	case dowSpecial:
		if !isAny(dom) {
			return nil, "", "", fmt.Errorf("day-of-week %q needs day-of-month ?", dow)
		}
		match, err := dowMatcher(dow)
		return match, "*", "*", err
	}
	if dow == "L" {
		dow = "7"
	}
	translated, err := translateDOW(dow)
	return nil, dom, translated, err
}

func isAny(field string) bool {
	return field == "?" || field == "*"
}

// translateDOW shifts numeric days from Quartz 1-7 to robfig 0-6 in lists,
// ranges and steps. Names pass through.
func translateDOW(field string) (string, error) {
	if isAny(field) {
		return field, nil
	}
	parts := strings.Split(field, ",")
	for i, part := range parts {
		rng, step, hasStep := strings.Cut(part, "/")
		if !isAny(rng) {
			lo, hi, isRange := strings.Cut(rng, "-")
			var err error
			if lo, err = shiftDOW(lo); err != nil {
				return "", err
			}
			rng = lo
			if isRange {
				if hi, err = shiftDOW(hi); err != nil {
					return "", err
				}
				rng += "-" + hi
			}
		}
		if hasStep {
			rng += "/" + step
		}
		parts[i] = rng
	}
	return strings.Join(parts, ","), nil
}

func shiftDOW(tok string) (string, error) {
	n, err := strconv.Atoi(tok)
	if err != nil {
		return tok, nil
	}
	if n < 1 || n > 7 {
		return "", fmt.Errorf("day-of-week %d outside 1-7", n)
	}
	return strconv.Itoa(n - 1), nil
}

var dowNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

func weekday(tok string) (time.Weekday, error) {
	if wd, ok := dowNames[tok]; ok {
		return wd, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 || n > 7 {
		return 0, fmt.Errorf("invalid day-of-week %q", tok)
	}
	return time.Weekday(n - 1), nil
}

func dowMatcher(field string) (func(time.Time) bool, error) {
	if strings.Contains(field, ",") {
		return nil, fmt.Errorf("day-of-week %q: L and # cannot be combined with a list", field)
	}
	if day, ok := strings.CutSuffix(field, "L"); ok {
		wd, err := weekday(day)
		if err != nil {
			return nil, err
		}
		// Last such weekday of the month.
		return func(t time.Time) bool {
			return t.Weekday() == wd && t.Day()+7 > daysIn(t)
		}, nil
	}
	day, nth, _ := strings.Cut(field, "#")
	wd, err := weekday(day)
	if err != nil {
		return nil, err
	}
	k, err := strconv.Atoi(nth)
	if err != nil || k < 1 || k > 5 {
		return nil, fmt.Errorf("day-of-week %q: occurrence must be 1-5", field)
	}
	return func(t time.Time) bool {
		return t.Weekday() == wd && (t.Day()-1)/7+1 == k
	}, nil
}

func domMatcher(field string) (func(time.Time) bool, error) {
	if strings.Contains(field, ",") {
		return nil, fmt.Errorf("day-of-month %q: L and W cannot be combined with a list", field)
	}
	switch {
	case field == "L":
		return func(t time.Time) bool { return t.Day() == daysIn(t) }, nil
	case field == "LW":
		return func(t time.Time) bool { return t.Day() == nearestWeekday(t, daysIn(t)) }, nil
	case strings.HasPrefix(field, "L-"):
		n, err := strconv.Atoi(field[2:])
		if err != nil || n < 0 || n > 30 {
			return nil, fmt.Errorf("invalid day-of-month offset %q", field)
		}
		return func(t time.Time) bool { return t.Day() == daysIn(t)-n }, nil
	case strings.HasSuffix(field, "W"):
		n, err := strconv.Atoi(strings.TrimSuffix(field, "W"))
		if err != nil || n < 1 || n > 31 {
			return nil, fmt.Errorf("invalid day-of-month %q", field)
		}
		return func(t time.Time) bool { return n <= daysIn(t) && t.Day() == nearestWeekday(t, n) }, nil
	}
	return nil, fmt.Errorf("invalid day-of-month %q", field)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

// nearestWeekday returns the weekday closest to day within t's month, never
// crossing into another month.
func nearestWeekday(t time.Time, day int) int {
	last := daysIn(t)
	switch time.Date(t.Year(), t.Month(), day, 0, 0, 0, 0, t.Location()).Weekday() {
	case time.Saturday:
		if day == 1 {
			return 3
		}
		return day - 1
	case time.Sunday:
		if day == last {
			return day - 2
		}
		return day + 1
	}
	return day
}

// maxDaySearchYears bounds the search for a matching day.
const maxDaySearchYears = 8

// daySchedule restricts a schedule that fires every day to days accepted by match.
type daySchedule struct {
	inner cron.Schedule
	match func(time.Time) bool
}

func (d *daySchedule) Next(t time.Time) time.Time {
	limit := t.Year() + maxDaySearchYears
	for {
		next := d.inner.Next(t)
		if next.IsZero() || d.match(next) {
			return next
		}
		if next.Year() > limit {
			return time.Time{}
		}
		// Resume just before midnight of the following day.
		t = time.Date(next.Year(), next.Month(), next.Day()+1, 0, 0, 0, 0, next.Location()).Add(-time.Second)
	}
}

// yearSchedule restricts another schedule to a set of years.
type yearSchedule struct {
	inner cron.Schedule
	years map[int]bool
}

func (y *yearSchedule) Next(t time.Time) time.Time {
	for {
		next := y.inner.Next(t)
		if next.IsZero() || y.years[next.Year()] {
			return next
		}
		following, ok := y.nextYear(next.Year())
		if !ok {
			return time.Time{}
		}
		// Resume just before midnight on January 1st of the next allowed year.
		t = time.Date(following, time.January, 1, 0, 0, 0, 0, next.Location()).Add(-time.Second)
	}
}

func (y *yearSchedule) nextYear(after int) (int, bool) {
	for yr := max(after+1, minYear); yr <= maxYear; yr++ {
		if y.years[yr] {
			return yr, true
		}
	}
	return 0, false
}

// parseYears returns nil when every year matches.
func parseYears(field string) (map[int]bool, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}
	years := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		if err := addYearRange(years, part); err != nil {
			return nil, err
		}
	}
	return years, nil
}

func addYearRange(years map[int]bool, part string) error {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid year step %q", part)
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangePart == "*" || rangePart == "?":
		lo, hi = minYear, maxYear
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")
		var err error
		if lo, err = parseYear(a); err != nil {
			return err
		}
		if hi, err = parseYear(b); err != nil {
			return err
		}
		if hi < lo {
			return fmt.Errorf("invalid year range %q", part)
		}
	default:
		y, err := parseYear(rangePart)
		if err != nil {
			return err
		}
		lo, hi = y, y
		if hasStep {
			hi = maxYear
		}
	}
	for yr := lo; yr <= hi; yr += step {
		years[yr] = true
	}
	return nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	if y < minYear || y > maxYear {
		return 0, fmt.Errorf("year %d outside %d-%d", y, minYear, maxYear)
	}
	return y, nil
}
