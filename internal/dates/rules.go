package dates

import (
	"regexp"
	"time"
)

const (
	era         = `(?:(?:BCE?)|(?:B\.C\.(?:E\.))|(?:AD)|(?:A\.D\.)|(?:CE)|(?:C\.E\.))`
	year        = `(?:(?:([1-9]\d{0,1}) (` + era + `))|(?:([1-9]\d{2,3})(?: (` + era + `))?))`
	monthAbbrev = `(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)`
	monthMM     = `(?:(?:0[1-9])|(?:1[0-2]))`
	yearMM      = year + `(?:(?:[-/]` + monthMM + `)|[-*?])?`
	dayDD       = `(?:(?:0[1-9])|(?:[1-2]\d)|(?:3[0-1]))`
	localTime   = `\d{1,2}[.:]\d{2}(?:[apAP]\.?[mM]\.?)?`
)

var bce = regexp.MustCompile(`^(?:(?:BCE?)|(?:B\.C\.(?:E\.)))$`)

// DefaultRules returns the standard rule table. now resolves two-digit years:
// values below the current year's last two digits land in the 2000s.
func DefaultRules(now func() time.Time) []Rule {
	if now == nil {
		now = time.Now
	}
	return []Rule{
		{
			Name:    "year-month-day",
			Pattern: regexp.MustCompile(`([12]\d{3})-[0123]\d-[01]\d`),
			Years:   groupYear(1),
		},
		{
			Name:    "century",
			Pattern: regexp.MustCompile(`(\d+)(?:(?:st)|(?:nd)|(?:rd)|(?:th))\s+[cC](?:entury)?(?:\s+(` + era + `))?`),
			Years:   centuryYears,
		},
		{
			Name:      "year-range",
			Pattern:   regexp.MustCompile(yearMM + `\s*[-/]\s*` + yearMM + `(\D|$)`),
			Lookahead: 9,
			Years:     rangeYears,
		},
		{
			Name:    "day-month-year",
			Pattern: regexp.MustCompile(dayDD + `\s+` + monthAbbrev + `\s+([12]\d{3})(?:\.\s+` + localTime + `)?`),
			Years:   groupYear(1),
		},
		{
			Name:    "uncertain-year",
			Pattern: regexp.MustCompile(`([1-9]\d{2}\d?)[-*?]`),
			Years:   uncertainYears,
		},
		{
			Name:    "year",
			Pattern: regexp.MustCompile(year),
			Years:   signedYear,
		},
		{
			Name:    "month-two-digit-year",
			Pattern: regexp.MustCompile(`(?:` + dayDD + `-)?` + monthAbbrev + `-(\d{2})`),
			Years:   twoDigitYears(now),
		},
	}
}

func groupYear(i int) func(Match) []Span {
	return func(m Match) []Span {
		g, _ := m.Group(i)
		y, ok := atoi(g)
		if !ok {
			return nil
		}
		return []Span{Year(y)}
	}
}

func centuryYears(m Match) []Span {
	g, _ := m.Group(1)
	n, ok := atoi(g)
	if !ok {
		return nil
	}
	prefix := n - 1
	if e, present := m.Group(2); present && bce.MatchString(e) {
		prefix = -n
	}
	return []Span{{Start: prefix * 100, End: prefix*100 + 99}}
}

// The era of the second year applies to both ends when the first has none.
func rangeYears(m Match) []Span {
	startText, _ := m.First(1, 3)
	startEra, hasStartEra := m.First(2, 4)
	endText, _ := m.First(5, 7)
	endEra, hasEndEra := m.First(6, 8)
	if !hasStartEra && hasEndEra {
		startEra = endEra
	}
	start, ok := signed(startText, startEra)
	if !ok {
		return nil
	}
	end, ok := signed(endText, endEra)
	if !ok {
		return nil
	}
	return []Span{{Start: start, End: end}}
}

// Three-digit uncertain years name a decade, as in "186-?".
func uncertainYears(m Match) []Span {
	g, _ := m.Group(1)
	n, ok := atoi(g)
	if !ok {
		return nil
	}
	if n < 1000 {
		n *= 10
	}
	return []Span{Year(n)}
}

func signedYear(m Match) []Span {
	text, _ := m.First(1, 3)
	e, _ := m.First(2, 4)
	y, ok := signed(text, e)
	if !ok {
		return nil
	}
	return []Span{Year(y)}
}

func twoDigitYears(now func() time.Time) func(Match) []Span {
	return func(m Match) []Span {
		g, _ := m.Group(1)
		yy, ok := atoi(g)
		if !ok {
			return nil
		}
		if yy < now().Year()%100 {
			return []Span{Year(2000 + yy)}
		}
		return []Span{Year(1900 + yy)}
	}
}

func signed(text, e string) (int, bool) {
	y, ok := atoi(text)
	if !ok {
		return 0, false
	}
	if bce.MatchString(e) {
		return -y, true
	}
	return y, true
}
