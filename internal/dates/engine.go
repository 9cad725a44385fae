// Package dates turns free-text date strings into decade facets.
//
// Each string is first tried as a strict calendar date. Failing that, an ordered
// table of rules is consulted and the first rule whose matches yield at least
// one year supplies every year for that string. A rule that matches but yields
// nothing, such as a backwards range, lets the next rule try. Later rules are deliberately more
// permissive than earlier ones, so their order is significant.
package dates

import (
	"regexp"
	"slices"
	"strconv"
	"time"
)

// Match is one regular expression match handed to a rule's year mapper.
type Match struct {
	groups []string
	ok     []bool
}

// Group returns the text of capture group i and whether it participated.
func (m Match) Group(i int) (string, bool) {
	if i < 0 || i >= len(m.groups) {
		return "", false
	}
	return m.groups[i], m.ok[i]
}

// First returns the first participating group among idx.
func (m Match) First(idx ...int) (string, bool) {
	for _, i := range idx {
		if g, ok := m.Group(i); ok {
			return g, true
		}
	}
	return "", false
}

// Span is an inclusive year range. Start > End means no years.
type Span struct {
	Start int
	End   int
}

// Year is a single-year span.
func Year(y int) Span {
	return Span{Start: y, End: y}
}

// Rule maps matches of Pattern to year spans.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	// Lookahead, when non-zero, names a trailing capture group that must match
	// but is not consumed: the next search resumes where that group begins.
	Lookahead int
	Years     func(m Match) []Span
}

// Engine resolves date strings to decades using an ordered rule table.
type Engine struct {
	rules []Rule
}

// New builds an Engine over rules, consulted in order.
func New(rules ...Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// NewDefault builds an Engine with DefaultRules, using now to resolve two-digit
// years. A nil now means time.Now.
func NewDefault(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return New(DefaultRules(now)...)
}

var defaultEngine = NewDefault(time.Now)

// Decades resolves dates with the default rule table.
func Decades(dates []string) []int {
	return defaultEngine.Decades(dates)
}

// Rules returns a copy of the engine's rule table.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Decades maps every string to its decades and returns them sorted ascending
// without duplicates. Strings that match nothing contribute nothing.
func (e *Engine) Decades(dates []string) []int {
	seen := make(map[int]struct{})
	for _, d := range dates {
		for _, span := range e.spans(d) {
			for dec := Decade(span.Start); span.Start <= span.End && dec <= span.End; dec += 10 {
				seen[dec] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for dec := range seen {
		out = append(out, dec)
	}
	slices.Sort(out)
	return out
}

// Decade floors year to its decade, rounding toward negative infinity.
func Decade(year int) int {
	d := year / 10
	if year%10 != 0 && year < 0 {
		d--
	}
	return d * 10
}

var leadingAlpha = regexp.MustCompile(`^[a-zA-Z ]+`)

func (e *Engine) spans(date string) []Span {
	for _, candidate := range []string{date, leadingAlpha.ReplaceAllString(date, "")} {
		if t, err := time.Parse(time.DateOnly, candidate); err == nil {
			return []Span{Year(t.Year())}
		}
	}
	for _, r := range e.rules {
		if spans := r.apply(date); hasYears(spans) {
			return spans
		}
	}
	return nil
}

func hasYears(spans []Span) bool {
	for _, s := range spans {
		if s.Start <= s.End {
			return true
		}
	}
	return false
}

func (r Rule) apply(s string) []Span {
	var spans []Span
	for pos := 0; pos <= len(s); {
		loc := r.Pattern.FindStringSubmatchIndex(s[pos:])
		if loc == nil {
			break
		}
		spans = append(spans, r.Years(newMatch(s[pos:], loc))...)
		end := loc[1]
		if r.Lookahead > 0 && loc[2*r.Lookahead] >= 0 {
			end = loc[2*r.Lookahead]
		}
		if end <= loc[0] {
			end = loc[0] + 1
		}
		pos += end
	}
	return spans
}

func newMatch(s string, loc []int) Match {
	n := len(loc) / 2
	m := Match{groups: make([]string, n), ok: make([]bool, n)}
	for i := 0; i < n; i++ {
		if loc[2*i] >= 0 {
			m.groups[i] = s[loc[2*i]:loc[2*i+1]]
			m.ok[i] = true
		}
	}
	return m
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}
