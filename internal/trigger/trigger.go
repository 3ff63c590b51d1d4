// Package trigger parses extended cron expressions and computes fire times.
//
// An expression has six or seven whitespace-separated fields:
//
//	second minute hour day-of-month month day-of-week [year]
//
// The six classic fields are parsed by robfig/cron; the optional year field
// accepts the same grammar (values, lists, ranges, steps) over 1-9999.
// When both day-of-month and day-of-week are restricted a day matches if
// either one does.
package trigger

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"supertask/internal/errors"
)

// DefaultHorizonYears bounds how far Next and Prev search before giving up.
const DefaultHorizonYears = 8

var classicParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger is a parsed expression. It is immutable and safe for concurrent use.
type Trigger struct {
	fields  []string
	spec    *cron.SpecSchedule
	years   yearSet
	domStar bool
	dowStar bool
	loc     *time.Location
	horizon int
}

// Option customizes Parse.
type Option func(*Trigger)

// WithLocation evaluates the fields in loc. The default is UTC.
func WithLocation(loc *time.Location) Option {
	return func(t *Trigger) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithHorizon caps the search window to the given number of years.
func WithHorizon(years int) Option {
	return func(t *Trigger) {
		if years > 0 {
			t.horizon = years
		}
	}
}

// Parse validates expr and returns its trigger. Errors wrap ErrInvalidTriggerSyntax.
func Parse(expr string, opts ...Option) (*Trigger, error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 && len(fields) != 7 {
		return nil, errors.Wrapf(errors.ErrInvalidTriggerSyntax, "%q: expected 6 or 7 fields, found %d", expr, len(fields))
	}
	if strings.HasPrefix(fields[0], "@") || strings.Contains(fields[0], "TZ=") {
		return nil, errors.Wrapf(errors.ErrInvalidTriggerSyntax, "%q: descriptors and inline time zones are not supported", expr)
	}

	sched, err := classicParser.Parse(strings.Join(fields[:6], " "))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidTriggerSyntax, "%q: %v", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, errors.Wrapf(errors.ErrInvalidTriggerSyntax, "%q: unexpected schedule type %T", expr, sched)
	}

	years := yearSet{all: true}
	if len(fields) == 7 {
		years, err = parseYears(fields[6])
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidTriggerSyntax, "%q: year field: %v", expr, err)
		}
	}

	t := &Trigger{
		fields:  fields,
		spec:    spec,
		years:   years,
		domStar: isStar(fields[3]),
		dowStar: isStar(fields[5]),
		loc:     time.UTC,
		horizon: DefaultHorizonYears,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// MustParse is Parse for expressions known to be valid. It panics otherwise.
func MustParse(expr string, opts ...Option) *Trigger {
	t, err := Parse(expr, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// String returns the expression with normalized whitespace.
func (t *Trigger) String() string {
	return strings.Join(t.fields, " ")
}

// matches reports whether the whole second containing ts satisfies every field.
func (t *Trigger) matches(ts time.Time) bool {
	ts = ts.In(t.loc)
	return t.years.contains(ts.Year()) &&
		has(t.spec.Month, int(ts.Month())) &&
		t.dayMatches(ts) &&
		has(t.spec.Hour, ts.Hour()) &&
		has(t.spec.Minute, ts.Minute()) &&
		has(t.spec.Second, ts.Second())
}

// Next returns the smallest whole-second instant strictly after ref that the
// trigger fires at, in UTC. It returns the zero time and a nil error when a
// fixed year range has been exceeded, and an error wrapping
// ErrTriggerExhausted when the horizon passes without a match.
func (t *Trigger) Next(ref time.Time) (time.Time, error) {
	loc := t.loc
	cur := ref.In(loc).Truncate(time.Second).Add(time.Second)
	limit := cur.AddDate(t.horizon, 0, 0)

	for !cur.After(limit) {
		y, m, d := cur.Date()
		switch {
		case !t.years.contains(y):
			ny, ok := t.years.next(y)
			if !ok {
				return time.Time{}, nil
			}
			cur = forward(cur, time.Date(ny, time.January, 1, 0, 0, 0, 0, loc))
		case !has(t.spec.Month, int(m)):
			cur = forward(cur, time.Date(y, m+1, 1, 0, 0, 0, 0, loc))
		case !t.dayMatches(cur):
			cur = forward(cur, time.Date(y, m, d+1, 0, 0, 0, 0, loc))
		case !has(t.spec.Hour, cur.Hour()):
			cur = forward(cur, time.Date(y, m, d, cur.Hour()+1, 0, 0, 0, loc))
		case !has(t.spec.Minute, cur.Minute()):
			cur = forward(cur, time.Date(y, m, d, cur.Hour(), cur.Minute()+1, 0, 0, loc))
		case !has(t.spec.Second, cur.Second()):
			cur = cur.Add(time.Second)
		default:
			return cur.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(errors.ErrTriggerExhausted, "%q: no occurrence within %d years after %s",
		t.String(), t.horizon, ref.UTC().Format(time.RFC3339))
}

// Prev returns the largest whole-second instant strictly before ref that the
// trigger fires at. The zero time means no earlier occurrence exists.
func (t *Trigger) Prev(ref time.Time) (time.Time, error) {
	loc := t.loc
	cur := ref.In(loc)
	if floor := cur.Truncate(time.Second); floor.Equal(cur) {
		cur = floor.Add(-time.Second)
	} else {
		cur = floor
	}
	limit := cur.AddDate(-t.horizon, 0, 0)

	for !cur.Before(limit) {
		y, m, d := cur.Date()
		switch {
		case !t.years.contains(y):
			py, ok := t.years.prev(y)
			if !ok {
				return time.Time{}, nil
			}
			cur = backward(cur, time.Date(py+1, time.January, 1, 0, 0, 0, 0, loc).Add(-time.Second))
		case !has(t.spec.Month, int(m)):
			cur = backward(cur, time.Date(y, m, 1, 0, 0, 0, 0, loc).Add(-time.Second))
		case !t.dayMatches(cur):
			cur = backward(cur, time.Date(y, m, d, 0, 0, 0, 0, loc).Add(-time.Second))
		case !has(t.spec.Hour, cur.Hour()):
			cur = backward(cur, time.Date(y, m, d, cur.Hour(), 0, 0, 0, loc).Add(-time.Second))
		case !has(t.spec.Minute, cur.Minute()):
			cur = backward(cur, time.Date(y, m, d, cur.Hour(), cur.Minute(), 0, 0, loc).Add(-time.Second))
		case !has(t.spec.Second, cur.Second()):
			cur = cur.Add(-time.Second)
		default:
			return cur.UTC(), nil
		}
	}
	return time.Time{}, errors.Wrapf(errors.ErrTriggerExhausted, "%q: no occurrence within %d years before %s",
		t.String(), t.horizon, ref.UTC().Format(time.RFC3339))
}

func (t *Trigger) dayMatches(ts time.Time) bool {
	dom := has(t.spec.Dom, ts.Day())
	dow := has(t.spec.Dow, int(ts.Weekday()))
	if t.domStar || t.dowStar {
		return dom && dow
	}
	return dom || dow
}

func has(bits uint64, v int) bool {
	return bits&(1<<uint(v)) != 0
}

func isStar(field string) bool {
	return field == "*" || field == "?" || field == "*/1"
}

// forward and backward guard against wall-clock jumps (DST) that would make
// a computed candidate land on or behind the current position.
func forward(cur, next time.Time) time.Time {
	if !next.After(cur) {
		return cur.Add(time.Second)
	}
	return next
}

func backward(cur, prev time.Time) time.Time {
	if !prev.Before(cur) {
		return cur.Add(-time.Second)
	}
	return prev
}
