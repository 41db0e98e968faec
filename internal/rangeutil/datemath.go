package rangeutil

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrInvalidDateMath is returned for time expressions that cannot be parsed.
var ErrInvalidDateMath = errors.New("invalid date math expression")

// RawTimeRange is a time range as typed by a user, e.g. {"now-6h", "now"}.
type RawTimeRange struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// TimeRange is a resolved time range.
type TimeRange struct {
	From time.Time    `json:"from"`
	To   time.Time    `json:"to"`
	Raw  RawTimeRange `json:"raw"`
}

// Span returns To - From.
func (tr TimeRange) Span() time.Duration {
	return tr.To.Sub(tr.From)
}

// ParseTimeRange resolves raw relative to now.
func ParseTimeRange(raw RawTimeRange, now time.Time) (TimeRange, error) {
	from, err := ParseDateMath(raw.From, now, false)
	if err != nil {
		return TimeRange{}, errors.Wrap(err, "from")
	}
	to, err := ParseDateMath(raw.To, now, true)
	if err != nil {
		return TimeRange{}, errors.Wrap(err, "to")
	}
	if to.Before(from) {
		return TimeRange{}, errors.Errorf("time range ends before it starts: %s > %s", raw.From, raw.To)
	}
	return TimeRange{From: from, To: to, Raw: raw}, nil
}

// ParseDateMath parses "now" expressions with optional offsets and rounding
// ("now-6h", "now-1d/d", "now/w"), RFC3339 timestamps and epoch milliseconds.
// With roundUp a rounding suffix moves to the last millisecond of the unit.
func ParseDateMath(expr string, now time.Time, roundUp bool) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return time.Time{}, errors.Wrap(ErrInvalidDateMath, "empty expression")
	}
	if !strings.HasPrefix(expr, "now") {
		if ms, err := strconv.ParseInt(expr, 10, 64); err == nil {
			return time.UnixMilli(ms).In(now.Location()), nil
		}
		t, err := time.Parse(time.RFC3339, expr)
		if err != nil {
			return time.Time{}, errors.Wrapf(ErrInvalidDateMath, "%q", expr)
		}
		return t, nil
	}

	t := now
	rest := expr[len("now"):]
	for len(rest) > 0 {
		op := rest[0]
		rest = rest[1:]
		switch op {
		case '+', '-':
			i := 0
			for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
				i++
			}
			n := 1
			if i > 0 {
				n, _ = strconv.Atoi(rest[:i])
			}
			if i >= len(rest) {
				return time.Time{}, errors.Wrapf(ErrInvalidDateMath, "%q: missing unit", expr)
			}
			unit := rest[i]
			rest = rest[i+1:]
			if op == '-' {
				n = -n
			}
			var err error
			if t, err = addUnit(t, n, unit); err != nil {
				return time.Time{}, errors.Wrapf(err, "%q", expr)
			}
		case '/':
			if len(rest) == 0 {
				return time.Time{}, errors.Wrapf(ErrInvalidDateMath, "%q: missing rounding unit", expr)
			}
			var err error
			if t, err = roundTo(t, rest[0], roundUp); err != nil {
				return time.Time{}, errors.Wrapf(err, "%q", expr)
			}
			rest = rest[1:]
		default:
			return time.Time{}, errors.Wrapf(ErrInvalidDateMath, "%q: unexpected %q", expr, op)
		}
	}
	return t, nil
}

func addUnit(t time.Time, n int, unit byte) (time.Time, error) {
	switch unit {
	case 's':
		return t.Add(time.Duration(n) * time.Second), nil
	case 'm':
		return t.Add(time.Duration(n) * time.Minute), nil
	case 'h':
		return t.Add(time.Duration(n) * time.Hour), nil
	case 'd':
		return t.AddDate(0, 0, n), nil
	case 'w':
		return t.AddDate(0, 0, 7*n), nil
	case 'M':
		return t.AddDate(0, n, 0), nil
	case 'y':
		return t.AddDate(n, 0, 0), nil
	}
	return time.Time{}, errors.Wrapf(ErrInvalidDateMath, "unknown unit %q", unit)
}

func roundTo(t time.Time, unit byte, roundUp bool) (time.Time, error) {
	loc := t.Location()
	var start time.Time
	switch unit {
	case 's':
		start = t.Truncate(time.Second)
	case 'm':
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	case 'h':
		start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
	case 'd':
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	case 'w':
		offset := (int(t.Weekday()) + 6) % 7
		start = time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, loc)
	case 'M':
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	case 'y':
		start = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}, errors.Wrapf(ErrInvalidDateMath, "unknown rounding unit %q", unit)
	}
	if !roundUp {
		return start, nil
	}
	next, err := addUnit(start, 1, unit)
	if err != nil {
		return time.Time{}, err
	}
	return next.Add(-time.Millisecond), nil
}
