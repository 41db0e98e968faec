// Package rangeutil parses dashboard time ranges and derives query intervals
// from them.
package rangeutil

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidInterval is returned for interval strings that cannot be parsed.
var ErrInvalidInterval = errors.New("invalid interval string, expected a number with one of the units y, M, w, d, h, m, s, ms")

const (
	msPerSecond = 1000
	msPerMinute = 60 * msPerSecond
	msPerHour   = 60 * msPerMinute
	msPerDay    = 24 * msPerHour
	msPerWeek   = 7 * msPerDay
	msPerMonth  = 30 * msPerDay
	msPerYear   = 365 * msPerDay
)

var unitMs = map[string]int64{
	"y":  msPerYear,
	"M":  msPerMonth,
	"w":  msPerWeek,
	"d":  msPerDay,
	"h":  msPerHour,
	"m":  msPerMinute,
	"s":  msPerSecond,
	"ms": 1,
}

var intervalPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|[yMwdhms])?$`)

// IntervalValues is the result of CalculateInterval.
type IntervalValues struct {
	Interval   string `json:"interval"`
	IntervalMs int64  `json:"intervalMs"`
}

// IntervalToMs converts an interval such as "10s", "1.5h" or ">30s" to
// milliseconds. A unit-less number is read as seconds.
func IntervalToMs(s string) (int64, error) {
	str := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), ">"))
	m := intervalPattern.FindStringSubmatch(str)
	if m == nil {
		return 0, errors.Wrapf(ErrInvalidInterval, "%q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidInterval, "%q", s)
	}
	unit := m[2]
	if unit == "" {
		unit = "s"
	}
	return int64(math.Round(n * float64(unitMs[unit]))), nil
}

// roundSteps maps an upper bound (exclusive, in ms) to the interval chosen
// for raw intervals below it.
var roundSteps = []struct {
	below, interval int64
}{
	{10, 1},
	{15, 10},
	{35, 20},
	{75, 50},
	{150, 100},
	{350, 200},
	{750, 500},
	{1500, 1000},
	{3500, 2000},
	{7500, 5000},
	{12500, 10000},
	{17500, 15000},
	{25000, 20000},
	{45000, 30000},
	{90000, 60000},
	{210000, 120000},
	{450000, 300000},
	{750000, 600000},
	{1050000, 900000},
	{1500000, 1200000},
	{2700000, 1800000},
	{5400000, 3600000},
	{9000000, 7200000},
	{16200000, 10800000},
	{32400000, 21600000},
	{86400000, 43200000},
	{604800000, 86400000},
	{1814400000, 604800000},
	{3628800000, 2592000000},
}

// RoundInterval snaps a raw interval in milliseconds to a human friendly step.
func RoundInterval(ms float64) int64 {
	for _, step := range roundSteps {
		if ms < float64(step.below) {
			return step.interval
		}
	}
	return msPerYear
}

// SecondsToHms formats seconds using the largest whole unit, e.g. 90 -> "1m".
func SecondsToHms(seconds float64) string {
	s := int64(math.Floor(seconds))
	if years := s / 31536000; years > 0 {
		return strconv.FormatInt(years, 10) + "y"
	}
	if days := (s % 31536000) / 86400; days > 0 {
		return strconv.FormatInt(days, 10) + "d"
	}
	if hours := (s % 86400) / 3600; hours > 0 {
		return strconv.FormatInt(hours, 10) + "h"
	}
	if minutes := (s % 3600) / 60; minutes > 0 {
		return strconv.FormatInt(minutes, 10) + "m"
	}
	if secs := s % 60; secs > 0 {
		return strconv.FormatInt(secs, 10) + "s"
	}
	if ms := int64(math.Floor(seconds * 1000)); ms > 0 {
		return strconv.FormatInt(ms, 10) + "ms"
	}
	return "less than a millisecond"
}

// CalculateInterval derives the query interval for tr so that roughly
// maxDataPoints points cover the range. lowLimit, when not empty, is the
// smallest interval allowed. A non-positive maxDataPoints falls back to 1000.
func CalculateInterval(tr TimeRange, maxDataPoints int, lowLimit string) (IntervalValues, error) {
	lowLimitMs := int64(1)
	if lowLimit != "" {
		ms, err := IntervalToMs(lowLimit)
		if err != nil {
			return IntervalValues{}, err
		}
		lowLimitMs = ms
	}
	if maxDataPoints <= 0 {
		maxDataPoints = 1000
	}

	intervalMs := RoundInterval(float64(tr.Span().Milliseconds()) / float64(maxDataPoints))
	if lowLimitMs > intervalMs {
		intervalMs = lowLimitMs
	}
	return IntervalValues{
		Interval:   SecondsToHms(float64(intervalMs) / 1000),
		IntervalMs: intervalMs,
	}, nil
}
