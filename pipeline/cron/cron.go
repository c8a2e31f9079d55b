// Package cron parses five-field cron expressions (minute hour day-of-month
// month day-of-week) used to schedule outbox maintenance.
package cron

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression is returned for malformed or out-of-range expressions.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoMatch is returned when no matching minute exists within a year.
	ErrNoMatch = errors.New("cron: no matching time found")
	// ErrNilSchedule is returned by Next on a nil schedule.
	ErrNilSchedule = errors.New("cron schedule is nil")
)

// Schedule computes the next activation strictly after a reference time.
type Schedule interface {
	Next(from time.Time) (time.Time, error)
}

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [5]bounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

var macros = map[string]string{
	"@yearly":  "0 0 1 1 *",
	"@monthly": "0 0 1 * *",
	"@weekly":  "0 0 * * 0",
	"@daily":   "0 0 * * *",
	"@hourly":  "0 * * * *",
}

// set is a bitmask of allowed values; bit n set means value n matches.
type set uint64

func (s set) has(v int) bool { return s&(1<<uint(v)) != 0 }

type expression struct {
	minute, hour, dom, month, dow set
	loc                           *time.Location
}

// Parse parses expr in UTC. The @hourly, @daily, @weekly, @monthly and
// @yearly macros are accepted.
func Parse(expr string) (Schedule, error) {
	return ParseInLocation(expr, time.UTC)
}

// ParseInLocation parses expr and evaluates it in loc.
func ParseInLocation(expr string, loc *time.Location) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expanded, ok := macros[strings.ToLower(expr)]; ok {
		expr = expanded
	}

	fields := strings.Fields(expr)
	if len(fields) != len(fieldBounds) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, len(fieldBounds), len(fields))
	}

	var parsed [5]set

	for i, field := range fields {
		s, err := parseField(field, fieldBounds[i])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldBounds[i].name, err)
		}

		parsed[i] = s
	}

	if loc == nil {
		loc = time.UTC
	}

	return &expression{
		minute: parsed[0],
		hour:   parsed[1],
		dom:    parsed[2],
		month:  parsed[3],
		dow:    parsed[4],
		loc:    loc,
	}, nil
}

// Next returns the first matching minute after from.
func (e *expression) Next(from time.Time) (time.Time, error) {
	if e == nil {
		return time.Time{}, ErrNilSchedule
	}

	t := from.In(e.loc).Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 1)

	for t.Before(limit) {
		switch {
		case !e.month.has(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, e.loc)
		case !e.dom.has(t.Day()) || !e.dow.has(int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, e.loc)
		case !e.hour.has(t.Hour()):
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, e.loc)
		case !e.minute.has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func parseField(field string, b bounds) (set, error) {
	var result set

	for _, part := range strings.Split(field, ",") {
		s, err := parseTerm(part, b)
		if err != nil {
			return 0, err
		}

		result |= s
	}

	if bits.OnesCount64(uint64(result)) == 0 {
		return 0, fmt.Errorf("%w: empty field %q", ErrInvalidExpression, field)
	}

	return result, nil
}

// parseTerm handles "*", "n", "a-b" and any of them followed by "/step".
func parseTerm(term string, b bounds) (set, error) {
	rangePart, stepPart, hasStep := strings.Cut(term, "/")
	step := 1

	if hasStep {
		n, err := strconv.Atoi(stepPart)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepPart)
		}

		step = n
	}

	lo, hi := b.min, b.max

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		loRaw, hiRaw, _ := strings.Cut(rangePart, "-")

		var err error
		if lo, err = atoiInRange(loRaw, b); err != nil {
			return 0, err
		}

		if hi, err = atoiInRange(hiRaw, b); err != nil {
			return 0, err
		}

		if lo > hi {
			return 0, fmt.Errorf("%w: range %d-%d is inverted", ErrInvalidExpression, lo, hi)
		}
	default:
		v, err := atoiInRange(rangePart, b)
		if err != nil {
			return 0, err
		}

		lo = v
		if !hasStep {
			hi = v
		}
	}

	var s set
	for v := lo; v <= hi; v += step {
		s |= 1 << uint(v)
	}

	return s, nil
}

func atoiInRange(raw string, b bounds) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, raw)
	}

	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidExpression, v, b.min, b.max)
	}

	return v, nil
}
