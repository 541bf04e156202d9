// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cron parses standard 5-field cron expressions and computes
// the next matching wall-clock time. Scheduled tasks are authored in
// the operator's local timezone, so Next evaluates in the location of
// the time it is given rather than converting to UTC.
package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule represents a parsed cron expression. Use Parse to create
// one from a string, then call Next to compute the next matching time.
type Schedule struct {
	minutes     bitset64
	hours       bitset64
	daysOfMonth bitset64
	months      bitset64
	daysOfWeek  bitset64

	// Standard cron treats the two day fields as OR when both are
	// restricted, and AND (with the wildcard always matching) when
	// either is written as "*" or "*/N".
	domRestricted bool
	dowRestricted bool

	// expression is the whitespace-normalized source, kept for String.
	expression string
}

// bitset64 uses a uint64 as a compact set of integers 0-63.
type bitset64 uint64

func (b bitset64) has(value int) bool { return b&(1<<uint(value)) != 0 }
func (b *bitset64) set(value int)     { *b |= 1 << uint(value) }

// monthNames and dayNames map the three-letter abbreviations accepted
// in the month and day-of-week fields, matched case-insensitively.
var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Parse parses a standard 5-field cron expression (minute, hour,
// day-of-month, month, day-of-week). Day-of-week accepts 0-7, with
// both 0 and 7 meaning Sunday. Months and weekdays also accept
// three-letter names ("jan", "mon"), case-insensitive, in single
// values and range endpoints. Returns an error if the expression is
// malformed or contains out-of-range values.
func Parse(expression string) (Schedule, error) {
	fields := strings.Fields(expression)
	if len(fields) != 5 {
		return Schedule{}, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], 0, 59, nil)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: minute field: %w", err)
	}
	hours, err := parseField(fields[1], 0, 23, nil)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: hour field: %w", err)
	}
	daysOfMonth, err := parseField(fields[2], 1, 31, nil)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	months, err := parseField(fields[3], 1, 12, monthNames)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: month field: %w", err)
	}
	daysOfWeek, err := parseField(fields[4], 0, 7, dayNames)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron: day-of-week field: %w", err)
	}
	// Fold 7 (Sunday in the POSIX extension) onto 0.
	if daysOfWeek.has(7) {
		daysOfWeek.set(0)
		daysOfWeek &^= 1 << 7
	}

	return Schedule{
		minutes:       minutes,
		hours:         hours,
		daysOfMonth:   daysOfMonth,
		months:        months,
		daysOfWeek:    daysOfWeek,
		domRestricted: !strings.HasPrefix(fields[2], "*"),
		dowRestricted: !strings.HasPrefix(fields[4], "*"),
		expression:    strings.Join(fields, " "),
	}, nil
}

// String returns the expression the schedule was parsed from, with
// whitespace normalized to single spaces. Parsing the result produces
// an identical schedule. The zero Schedule returns "".
func (s Schedule) String() string {
	return s.expression
}

// Next returns the earliest time strictly after t that matches the
// schedule, evaluated in t's location. Pass a local time to get the
// conventional crontab behavior; daylight-saving transitions follow
// the normalization rules of time.Date for that location.
//
// Returns an error if no matching time can be found within 4 years of
// t (prevents infinite loops on impossible schedules like Feb 31).
func (s Schedule) Next(t time.Time) (time.Time, error) {
	location := t.Location()

	// Start from the next minute after t, with seconds/nanos zeroed.
	t = t.Truncate(time.Minute).Add(time.Minute)

	// Search limit: 4 years covers all leap year cycles.
	limit := t.AddDate(4, 0, 0)

	for t.Before(limit) {
		// Advance to a matching month.
		if !s.months.has(int(t.Month())) {
			// Jump to the first day of the next month.
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, location)
			continue
		}

		if !s.dayMatches(t) {
			// Advance to next day.
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, location)
			continue
		}

		// Check hour.
		if !s.hours.has(t.Hour()) {
			// Advance to next hour.
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, location)
			continue
		}

		// Check minute.
		if !s.minutes.has(t.Minute()) {
			t = t.Add(time.Minute)
			continue
		}

		return t, nil
	}

	return time.Time{}, fmt.Errorf("cron: no matching time within 4 years of %s", t.Format(time.RFC3339))
}

// dayMatches reports whether t's day satisfies the day-of-month and
// day-of-week fields. When both fields are restricted, a day matching
// either fires (so "0 0 13 * 5" runs on the 13th and on Fridays).
// Otherwise both must match, which for a wildcard field is always true.
func (s Schedule) dayMatches(t time.Time) bool {
	domMatch := s.daysOfMonth.has(t.Day())
	dowMatch := s.daysOfWeek.has(int(t.Weekday()))
	if s.domRestricted && s.dowRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// parseField parses a single cron field into a bitset. The field may
// contain comma-separated terms, each of which is a wildcard, value,
// range, or stepped range/wildcard. The names map, when non-nil,
// supplies symbolic values for the field ("jan", "fri").
func parseField(field string, minimum, maximum int, names map[string]int) (bitset64, error) {
	var result bitset64
	for _, term := range strings.Split(field, ",") {
		bits, err := parseTerm(term, minimum, maximum, names)
		if err != nil {
			return 0, err
		}
		result |= bits
	}
	if result == 0 {
		return 0, fmt.Errorf("field %q produces empty set", field)
	}
	return result, nil
}

// parseTerm parses a single term: *, */N, V, V-V, V-V/N.
func parseTerm(term string, minimum, maximum int, names map[string]int) (bitset64, error) {
	// Split on "/" for step expressions.
	parts := strings.SplitN(term, "/", 2)
	rangeExpression := parts[0]
	step := 1
	if len(parts) == 2 {
		parsed, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", parts[1], err)
		}
		if parsed <= 0 {
			return 0, fmt.Errorf("step must be positive, got %d", parsed)
		}
		step = parsed
	}

	var rangeStart, rangeEnd int

	if rangeExpression == "*" {
		rangeStart = minimum
		rangeEnd = maximum
	} else if dashIndex := strings.IndexByte(rangeExpression, '-'); dashIndex >= 0 {
		// Range: V-V
		startStr := rangeExpression[:dashIndex]
		endStr := rangeExpression[dashIndex+1:]
		var err error
		rangeStart, err = parseValue(startStr, names)
		if err != nil {
			return 0, fmt.Errorf("invalid range start %q: %w", startStr, err)
		}
		rangeEnd, err = parseValue(endStr, names)
		if err != nil {
			return 0, fmt.Errorf("invalid range end %q: %w", endStr, err)
		}
		if rangeStart > rangeEnd {
			return 0, fmt.Errorf("range start %d > end %d", rangeStart, rangeEnd)
		}
	} else {
		// Single value.
		value, err := parseValue(rangeExpression, names)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q: %w", rangeExpression, err)
		}
		rangeStart = value
		rangeEnd = value
	}

	if rangeStart < minimum || rangeEnd > maximum {
		return 0, fmt.Errorf("value out of range [%d-%d]: got %d-%d", minimum, maximum, rangeStart, rangeEnd)
	}

	var result bitset64
	for value := rangeStart; value <= rangeEnd; value += step {
		result.set(value)
	}
	return result, nil
}

// parseValue resolves a single field value: a symbolic name when the
// field has one, otherwise a decimal integer.
func parseValue(text string, names map[string]int) (int, error) {
	if names != nil {
		if value, ok := names[strings.ToLower(text)]; ok {
			return value, nil
		}
	}
	return strconv.Atoi(text)
}
