// Package cron implements the 5-field cron expression parser and calendar
// evaluator that drives the scheduler's fire decisions. It is a
// from-scratch implementation rather than a wrapper over a third-party cron
// library: see DESIGN.md for why.
package cron

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/cronkeeper/pkg/cronkeeper/errs"
)

// field describes the legal bounds of one of the five cron fields.
type field struct {
	name     string
	min, max int
}

var (
	minuteField  = field{"minute", 0, 59}
	hourField    = field{"hour", 0, 23}
	dayField     = field{"day", 1, 31}
	monthField   = field{"month", 1, 12}
	weekdayField = field{"weekday", 0, 6}
)

// Expression is an immutable, parsed 5-field cron expression. Its zero
// value is not valid; build one with Parse.
type Expression struct {
	text string // normalized original text, whitespace-collapsed

	minute  []int
	hour    []int
	day     []int
	month   []int
	weekday []int
}

// Parse parses a 5-field cron string (minute hour day month weekday) into
// an Expression. It fails with an *errs.Error of kind
// errs.InvalidCronExpression for any field-count, range, or syntax
// violation described in parseToken's grammar.
func Parse(text string) (*Expression, error) {
	fields := strings.Fields(text)
	if len(fields) != 5 {
		return nil, errs.New(errs.InvalidCronExpression,
			fmt.Sprintf("expected 5 fields, got %d in %q", len(fields), text))
	}

	minute, err := parseField(fields[0], minuteField)
	if err != nil {
		return nil, err
	}
	hour, err := parseField(fields[1], hourField)
	if err != nil {
		return nil, err
	}
	day, err := parseField(fields[2], dayField)
	if err != nil {
		return nil, err
	}
	month, err := parseField(fields[3], monthField)
	if err != nil {
		return nil, err
	}
	weekday, err := parseField(fields[4], weekdayField)
	if err != nil {
		return nil, err
	}

	return &Expression{
		text:    strings.Join(fields, " "),
		minute:  minute,
		hour:    hour,
		day:     day,
		month:   month,
		weekday: weekday,
	}, nil
}

// String returns the normalized original text the expression was parsed
// from (whitespace runs collapsed to single spaces, leading/trailing
// whitespace trimmed). parse(e).String() == e modulo whitespace.
func (e *Expression) String() string { return e.text }

// Matches reports whether t's local wall-clock minute, hour, day, month,
// and weekday (Sunday = 0, matching time.Weekday) all lie in the
// expression's allowed sets.
func (e *Expression) Matches(t time.Time) bool {
	return containsInt(e.minute, t.Minute()) &&
		containsInt(e.hour, t.Hour()) &&
		containsInt(e.day, t.Day()) &&
		containsInt(e.month, int(t.Month())) &&
		containsInt(e.weekday, int(t.Weekday()))
}

// maxIterationMinutes bounds NextAfter's minute-by-minute search to one
// leap year of minutes. Expressions that fire at least once in every
// 366-day span always find a match within it; expressions that fire more
// rarely (e.g. only on 29 February) or never (e.g. 30 February) can
// exceed it.
const maxIterationMinutes = 366 * 24 * 60

// NextAfter returns the earliest minute-aligned instant strictly greater
// than t at which Matches is true. t need not itself be minute-aligned;
// the search begins at the minute following t's containing minute.
//
// Fails with errs.CronCalculationError if no match is found within one
// year of minutes — for an expression whose allowed day-of-month/weekday/
// month combination never occurs on the calendar (e.g. day=31 in a month
// set containing only February), or whose next match lies more than a
// year away (e.g. 29 February seen from early in a non-leap cycle).
func (e *Expression) NextAfter(t time.Time) (time.Time, error) {
	candidate := floorToMinute(t).Add(time.Minute)
	for i := 0; i < maxIterationMinutes; i++ {
		if e.Matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, errs.New(errs.CronCalculationError,
		fmt.Sprintf("no match for %q within %d minutes of %s", e.text, maxIterationMinutes, t))
}

// MinInterval returns the minimum observed gap between two consecutive
// fires of e, sampled from several anchors spread across a year so that
// weekly and monthly cadences are represented. It is used only for the
// Registry's poll-interval frequency warning and is not exact for every
// expression; it is a conservative sampling estimate.
func (e *Expression) MinInterval() time.Duration {
	anchors := sampleAnchors()

	best := time.Duration(0)
	for _, anchor := range anchors {
		first, err := e.NextAfter(anchor)
		if err != nil {
			continue
		}
		second, err := e.NextAfter(first)
		if err != nil {
			continue
		}
		gap := second.Sub(first)
		if best == 0 || gap < best {
			best = gap
		}
	}
	return best
}

// sampleAnchors returns a handful of fixed starting instants spread across
// a representative year, so that MinInterval's sampling sees every
// weekday and every month at least once regardless of when it is called.
func sampleAnchors() []time.Time {
	const year = 2024 // a leap year, so day=29 February expressions are exercised too
	var anchors []time.Time
	for month := 1; month <= 12; month++ {
		anchors = append(anchors,
			time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC),
			time.Date(year, time.Month(month), 15, 12, 0, 0, 0, time.UTC),
		)
	}
	return anchors
}

func floorToMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func containsInt(set []int, v int) bool {
	i := sort.SearchInts(set, v)
	return i < len(set) && set[i] == v
}

// parseField parses one comma-separated cron field into a deduplicated,
// ascending slice of allowed integer values.
func parseField(raw string, f field) ([]int, error) {
	tokens := strings.Split(raw, ",")
	seen := make(map[int]struct{})

	for _, tok := range tokens {
		if tok == "" {
			return nil, errs.New(errs.InvalidCronExpression,
				fmt.Sprintf("%s field %q has an empty token", f.name, raw))
		}
		values, err := parseToken(tok, f)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			seen[v] = struct{}{}
		}
	}

	result := make([]int, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	sort.Ints(result)
	return result, nil
}

// parseToken parses one token of a cron field per the grammar:
//
//	token  := '*' | number | number '-' number | range '/' step | '*' '/' step
//	range  := number | number '-' number
//	step   := number      ; > 0
func parseToken(tok string, f field) ([]int, error) {
	base, step, hasStep, err := splitStep(tok, f)
	if err != nil {
		return nil, err
	}

	start, end, err := parseRange(base, f)
	if err != nil {
		return nil, err
	}

	if !hasStep {
		return expandRange(start, end), nil
	}

	// A stepped singleton or wildcard samples through to the field's max,
	// matching conventional cron semantics for "x/s" and "*/s".
	if !strings.Contains(base, "-") {
		end = f.max
	}

	var values []int
	for v := start; v <= end; v += step {
		values = append(values, v)
	}
	return values, nil
}

func splitStep(tok string, f field) (base string, step int, hasStep bool, err error) {
	parts := strings.Split(tok, "/")
	switch len(parts) {
	case 1:
		return parts[0], 0, false, nil
	case 2:
		step, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			return "", 0, false, errs.New(errs.InvalidCronExpression,
				fmt.Sprintf("%s field: malformed step in %q", f.name, tok))
		}
		if step <= 0 {
			return "", 0, false, errs.New(errs.InvalidCronExpression,
				fmt.Sprintf("%s field: step must be > 0 in %q", f.name, tok))
		}
		return parts[0], step, true, nil
	default:
		return "", 0, false, errs.New(errs.InvalidCronExpression,
			fmt.Sprintf("%s field: malformed token %q", f.name, tok))
	}
}

func parseRange(base string, f field) (start, end int, err error) {
	if base == "*" {
		return f.min, f.max, nil
	}

	bounds := strings.Split(base, "-")
	switch len(bounds) {
	case 1:
		v, convErr := parseBoundedInt(bounds[0], f)
		if convErr != nil {
			return 0, 0, convErr
		}
		return v, v, nil
	case 2:
		a, convErr := parseBoundedInt(bounds[0], f)
		if convErr != nil {
			return 0, 0, convErr
		}
		b, convErr := parseBoundedInt(bounds[1], f)
		if convErr != nil {
			return 0, 0, convErr
		}
		if a > b {
			return 0, 0, errs.New(errs.InvalidCronExpression,
				fmt.Sprintf("%s field: inverted range %q", f.name, base))
		}
		return a, b, nil
	default:
		return 0, 0, errs.New(errs.InvalidCronExpression,
			fmt.Sprintf("%s field: malformed range %q", f.name, base))
	}
}

func parseBoundedInt(s string, f field) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errs.New(errs.InvalidCronExpression,
			fmt.Sprintf("%s field: %q is not a number", f.name, s))
	}
	if v < f.min || v > f.max {
		return 0, errs.New(errs.InvalidCronExpression,
			fmt.Sprintf("%s field: %d out of range [%d,%d]", f.name, v, f.min, f.max))
	}
	return v, nil
}

func expandRange(start, end int) []int {
	values := make([]int, 0, end-start+1)
	for v := start; v <= end; v++ {
		values = append(values, v)
	}
	return values
}
