// Package period implements the inclusive date ranges accepted by the command line tools.
package period

import (
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
)

// Layout is the only accepted date format.
const Layout = strfmt.RFC3339FullDate

// ValidationError is returned for invalid dates or ranges.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Range is an inclusive range of calendar days.
type Range struct {
	From strfmt.Date
	To   strfmt.Date
}

// String returns "from_to", used to name output files.
func (r Range) String() string {
	return r.From.String() + "_" + r.To.String()
}

// Days returns the number of days in the range.
func (r Range) Days() int {
	return int(time.Time(r.To).Sub(time.Time(r.From)).Hours()/24) + 1
}

// EndExclusive returns the day after To.
//
// Both APIs interpret the end date as exclusive: a range is sent as
// [From, EndExclusive()).
func (r Range) EndExclusive() strfmt.Date {
	return strfmt.Date(time.Time(r.To).AddDate(0, 0, 1))
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(field, s string) (strfmt.Date, error) {
	var d strfmt.Date
	if s == "" {
		return d, &ValidationError{Field: field, Reason: "missing date"}
	}
	if !strfmt.IsDate(s) {
		return d, &ValidationError{Field: field, Value: s, Reason: "format must be YYYY-MM-DD"}
	}
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return d, &ValidationError{Field: field, Value: s, Reason: err.Error()}
	}
	return d, nil
}

// Parse validates the user input and returns the range.
//
// Today is the current day in the caller time zone: neither date can be in the future.
func Parse(from, to string, today time.Time) (Range, error) {
	if from == "" && to == "" {
		return Range{}, &ValidationError{Field: "range", Reason: "both a from date and a to date are required"}
	}
	f, err := ParseDate("from date", from)
	if err != nil {
		return Range{}, err
	}
	t, err := ParseDate("to date", to)
	if err != nil {
		return Range{}, err
	}

	r := Range{From: f, To: t}
	ft, tt := time.Time(f), time.Time(t)
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)

	switch {
	case ft.After(tt):
		return r, &ValidationError{Field: "range", Value: r.String(), Reason: "the from date cannot be after the to date"}
	case ft.After(day):
		return r, &ValidationError{Field: "from date", Value: from, Reason: "cannot be after today"}
	case tt.After(day):
		return r, &ValidationError{Field: "to date", Value: to, Reason: "cannot be after today"}
	}
	return r, nil
}

// Check returns a ValidationError if the range is longer than maxDays.
func (r Range) Check(maxDays int) error {
	if r.Days() > maxDays {
		return &ValidationError{Field: "range", Value: r.String(), Reason: fmt.Sprintf("more than %d days, reduce the number of days in the period", maxDays)}
	}
	return nil
}
