// Package timeutil provides pure calendar helpers for timezone-aware
// birthday detection. All functions take the reference instant explicitly so
// callers (and tests) control "now"; none of them keep state.
//
// Timezone identifiers are IANA names resolved with time.LoadLocation, so
// DST transitions are handled by the zone database rather than fixed
// offsets. An unknown identifier is a configuration error surfaced to the
// caller, never silently treated as UTC.
package timeutil

import (
	"fmt"
	"time"
)

// dateLayout matches domain.DateLayout; duplicated here to keep the package
// dependency-free.
const dateLayout = "2006-01-02"

// IsBirthdayToday reports whether the given birthday (a DateLayout calendar
// date; the year is ignored) falls on today's civil date as observed in the
// given timezone at instant now.
func IsBirthdayToday(birthday, tz string, now time.Time) (bool, error) {
	bday, err := time.Parse(dateLayout, birthday)
	if err != nil {
		return false, fmt.Errorf("parse birthday %q: %w", birthday, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	local := now.In(loc)
	return local.Month() == bday.Month() && local.Day() == bday.Day(), nil
}

// LocalHour returns the hour of day (0..23) in the given timezone at
// instant now. Used to gate dispatch until the recipient's local morning.
func LocalHour(tz string, now time.Time) (int, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return now.In(loc).Hour(), nil
}

// LocalDate returns the civil date (DateLayout) in the given timezone at
// instant now. This is the date key under which a birthday message is
// scheduled.
func LocalDate(tz string, now time.Time) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return now.In(loc).Format(dateLayout), nil
}
