package whitelist

import (
	"fmt"
	"time"
)

// Schedule decides when a freshly authorized entry expires. Entries do not
// live for a fixed duration; they expire at a daily UTC cutoff that is at
// least Days calendar days after authorization.
type Schedule struct {
	Days   int
	Hour   int
	Minute int
}

// Validate reports whether the schedule fields are in range.
func (s Schedule) Validate() error {
	if s.Days < 0 {
		return fmt.Errorf("days must be >= 0, got %d", s.Days)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour must be between 0 and 23, got %d", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute must be between 0 and 59, got %d", s.Minute)
	}
	return nil
}

// Next returns the expiry for an entry authorized at now: the first
// Hour:Minute:00 UTC on or after now+Days. A now+Days that falls exactly on
// the cutoff keeps that day.
func (s Schedule) Next(now time.Time) time.Time {
	target := now.UTC().AddDate(0, 0, s.Days)
	cutoff := time.Date(target.Year(), target.Month(), target.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
	if target.After(cutoff) {
		cutoff = cutoff.AddDate(0, 0, 1)
	}
	return cutoff
}

func (s Schedule) String() string {
	return fmt.Sprintf("+%dd at %02d:%02d UTC", s.Days, s.Hour, s.Minute)
}
