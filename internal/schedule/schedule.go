// Package schedule computes when a repeating fetch runs next.
//
// A policy is either a fixed interval (unit x magnitude) or a cron
// expression in robfig/cron syntax ("*/5 * * * *", "@hourly", "@every 90s").
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Unit is the interval unit of a repeat policy.
type Unit string

const (
	Seconds Unit = "seconds"
	Minutes Unit = "minutes"
	Hours   Unit = "hours"
	Days    Unit = "days"
)

var ErrInvalidSpec = errors.New("invalid schedule")

// Seconds returns the exact second count of one unit, or 0 for an unknown unit.
func (u Unit) Seconds() int64 {
	switch u {
	case Seconds:
		return 1
	case Minutes:
		return 60
	case Hours:
		return 3600
	case Days:
		return 86400
	}
	return 0
}

// ParseUnit accepts the unit names and their singular forms, case-insensitive.
func ParseUnit(raw string) (Unit, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "second", "seconds", "sec", "s":
		return Seconds, nil
	case "minute", "minutes", "min", "m":
		return Minutes, nil
	case "hour", "hours", "h":
		return Hours, nil
	case "day", "days", "d":
		return Days, nil
	}
	return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidSpec, raw)
}

// NextRun returns now + magnitude units. It is pure; an unknown unit or a
// magnitude below 1 yields now unchanged, so callers validate first.
func NextRun(now time.Time, unit Unit, magnitude int64) time.Time {
	if magnitude < 1 {
		return now
	}
	return now.Add(time.Duration(magnitude*unit.Seconds()) * time.Second)
}

// Spec is the schedule policy attached to a fetch definition.
type Spec struct {
	Repeat    bool   `json:"repeat"`
	Unit      Unit   `json:"unit"`
	Magnitude int64  `json:"magnitude"`
	Cron      string `json:"cron,omitempty"`
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks a repeating spec. Non-repeating specs are always valid.
func (s Spec) Validate() error {
	if !s.Repeat {
		return nil
	}
	if expr := strings.TrimSpace(s.Cron); expr != "" {
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("%w: cron %q: %v", ErrInvalidSpec, expr, err)
		}
		return nil
	}
	if s.Unit.Seconds() == 0 {
		return fmt.Errorf("%w: unknown unit %q", ErrInvalidSpec, s.Unit)
	}
	if s.Magnitude < 1 {
		return fmt.Errorf("%w: magnitude must be >= 1, got %d", ErrInvalidSpec, s.Magnitude)
	}
	return nil
}

// Next returns the next run after now. Cron wins over unit x magnitude when set.
func (s Spec) Next(now time.Time) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	if !s.Repeat {
		return time.Time{}, fmt.Errorf("%w: spec does not repeat", ErrInvalidSpec)
	}
	if expr := strings.TrimSpace(s.Cron); expr != "" {
		sched, _ := cronParser.Parse(expr)
		return sched.Next(now), nil
	}
	return NextRun(now, s.Unit, s.Magnitude), nil
}

func (s Spec) String() string {
	if !s.Repeat {
		return "once"
	}
	if expr := strings.TrimSpace(s.Cron); expr != "" {
		return "cron:" + expr
	}
	return fmt.Sprintf("every %d %s", s.Magnitude, s.Unit)
}
