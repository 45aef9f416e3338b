// Package schedule parses cron and fixed-interval expressions into next-fire
// functions. Parsing is pure and stateless; the scheduler engine owns all
// state around it.
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes fire times. Next returns the first fire time strictly
// after the given instant, or the zero time when the schedule never fires
// again.
type Schedule interface {
	Next(after time.Time) time.Time
}

// IntervalMode selects how fixed-interval schedules treat drift.
type IntervalMode string

const (
	// IntervalDrift recomputes the next fire relative to the previous run,
	// so slow executions push later fires back. This is the default.
	IntervalDrift IntervalMode = "drift"

	// IntervalAligned keeps fires on a fixed grid counted from the Unix
	// epoch, so slow executions snap back to the original cadence.
	IntervalAligned IntervalMode = "aligned"
)

// ParseIntervalMode converts a configuration string to an IntervalMode.
// The empty string selects IntervalDrift.
func ParseIntervalMode(mode string) (IntervalMode, error) {
	switch mode {
	case "", string(IntervalDrift):
		return IntervalDrift, nil
	case string(IntervalAligned):
		return IntervalAligned, nil
	default:
		return "", scheduleError(ErrValidation, fmt.Sprintf("unknown interval mode %q", mode))
	}
}

const everyPrefix = "@every "

// cronParser accepts the standard five fields plus descriptors such as
// @hourly and @daily. CRON_TZ= prefixes override the location.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// IntervalSchedule fires every Interval, in drift or aligned mode.
type IntervalSchedule struct {
	Interval time.Duration
	Mode     IntervalMode
}

// alignmentEpoch anchors the aligned-mode grid.
var alignmentEpoch = time.Unix(0, 0).UTC()

// Next returns the next fire time strictly after the given instant.
func (s IntervalSchedule) Next(after time.Time) time.Time {
	if s.Interval <= 0 {
		return time.Time{}
	}
	if s.Mode == IntervalAligned {
		steps := after.Sub(alignmentEpoch) / s.Interval
		next := alignmentEpoch.Add(steps * s.Interval)
		for !next.After(after) {
			next = next.Add(s.Interval)
		}
		return next
	}
	return after.Add(s.Interval)
}

// NewInterval builds a fixed-interval schedule.
func NewInterval(interval time.Duration, mode IntervalMode) (IntervalSchedule, error) {
	if interval <= 0 {
		return IntervalSchedule{}, scheduleError(ErrValidation, "interval must be positive")
	}
	if mode == "" {
		mode = IntervalDrift
	}
	if mode != IntervalDrift && mode != IntervalAligned {
		return IntervalSchedule{}, scheduleError(ErrValidation, fmt.Sprintf("unknown interval mode %q", mode))
	}
	return IntervalSchedule{Interval: interval, Mode: mode}, nil
}

// IsInterval reports whether the expression uses the fixed-interval form.
func IsInterval(expression string) bool {
	return strings.HasPrefix(strings.TrimSpace(expression), everyPrefix)
}

// Parse parses a cron expression, descriptor or "@every <duration>" form.
// Interval schedules come back in drift mode; cron fire times are computed
// in loc, defaulting to UTC.
func Parse(expression string, loc *time.Location) (Schedule, error) {
	return Build(expression, loc, IntervalDrift)
}

// Build parses like Parse but applies the given mode to interval schedules.
// The mode has no effect on cron expressions, which are always computed from
// the calendar.
func Build(expression string, loc *time.Location, mode IntervalMode) (Schedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, scheduleError(ErrValidation, "schedule expression is empty")
	}

	if rest, ok := strings.CutPrefix(expression, everyPrefix); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, scheduleError(ErrValidation, fmt.Sprintf("invalid interval %q: %v", rest, err))
		}
		return NewInterval(interval, mode)
	}

	if loc == nil {
		loc = time.UTC
	}

	spec := expression
	if !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		spec = "CRON_TZ=" + loc.String() + " " + spec
	}

	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return nil, scheduleError(ErrValidation, fmt.Sprintf("invalid cron expression %q: %v", expression, err))
	}
	return parsed, nil
}

// Validate reports whether the expression parses.
func Validate(expression string) error {
	_, err := Parse(expression, time.UTC)
	return err
}
