// Package scheduler runs time-triggered work across a fleet of identical
// instances. Each fire window executes on at most one instance: the engine
// computes due schedules locally, but only the instance that wins the
// distributed lock dispatches the work.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chronoq/chronoq/pkg/queue"
	"github.com/chronoq/chronoq/pkg/schedule"
)

// MisfirePolicy decides what happens when a schedule is overdue by more than
// the misfire grace, typically after downtime or a long GC pause.
type MisfirePolicy string

const (
	// MisfireSkip drops overdue fires and waits for the next future one.
	MisfireSkip MisfirePolicy = "skip"
	// MisfireFireOnce collapses any number of overdue fires into a single
	// immediate execution.
	MisfireFireOnce MisfirePolicy = "fire_once"
)

// ParseMisfirePolicy converts a configuration string to a MisfirePolicy.
// The empty string selects MisfireSkip.
func ParseMisfirePolicy(policy string) (MisfirePolicy, error) {
	switch policy {
	case "", string(MisfireSkip):
		return MisfireSkip, nil
	case string(MisfireFireOnce):
		return MisfireFireOnce, nil
	default:
		return "", schedulerError(ErrValidation, fmt.Sprintf("unknown misfire policy %q", policy))
	}
}

// TaskFunc is an inline scheduled task. It runs on the instance that won the
// lock, under the definition's attempt timeout.
type TaskFunc func(ctx context.Context) error

// Definition describes one schedule. Exactly one of Handler (inline
// execution) or Job (template enqueued on fire) must be set.
type Definition struct {
	// Name uniquely identifies the schedule within the engine and keys the
	// distributed lock.
	Name string

	// Expression is a five-field cron expression, a descriptor such as
	// @daily, or "@every <duration>".
	Expression string

	// Timezone is the IANA location cron fire times are computed in.
	// Defaults to UTC. Interval schedules ignore it.
	Timezone string

	// Disabled registers the schedule without ticking it; Resume enables.
	Disabled bool

	// LockTTL bounds the distributed lock lease. Required; must exceed the
	// expected execution time. The engine renews the lease under long
	// inline tasks.
	LockTTL time.Duration

	// IntervalMode selects drift (completion-relative, the default) or
	// aligned (epoch-grid, self-correcting) fires. Interval schedules only.
	IntervalMode schedule.IntervalMode

	// MisfirePolicy defaults to skip.
	MisfirePolicy MisfirePolicy

	// MisfireGrace is how far overdue a fire may be before the misfire
	// policy applies. Defaults to the engine's MisfireGrace.
	MisfireGrace time.Duration

	// AttemptTimeout bounds one inline handler execution. Defaults to the
	// engine's AttemptTimeout. Ignored for job dispatch.
	AttemptTimeout time.Duration

	// Handler runs inline on the winning instance.
	Handler TaskFunc

	// Job is enqueued on the winning instance. The template is cloned per
	// fire; ID, CreatedAt and NotBefore are stamped at dispatch.
	Job *queue.Job
}

func (d *Definition) normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.Expression = strings.TrimSpace(d.Expression)
	d.Timezone = strings.TrimSpace(d.Timezone)
	if d.IntervalMode == "" {
		d.IntervalMode = schedule.IntervalDrift
	}
	if d.MisfirePolicy == "" {
		d.MisfirePolicy = MisfireSkip
	}
}

// Validate verifies the definition before it enters the registry. Errors
// here fail registration, before the engine starts ticking.
func (d *Definition) Validate() error {
	if d == nil {
		return schedulerError(ErrValidation, "definition is nil")
	}
	d.normalize()

	if d.Name == "" {
		return schedulerError(ErrValidation, "schedule name is required")
	}
	if d.Expression == "" {
		return schedulerError(ErrValidation, "schedule expression is required")
	}
	if d.LockTTL <= 0 {
		return schedulerError(ErrValidation, "schedule lock TTL must be > 0")
	}
	if d.MisfireGrace < 0 {
		return schedulerError(ErrValidation, "schedule misfire grace must be >= 0")
	}
	if d.AttemptTimeout < 0 {
		return schedulerError(ErrValidation, "schedule attempt timeout must be >= 0")
	}
	if _, err := ParseMisfirePolicy(string(d.MisfirePolicy)); err != nil {
		return err
	}

	if d.Handler == nil && d.Job == nil {
		return schedulerError(ErrValidation, "schedule needs a handler or a job template")
	}
	if d.Handler != nil && d.Job != nil {
		return schedulerError(ErrValidation, "schedule cannot have both a handler and a job template")
	}
	if d.Job != nil {
		if err := d.Job.Validate(); err != nil {
			return err
		}
	}

	if _, err := d.compile(); err != nil {
		return err
	}
	return nil
}

// compile resolves the timezone and parses the expression into a next-fire
// function.
func (d *Definition) compile() (schedule.Schedule, error) {
	loc := time.UTC
	if d.Timezone != "" {
		parsed, err := time.LoadLocation(d.Timezone)
		if err != nil {
			return nil, schedulerError(ErrValidation, fmt.Sprintf("invalid timezone %q: %v", d.Timezone, err))
		}
		loc = parsed
	}
	return schedule.Build(d.Expression, loc, d.IntervalMode)
}

func (d *Definition) clone() *Definition {
	copied := *d
	if d.Job != nil {
		jobCopy := *d.Job
		copied.Job = &jobCopy
	}
	return &copied
}
