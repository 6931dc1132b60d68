package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes when the schedule fires next, measured from after.
// For interval and cron schedules the result is strictly later than
// after; an "at" schedule returns its instant even when it has already
// passed, and the service fires it immediately as catch-up.
func NextRun(s Schedule, after time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleKindAt:
		return nextAt(s)
	case ScheduleKindEvery:
		return nextEvery(s, after)
	case ScheduleKindCron:
		return nextCron(s, after)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
}

func nextAt(s Schedule) (time.Time, error) {
	if s.At == "" {
		return time.Time{}, fmt.Errorf("%q schedule requires an RFC3339 instant in 'at'", ScheduleKindAt)
	}
	t, err := time.Parse(time.RFC3339, s.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t, nil
}

func nextEvery(s Schedule, after time.Time) (time.Time, error) {
	if s.Every == "" {
		return time.Time{}, fmt.Errorf("%q schedule requires a duration in 'every'", ScheduleKindEvery)
	}
	every, err := time.ParseDuration(s.Every)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid interval: %w", err)
	}
	if every <= 0 {
		return time.Time{}, fmt.Errorf("interval must be positive, got %s", every)
	}

	if s.Anchor == "" {
		return after.Add(every), nil
	}

	anchor, err := time.Parse(time.RFC3339, s.Anchor)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid anchor: %w", err)
	}
	if anchor.After(after) {
		return anchor, nil
	}

	// Step to the first aligned instant strictly after the reference.
	periods := int64(after.Sub(anchor)/every) + 1
	return anchor.Add(time.Duration(periods) * every), nil
}

func nextCron(s Schedule, after time.Time) (time.Time, error) {
	if s.Expr == "" {
		return time.Time{}, fmt.Errorf("%q schedule requires a 5-field expression in 'expr'", ScheduleKindCron)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		after = after.In(loc)
	}

	return sched.Next(after), nil
}
