package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// NextRunTime calculates the next run time for a job. A nil time with
// no error means the job will not run again (disabled, or a one-shot
// that already fired).
func NextRunTime(job *CronJob, now time.Time) (*time.Time, error) {
	if !job.Enabled {
		return nil, nil
	}

	switch job.Schedule.Kind {
	case ScheduleKindAt:
		return nextRunAt(job, now), nil
	case ScheduleKindEvery:
		return nextRunEvery(job, now)
	case ScheduleKindCron:
		return nextRunCron(job, now)
	default:
		return nil, fmt.Errorf("unknown schedule kind: %s", job.Schedule.Kind)
	}
}

func nextRunAt(job *CronJob, now time.Time) *time.Time {
	atTime := time.UnixMilli(job.Schedule.AtMs)
	if !atTime.After(now) && job.State.LastRunAtMs != nil {
		return nil // One-shot already executed
	}
	// A past "at" time that never ran fires immediately.
	return &atTime
}

func nextRunEvery(job *CronJob, now time.Time) (*time.Time, error) {
	intervalMs := job.Schedule.EveryMs
	if intervalMs <= 0 {
		return nil, fmt.Errorf("invalid interval: %d", intervalMs)
	}
	interval := time.Duration(intervalMs) * time.Millisecond

	if job.State.LastRunAtMs == nil {
		next := time.UnixMilli(job.CreatedAtMs).Add(interval)
		if next.Before(now) {
			next = now.Add(interval)
		}
		return &next, nil
	}

	next := time.UnixMilli(*job.State.LastRunAtMs).Add(interval)
	for next.Before(now) {
		next = next.Add(interval)
	}
	return &next, nil
}

func nextRunCron(job *CronJob, now time.Time) (*time.Time, error) {
	expr := job.Schedule.Expr
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}

	tz := time.Local
	if job.Schedule.Tz != "" {
		loc, err := time.LoadLocation(job.Schedule.Tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", job.Schedule.Tz, err)
		}
		tz = loc
	}

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	next := schedule.Next(now.In(tz))
	return &next, nil
}

// ValidateSchedule checks a schedule without computing a run time.
func ValidateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleKindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case ScheduleKindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case ScheduleKindCron:
		trial := &CronJob{Enabled: true, Schedule: s}
		if _, err := nextRunCron(trial, time.Now()); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}
