package cron

import (
	"testing"
	"time"
)

func TestNextRunAt(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)

	job := &CronJob{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindAt, AtMs: future.UnixMilli()},
	}

	next, err := NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime failed: %v", err)
	}
	if next == nil || next.UnixMilli() != future.UnixMilli() {
		t.Errorf("expected %v, got %v", future, next)
	}

	// A past "at" that already ran never fires again.
	past := now.Add(-time.Hour).UnixMilli()
	ranMs := now.Add(-30 * time.Minute).UnixMilli()
	job = &CronJob{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindAt, AtMs: past},
		State:    JobState{LastRunAtMs: &ranMs},
	}
	next, err = NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime failed: %v", err)
	}
	if next != nil {
		t.Errorf("executed one-shot must not reschedule, got %v", next)
	}

	// A past "at" that never ran fires immediately.
	job.State.LastRunAtMs = nil
	next, _ = NextRunTime(job, now)
	if next == nil {
		t.Error("missed one-shot should still fire")
	}
}

func TestNextRunEvery(t *testing.T) {
	now := time.Now()

	job := &CronJob{
		Enabled:     true,
		CreatedAtMs: now.UnixMilli(),
		Schedule:    Schedule{Kind: ScheduleKindEvery, EveryMs: 60_000},
	}

	next, err := NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime failed: %v", err)
	}
	want := now.Add(time.Minute).UnixMilli()
	if next == nil || next.UnixMilli() != want {
		t.Errorf("expected created+interval, got %v", next)
	}

	// After a run, the next slot is lastRun+interval, skipping missed slots.
	lastMs := now.Add(-5 * time.Minute).UnixMilli()
	job.State.LastRunAtMs = &lastMs
	next, _ = NextRunTime(job, now)
	if next == nil || !next.After(now) {
		t.Errorf("catch-up must land in the future, got %v", next)
	}
}

func TestNextRunDisabled(t *testing.T) {
	job := &CronJob{
		Enabled:  false,
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 1000},
	}
	next, err := NextRunTime(job, time.Now())
	if err != nil || next != nil {
		t.Errorf("disabled job must not schedule: %v %v", next, err)
	}
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	job := &CronJob{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindCron, Expr: "0 12 * * *", Tz: "UTC"},
	}

	next, err := NextRunTime(job, now)
	if err != nil {
		t.Fatalf("NextRunTime failed: %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestValidateSchedule(t *testing.T) {
	cases := []struct {
		name    string
		s       Schedule
		wantErr bool
	}{
		{"valid at", Schedule{Kind: ScheduleKindAt, AtMs: 1}, false},
		{"at without time", Schedule{Kind: ScheduleKindAt}, true},
		{"valid every", Schedule{Kind: ScheduleKindEvery, EveryMs: 1000}, false},
		{"every zero", Schedule{Kind: ScheduleKindEvery}, true},
		{"valid cron", Schedule{Kind: ScheduleKindCron, Expr: "*/5 * * * *"}, false},
		{"bad cron expr", Schedule{Kind: ScheduleKindCron, Expr: "not a cron"}, true},
		{"bad tz", Schedule{Kind: ScheduleKindCron, Expr: "* * * * *", Tz: "Mars/Olympus"}, true},
		{"unknown kind", Schedule{Kind: "hourly"}, true},
	}
	for _, tc := range cases {
		err := ValidateSchedule(tc.s)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
