package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// BackupTickInterval is how often the loop polls even if no file
// changes or timers fire.
const BackupTickInterval = 5 * time.Minute

// Dispatcher runs the payload of a fired job through the same agent
// path as a live RPC. The gateway implements this.
type Dispatcher interface {
	RunCronJob(ctx context.Context, job *CronJob) (summary string, err error)
}

// Service manages cron job scheduling and execution.
type Service struct {
	store      *Store
	history    *HistoryManager
	dispatcher Dispatcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	timer            *time.Timer
	backupTicker     *time.Ticker
	watcher          *fsnotify.Watcher
	ignoreWatchUntil time.Time     // debounce our own writes
	rescheduleCh     chan struct{} // recalculate wake time after in-process changes
}

// NewService creates a new cron service.
func NewService(store *Store, dispatcher Dispatcher) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		history:    NewHistoryManager(store.RunsDir()),
	}
}

// Store returns the underlying job store.
func (s *Service) Store() *Store { return s.store }

// History returns the run history manager.
func (s *Service) History() *HistoryManager { return s.history }

// Start begins the cron scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.rescheduleCh = make(chan struct{}, 1) // Buffered so sends don't block
	s.mu.Unlock()

	if err := s.store.Load(); err != nil {
		return fmt.Errorf("failed to load cron jobs: %w", err)
	}

	// Jobs still marked running are orphans from a dead process.
	s.clearOrphanedRunningState()

	// Watch the jobs directory for external edits (fsnotify watches
	// dirs more reliably than files).
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		L_warn("cron: failed to create file watcher, external changes won't be detected", "error", err)
	} else {
		s.watcher = watcher
		jobsDir := filepath.Dir(s.store.Path())
		if err := watcher.Add(jobsDir); err != nil {
			L_warn("cron: failed to watch jobs directory", "dir", jobsDir, "error", err)
		} else {
			L_debug("cron: watching for job file changes", "dir", jobsDir)
		}
	}

	s.backupTicker = time.NewTicker(BackupTickInterval)
	s.initializeNextRuns()

	L_info("cron: service started", "jobs", s.store.EnabledCount(), "backupInterval", BackupTickInterval)

	go s.runLoop(ctx)
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.backupTicker != nil {
		s.backupTicker.Stop()
	}
	L_info("cron: service stopped")
}

// IsRunning reports whether the scheduler loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reschedule signals the loop to recalculate its wake time. Called
// after in-process job adds/updates.
func (s *Service) Reschedule() {
	s.mu.Lock()
	ch := s.rescheduleCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Service) clearOrphanedRunningState() {
	for _, job := range s.store.GetAllJobs() {
		if job.IsRunning() {
			L_warn("cron: clearing orphaned running state", "job", job.ID, "name", job.Name)
			s.store.MutateJob(job.ID, func(j *CronJob) { j.ClearRunning() })
		}
	}
}

func (s *Service) initializeNextRuns() {
	now := time.Now()
	for _, job := range s.store.GetAllJobs() {
		next, err := NextRunTime(job, now)
		if err != nil {
			L_warn("cron: failed to compute next run", "job", job.ID, "error", err)
			continue
		}
		s.store.MutateJob(job.ID, func(j *CronJob) { j.SetNextRun(next) })
	}
	s.markOwnWrite()
}

// markOwnWrite debounces the watcher against our own store writes.
func (s *Service) markOwnWrite() {
	s.mu.Lock()
	s.ignoreWatchUntil = time.Now().Add(2 * time.Second)
	s.mu.Unlock()
}

func (s *Service) shouldIgnoreWatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.ignoreWatchUntil)
}

func (s *Service) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	// Nil when no watcher could be created; a nil channel never fires.
	var watchEvents chan fsnotify.Event
	if s.watcher != nil {
		watchEvents = s.watcher.Events
	}

	for {
		wake := s.nextWake()
		if s.timer == nil {
			s.timer = time.NewTimer(wake)
		} else {
			if !s.timer.Stop() {
				select {
				case <-s.timer.C:
				default:
				}
			}
			s.timer.Reset(wake)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.timer.C:
			s.fireDueJobs(ctx)
		case <-s.backupTicker.C:
			s.fireDueJobs(ctx)
		case <-s.rescheduleCh:
			// Loop around and recompute the wake time.
		case ev := <-watchEvents:
			if filepath.Base(ev.Name) == filepath.Base(s.store.Path()) && !s.shouldIgnoreWatch() {
				L_info("cron: jobs file changed externally, reloading")
				if err := s.store.Load(); err != nil {
					L_warn("cron: reload failed", "error", err)
				} else {
					s.initializeNextRuns()
				}
			}
		}
	}
}

// nextWake returns the duration until the earliest scheduled job, capped
// at the backup interval.
func (s *Service) nextWake() time.Duration {
	now := time.Now()
	wake := BackupTickInterval
	for _, job := range s.store.GetAllJobs() {
		if !job.Enabled || job.State.NextRunAtMs == nil {
			continue
		}
		until := time.UnixMilli(*job.State.NextRunAtMs).Sub(now)
		if until < 0 {
			until = 0
		}
		if until < wake {
			wake = until
		}
	}
	if wake < 10*time.Millisecond {
		wake = 10 * time.Millisecond
	}
	return wake
}

func (s *Service) fireDueJobs(ctx context.Context) {
	for _, job := range s.store.GetDueJobs(time.Now()) {
		go func(id string) {
			if err := s.ExecuteJob(ctx, id); err != nil {
				L_warn("cron: job execution failed", "job", id, "error", err)
			}
		}(job.ID)
	}
}

// ExecuteJob runs a job now, recording started/finished history and
// updating job state. Used by the scheduler and by the cron.run RPC.
func (s *Service) ExecuteJob(ctx context.Context, id string) error {
	job := s.store.GetJob(id)
	if job == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if job.IsRunning() {
		return fmt.Errorf("job %s is already running", id)
	}

	startTime := time.Now()
	if err := s.store.MutateJob(id, func(j *CronJob) { j.SetRunning() }); err != nil {
		return err
	}
	s.markOwnWrite()

	s.history.Append(RunRecord{
		JobID:  id,
		Action: ActionStarted,
		Ts:     startTime.UnixMilli(),
	})
	L_info("cron: job started", "job", id, "name", job.Name)

	summary, runErr := s.dispatcher.RunCronJob(ctx, job)
	duration := time.Since(startTime)

	status := StatusOK
	errStr := ""
	if runErr != nil {
		status = StatusError
		errStr = runErr.Error()
	}

	s.history.Append(RunRecord{
		JobID:   id,
		Action:  ActionFinished,
		Status:  status,
		Ts:      time.Now().UnixMilli(),
		Summary: summary,
		Error:   errStr,
	})

	s.store.MutateJob(id, func(j *CronJob) {
		j.SetLastRun(startTime, duration, status, errStr)
		next, err := NextRunTime(j, time.Now())
		if err != nil {
			L_warn("cron: failed to compute next run", "job", id, "error", err)
			next = nil
		}
		j.SetNextRun(next)
		if j.IsOneShot() {
			j.Enabled = false
		}
	})
	s.markOwnWrite()

	if job.DeleteAfterRun && job.IsOneShot() {
		if err := s.store.DeleteJob(id); err != nil {
			L_warn("cron: failed to delete one-shot job", "job", id, "error", err)
		}
		s.markOwnWrite()
	}

	s.Reschedule()
	L_info("cron: job finished", "job", id, "status", status, "duration", duration)

	if runErr != nil {
		return runErr
	}
	return nil
}
