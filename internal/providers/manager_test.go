package providers

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// fakeProvider runs until its ctx is cancelled or exit is closed.
type fakeProvider struct {
	name string
	exit chan error // a value here makes Run return it
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, exit: make(chan error, 1)}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Run(ctx context.Context) error {
	select {
	case err := <-f.exit:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func statusOf(t *testing.T, m *Manager, name string) Status {
	t.Helper()
	for _, s := range m.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("provider %s not in statuses", name)
	return Status{}
}

func waitForState(t *testing.T, m *Manager, name, want string) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := statusOf(t, m, name)
		if s.State == want {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	s := statusOf(t, m, name)
	t.Fatalf("provider %s never reached %s, stuck at %s", name, want, s.State)
	return s
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager()
	if err := m.Register(newFakeProvider("wa")); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := m.Register(newFakeProvider("wa")); err == nil {
		t.Error("duplicate name must be rejected")
	}
}

func TestCleanExitStops(t *testing.T) {
	m := NewManager()
	p := newFakeProvider("wa")
	m.Register(p)
	m.StartAll(context.Background())
	waitForState(t, m, "wa", StatusRunning)

	p.exit <- nil
	s := waitForState(t, m, "wa", StatusStopped)
	if s.Restarts != 0 || s.LastError != "" {
		t.Errorf("clean exit must not look like a crash: %+v", s)
	}
}

func TestCrashEntersBackoff(t *testing.T) {
	m := NewManager()
	p := newFakeProvider("wa")
	m.Register(p)
	m.StartAll(context.Background())
	waitForState(t, m, "wa", StatusRunning)

	p.exit <- fmt.Errorf("connection reset")
	s := waitForState(t, m, "wa", StatusBackoff)
	if s.Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", s.Restarts)
	}
	if s.LastError != "connection reset" {
		t.Errorf("crash reason lost: %q", s.LastError)
	}

	// Shutdown during backoff must not hang.
	m.StopAll()
	if s := statusOf(t, m, "wa"); s.State != StatusStopped {
		t.Errorf("expected stopped after StopAll, got %s", s.State)
	}
}

func TestStopCancelsRun(t *testing.T) {
	m := NewManager()
	m.Register(newFakeProvider("wa"))
	m.StartAll(context.Background())
	waitForState(t, m, "wa", StatusRunning)

	if err := m.Stop("wa"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	waitForState(t, m, "wa", StatusStopped)
}

func TestRestartResetsCounters(t *testing.T) {
	m := NewManager()
	p := newFakeProvider("wa")
	m.Register(p)
	m.StartAll(context.Background())
	waitForState(t, m, "wa", StatusRunning)

	p.exit <- fmt.Errorf("boom")
	waitForState(t, m, "wa", StatusBackoff)

	if err := m.Restart("wa"); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	s := waitForState(t, m, "wa", StatusRunning)
	if s.Restarts != 0 {
		t.Errorf("restart must reset the crash counter, got %d", s.Restarts)
	}
	m.StopAll()
}

func TestStartUnknownProvider(t *testing.T) {
	m := NewManager()
	m.StartAll(context.Background())
	if err := m.Start("ghost"); err == nil {
		t.Error("starting an unregistered provider must fail")
	}
}
