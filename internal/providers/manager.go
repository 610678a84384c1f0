// Package providers manages the lifecycle of channel provider
// processes: start, stop, restart, and crash recovery with backoff.
package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Provider statuses.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusBackoff  = "backoff"
	StatusFailed   = "failed"
)

const (
	initialBackoff = 5 * time.Second
	maxBackoff     = 5 * time.Minute
	maxRestarts    = 10
)

// Provider is a runnable channel adapter. Run blocks until the
// provider exits; a nil return means a clean stop.
type Provider interface {
	Name() string
	Run(ctx context.Context) error
}

// Status is a point-in-time snapshot of one managed provider.
type Status struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"lastError,omitempty"`
	SinceMs   int64  `json:"sinceMs,omitempty"`
}

type managed struct {
	provider Provider
	state    string
	restarts int
	lastErr  string
	sinceMs  int64
	cancel   context.CancelFunc
}

// Manager owns the lifecycle of registered providers.
type Manager struct {
	mu        sync.Mutex
	providers map[string]*managed
	ctx       context.Context
	wg        sync.WaitGroup
}

// NewManager creates an empty provider manager.
func NewManager() *Manager {
	return &Manager{providers: make(map[string]*managed)}
}

// Register adds a provider without starting it.
func (m *Manager) Register(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := p.Name()
	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	m.providers[name] = &managed{provider: p, state: StatusStopped}
	return nil
}

// StartAll starts every registered provider.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Start(name); err != nil {
			L_warn("providers: start failed", "provider", name, "error", err)
		}
	}
}

// Start launches a provider's run loop. Crashes restart with doubling
// backoff; after maxRestarts consecutive failures the provider is
// marked failed and left down.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	p, exists := m.providers[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("provider %q not registered", name)
	}
	if p.state == StatusStarting || p.state == StatusRunning || p.state == StatusBackoff {
		m.mu.Unlock()
		return fmt.Errorf("provider %q is already running", name)
	}
	runCtx, cancel := context.WithCancel(m.ctx)
	p.cancel = cancel
	p.state = StatusStarting
	p.restarts = 0
	p.lastErr = ""
	p.sinceMs = time.Now().UnixMilli()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runLoop(runCtx, name, p)
	return nil
}

func (m *Manager) runLoop(ctx context.Context, name string, p *managed) {
	defer m.wg.Done()

	backoff := initialBackoff
	for {
		m.setState(p, StatusRunning, "")
		L_info("providers: provider running", "provider", name)

		err := p.provider.Run(ctx)

		if ctx.Err() != nil {
			m.setState(p, StatusStopped, "")
			L_info("providers: provider stopped", "provider", name)
			return
		}
		if err == nil {
			m.setState(p, StatusStopped, "")
			L_info("providers: provider exited cleanly", "provider", name)
			return
		}

		m.mu.Lock()
		p.restarts++
		restarts := p.restarts
		p.lastErr = err.Error()
		m.mu.Unlock()

		if restarts >= maxRestarts {
			m.setState(p, StatusFailed, err.Error())
			L_error("providers: provider failed permanently", "provider", name, "restarts", restarts, "error", err)
			return
		}

		m.setState(p, StatusBackoff, err.Error())
		L_warn("providers: provider crashed, restarting", "provider", name, "attempt", restarts, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			m.setState(p, StatusStopped, "")
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Manager) setState(p *managed, state, lastErr string) {
	m.mu.Lock()
	p.state = state
	if lastErr != "" {
		p.lastErr = lastErr
	}
	p.sinceMs = time.Now().UnixMilli()
	m.mu.Unlock()
}

// Stop cancels a provider's run loop.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	p, exists := m.providers[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("provider %q not registered", name)
	}
	cancel := p.cancel
	p.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Restart stops then starts a provider, resetting its restart counter.
func (m *Manager) Restart(name string) error {
	if err := m.Stop(name); err != nil {
		return err
	}

	// Wait for the loop to observe cancellation and settle.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		state := m.providers[name].state
		m.mu.Unlock()
		if state == StatusStopped || state == StatusFailed {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	m.mu.Lock()
	if p := m.providers[name]; p != nil {
		p.state = StatusStopped
	}
	m.mu.Unlock()
	return m.Start(name)
}

// StopAll cancels every provider and waits for the loops to exit.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, p := range m.providers {
		if p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Statuses returns a snapshot of every registered provider.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.providers))
	for name, p := range m.providers {
		out = append(out, Status{
			Name:      name,
			State:     p.state,
			Restarts:  p.restarts,
			LastError: p.lastErr,
			SinceMs:   p.sinceMs,
		})
	}
	return out
}
