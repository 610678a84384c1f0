// Package agent invokes the external agent process and coordinates its
// job lifecycle events. The agent itself is a black box: clawgate
// writes a request to its stdin and reads line-delimited JSON events
// from its stdout. Run failures are data (terminal error events), not
// exceptions; only spawn failures surface as errors.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// RunParams describes one agent invocation.
type RunParams struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
	Message    string `json:"message"`

	// Resolved delivery route, passed through to the agent for context.
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	AccountID         string `json:"accountId,omitempty"`
	Deliver           bool   `json:"deliver,omitempty"`
	BestEffortDeliver bool   `json:"bestEffortDeliver,omitempty"`

	// Per-session overrides.
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	VerboseLevel  string `json:"verboseLevel,omitempty"`
}

// RunResult is the agent's final output for a run.
type RunResult struct {
	Payloads []string       `json:"payloads"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Runner executes agent jobs.
type Runner interface {
	// Run starts a job and blocks until it reaches a terminal state.
	// A run failure is reported via a terminal error event on the bus
	// and a nil result; the returned error is reserved for
	// infrastructure failures (the process could not be started).
	Run(ctx context.Context, params RunParams) (*RunResult, error)

	// Abort requests cancellation of a run. Returns false when the run
	// id is unknown or already finished.
	Abort(runID string) bool

	// Running reports the active run id for a session key, if any.
	Running(sessionKey string) (string, bool)
}

// processEvent is one line of the agent's stdout stream.
type processEvent struct {
	Type     string         `json:"type"` // "tool", "assistant", "compaction", "done", "error"
	Stream   string         `json:"stream,omitempty"`
	Data     any            `json:"data,omitempty"`
	Payloads []string       `json:"payloads,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

// ProcessRunner runs the agent as an external command.
type ProcessRunner struct {
	command string
	args    []string
	bus     *bus.Bus

	mu         sync.Mutex
	bySession  map[string]*activeRun // at most one run per session key
	cancelByID map[string]context.CancelFunc
}

// NewProcessRunner creates a runner for the given agent command.
func NewProcessRunner(command string, args []string, b *bus.Bus) *ProcessRunner {
	return &ProcessRunner{
		command:    command,
		args:       args,
		bus:        b,
		bySession:  make(map[string]*activeRun),
		cancelByID: make(map[string]context.CancelFunc),
	}
}

// ErrSessionBusy is returned when a session already has an active run.
type ErrSessionBusy struct {
	SessionKey string
	RunID      string
}

func (e *ErrSessionBusy) Error() string {
	return fmt.Sprintf("session %s already has an active run (%s)", e.SessionKey, e.RunID)
}

// Run implements Runner.
func (r *ProcessRunner) Run(ctx context.Context, params RunParams) (*RunResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if existing, busy := r.bySession[params.SessionKey]; busy {
		r.mu.Unlock()
		return nil, &ErrSessionBusy{SessionKey: params.SessionKey, RunID: existing.runID}
	}
	r.bySession[params.SessionKey] = &activeRun{runID: params.RunID, cancel: cancel}
	r.cancelByID[params.RunID] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.bySession, params.SessionKey)
		delete(r.cancelByID, params.RunID)
		r.mu.Unlock()
	}()

	cmd := exec.CommandContext(runCtx, r.command, r.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	startedAt := time.Now()
	r.publish(params.RunID, "lifecycle", "started", nil, "")
	L_info("agent: run started", "runID", params.RunID, "sessionKey", params.SessionKey)

	// Hand the request to the agent and close stdin so it knows the
	// request is complete.
	go func() {
		enc := json.NewEncoder(stdin)
		if err := enc.Encode(params); err != nil {
			L_warn("agent: failed to write request", "runID", params.RunID, "error", err)
		}
		stdin.Close()
	}()

	result, runErr := r.consumeEvents(params.RunID, stdout)

	waitErr := cmd.Wait()
	endedAt := time.Now()

	switch {
	case runErr != "":
		r.publishTerminal(params.RunID, "error", nil, runErr, startedAt, endedAt)
		L_warn("agent: run failed", "runID", params.RunID, "error", runErr)
		return nil, nil
	case waitErr != nil:
		msg := waitErr.Error()
		if runCtx.Err() == context.Canceled {
			msg = "run aborted"
		}
		r.publishTerminal(params.RunID, "error", nil, msg, startedAt, endedAt)
		L_warn("agent: process exited abnormally", "runID", params.RunID, "error", waitErr)
		return nil, nil
	default:
		r.publishTerminal(params.RunID, "done", result, "", startedAt, endedAt)
		L_info("agent: run completed", "runID", params.RunID, "payloads", len(result.Payloads))
		return result, nil
	}
}

// consumeEvents reads the agent's stdout stream, republishing
// intermediate events on the bus. Returns the accumulated result and
// the error string from an explicit error event, if any.
func (r *ProcessRunner) consumeEvents(runID string, stdout io.Reader) (*RunResult, string) {
	result := &RunResult{}
	var runErr string

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev processEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			L_trace("agent: skipping malformed event line", "runID", runID, "error", err)
			continue
		}

		switch ev.Type {
		case "done":
			result.Payloads = append(result.Payloads, ev.Payloads...)
			if ev.Meta != nil {
				result.Meta = ev.Meta
			}
		case "error":
			runErr = ev.Error
			if runErr == "" {
				runErr = "agent reported an unspecified error"
			}
		case "tool", "assistant", "compaction":
			stream := ev.Stream
			if stream == "" {
				stream = ev.Type
			}
			r.publish(runID, stream, ev.Type, ev.Data, "")
		default:
			L_trace("agent: ignoring unknown event type", "runID", runID, "type", ev.Type)
		}
	}
	if err := scanner.Err(); err != nil && runErr == "" {
		runErr = fmt.Sprintf("agent stream read failed: %v", err)
	}
	return result, runErr
}

func (r *ProcessRunner) publish(runID, stream, typ string, data any, errStr string) {
	r.bus.Publish(bus.Event{RunID: runID, Stream: stream, Type: typ, Data: data, Error: errStr})
}

func (r *ProcessRunner) publishTerminal(runID, typ string, result *RunResult, errStr string, startedAt, endedAt time.Time) {
	data := map[string]any{
		"startedAt": startedAt.UnixMilli(),
		"endedAt":   endedAt.UnixMilli(),
	}
	if result != nil {
		data["payloads"] = result.Payloads
		if result.Meta != nil {
			data["meta"] = result.Meta
		}
	}
	r.bus.Publish(bus.Event{RunID: runID, Stream: "lifecycle", Type: typ, Data: data, Error: errStr})
}

// Abort implements Runner.
func (r *ProcessRunner) Abort(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancelByID[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	L_info("agent: aborting run", "runID", runID)
	cancel()
	return true
}

// Running implements Runner.
func (r *ProcessRunner) Running(sessionKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.bySession[sessionKey]; ok {
		return run.runID, true
	}
	return "", false
}
