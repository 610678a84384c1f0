package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// DefaultInvokeTimeout bounds how long Invoke waits for a node to
// answer.
const DefaultInvokeTimeout = 30 * time.Second

// Sentinel errors for wire error-code mapping.
var (
	// ErrNotConnected marks invocations of nodes without a live connection.
	ErrNotConnected = errors.New("node not connected")

	// ErrNotAllowed marks commands outside the node's declared allowlist.
	ErrNotAllowed = errors.New("command not allowed")

	// ErrUnknownInvocation marks results for unknown or abandoned
	// invocation ids.
	ErrUnknownInvocation = errors.New("unknown invocation")

	// ErrWrongNode marks results sent by a node the invocation was not
	// addressed to.
	ErrWrongNode = errors.New("invocation belongs to another node")
)

// Invoke dispatches a command to a node and blocks until the node
// reports a result, the timeout elapses, or ctx is cancelled. The
// command must be on the node's declared allowlist.
func (r *Registry) Invoke(ctx context.Context, deviceID, command string, params json.RawMessage, timeout time.Duration) (*InvokeResult, error) {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}

	r.mu.Lock()
	node := r.nodes[deviceID]
	if node == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	if !node.Allows(command) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q on node %s", ErrNotAllowed, command, deviceID)
	}

	inv := &Invocation{
		ID:       r.nextID(),
		DeviceID: deviceID,
		Command:  command,
		Params:   params,
	}
	p := &pendingInvoke{
		deviceID: deviceID,
		resultCh: make(chan *InvokeResult, 1),
	}
	r.pending[inv.ID] = p
	r.mu.Unlock()

	if err := r.send(deviceID, inv); err != nil {
		r.abandon(inv.ID)
		return nil, fmt.Errorf("failed to send invocation to node: %w", err)
	}
	L_debug("nodes: invocation dispatched", "id", inv.ID, "device", deviceID, "command", command)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.resultCh:
		return res, nil
	case <-timer.C:
		r.abandon(inv.ID)
		return nil, fmt.Errorf("node %s did not answer invocation %s within %s", deviceID, inv.ID, timeout)
	case <-ctx.Done():
		r.abandon(inv.ID)
		return nil, ctx.Err()
	}
}

// Resolve delivers a node's result to the waiting invoker. Each
// invocation resolves at most once; late or duplicate results are
// dropped. Only the node the invocation was sent to may resolve it.
func (r *Registry) Resolve(deviceID string, res *InvokeResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInvocation, res.ID)
	}
	if p.deviceID != deviceID {
		return fmt.Errorf("%w: %s", ErrWrongNode, res.ID)
	}
	if p.resolved {
		return nil
	}
	p.resolved = true
	p.resultCh <- res
	delete(r.pending, res.ID)
	return nil
}

// abandon drops a pending invocation after a timeout or send failure.
// A result arriving afterwards is treated as unknown.
func (r *Registry) abandon(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pending[id]; ok && !p.resolved {
		p.resolved = true
		delete(r.pending, id)
	}
}

// PendingCount returns the number of in-flight invocations.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
