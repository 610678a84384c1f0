package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"testing"
	"time"
)

func newTestRegistry(send Sender) *Registry {
	n := 0
	return NewRegistry(send, func() string {
		n++
		return "inv-" + strconv.Itoa(n)
	})
}

func TestInvokeRoundTrip(t *testing.T) {
	var r *Registry
	r = newTestRegistry(func(deviceID string, inv *Invocation) error {
		// Answer from a goroutine like a real node connection would.
		go r.Resolve(deviceID, &InvokeResult{
			ID:      inv.ID,
			OK:      true,
			Payload: json.RawMessage(`{"echo":true}`),
		})
		return nil
	})
	r.Connect("node1", "Pi", []string{"camera.snap"})

	res, err := r.Invoke(context.Background(), "node1", "camera.snap", nil, time.Second)
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !res.OK || string(res.Payload) != `{"echo":true}` {
		t.Errorf("unexpected result: %+v", res)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending invocation leaked: %d", r.PendingCount())
	}
}

func TestInvokeNotConnected(t *testing.T) {
	r := newTestRegistry(func(string, *Invocation) error { return nil })

	_, err := r.Invoke(context.Background(), "ghost", "anything", nil, time.Second)
	if err == nil {
		t.Fatal("invoke on unknown node must fail")
	}
}

func TestInvokeCommandNotAllowed(t *testing.T) {
	sent := false
	r := newTestRegistry(func(string, *Invocation) error {
		sent = true
		return nil
	})
	r.Connect("node1", "", []string{"camera.snap"})

	_, err := r.Invoke(context.Background(), "node1", "shell.exec", nil, time.Second)
	if err == nil {
		t.Fatal("command outside the allowlist must be rejected")
	}
	if sent {
		t.Error("rejected command must never reach the node")
	}
}

func TestInvokeTimeoutAbandonsPending(t *testing.T) {
	r := newTestRegistry(func(string, *Invocation) error { return nil })
	r.Connect("node1", "", []string{"slow"})

	_, err := r.Invoke(context.Background(), "node1", "slow", nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if r.PendingCount() != 0 {
		t.Errorf("timed-out invocation still pending: %d", r.PendingCount())
	}

	// A result arriving after the timeout is unknown, not a crash.
	if err := r.Resolve("node1", &InvokeResult{ID: "inv-1", OK: true}); err == nil {
		t.Error("late result should be rejected")
	}
}

func TestInvokeSendFailure(t *testing.T) {
	r := newTestRegistry(func(string, *Invocation) error {
		return fmt.Errorf("connection closed")
	})
	r.Connect("node1", "", []string{"camera.snap"})

	_, err := r.Invoke(context.Background(), "node1", "camera.snap", nil, time.Second)
	if err == nil {
		t.Fatal("expected send failure to surface")
	}
	if r.PendingCount() != 0 {
		t.Errorf("failed send left a pending invocation: %d", r.PendingCount())
	}
}

func TestResolveWrongNodeRejected(t *testing.T) {
	invCh := make(chan string, 1)
	r := newTestRegistry(func(_ string, inv *Invocation) error {
		invCh <- inv.ID
		return nil
	})
	r.Connect("node1", "", []string{"cmd"})
	r.Connect("node2", "", []string{"cmd"})

	done := make(chan *InvokeResult, 1)
	go func() {
		res, _ := r.Invoke(context.Background(), "node1", "cmd", nil, time.Second)
		done <- res
	}()
	id := <-invCh

	// node2 cannot answer node1's invocation.
	if err := r.Resolve("node2", &InvokeResult{ID: id, OK: true}); err == nil {
		t.Error("resolve from the wrong node must fail")
	}
	if err := r.Resolve("node1", &InvokeResult{ID: id, OK: true}); err != nil {
		t.Errorf("resolve from the owning node failed: %v", err)
	}
	if res := <-done; res == nil || !res.OK {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestDisconnectFailsInFlight(t *testing.T) {
	invSent := make(chan struct{})
	r := newTestRegistry(func(string, *Invocation) error {
		close(invSent)
		return nil
	})
	r.Connect("node1", "", []string{"cmd"})

	done := make(chan *InvokeResult, 1)
	go func() {
		res, _ := r.Invoke(context.Background(), "node1", "cmd", nil, 5*time.Second)
		done <- res
	}()
	<-invSent
	r.Disconnect("node1")

	select {
	case res := <-done:
		if res == nil || res.OK || res.Error != "node disconnected" {
			t.Errorf("expected disconnect failure, got %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invoke did not fail on disconnect")
	}
	if r.Get("node1") != nil {
		t.Error("disconnected node still registered")
	}
}

func TestReconnectReplacesRegistration(t *testing.T) {
	r := newTestRegistry(func(string, *Invocation) error { return nil })

	r.Connect("node1", "Old", []string{"a"})
	r.Connect("node1", "New", []string{"b"})

	node := r.Get("node1")
	if node == nil || node.DisplayName != "New" {
		t.Fatalf("unexpected node: %+v", node)
	}
	if node.Allows("a") || !node.Allows("b") {
		t.Error("reconnect must replace the command allowlist")
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 node, got %d", len(r.List()))
	}
}
