// Package nodes tracks connected node devices and dispatches command
// invocations to them.
package nodes

import (
	"encoding/json"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Node is a connected node device and what it declared it can do.
type Node struct {
	DeviceID      string   `json:"deviceId"`
	DisplayName   string   `json:"displayName,omitempty"`
	Commands      []string `json:"commands"` // command allowlist declared at connect
	ConnectedAtMs int64    `json:"connectedAtMs"`
}

// Allows reports whether the node declared the given command.
func (n *Node) Allows(command string) bool {
	for _, c := range n.Commands {
		if c == command {
			return true
		}
	}
	return false
}

// Sender delivers an invoke frame to a node's connection.
type Sender func(deviceID string, inv *Invocation) error

// Invocation is one command dispatch to a node.
type Invocation struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"deviceId"`
	Command  string          `json:"command"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// InvokeResult is the node's answer to an invocation.
type InvokeResult struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// pendingInvoke is an in-flight invocation awaiting its result.
type pendingInvoke struct {
	deviceID string
	resultCh chan *InvokeResult // buffered, receives exactly one result
	resolved bool
}

// Registry tracks connected nodes and in-flight invocations.
type Registry struct {
	send Sender
	now  func() time.Time

	mu      sync.Mutex
	nodes   map[string]*Node
	pending map[string]*pendingInvoke // invocation id -> waiter
	nextID  func() string
}

// NewRegistry creates a node registry that delivers invocations through
// the given sender.
func NewRegistry(send Sender, nextID func() string) *Registry {
	return &Registry{
		send:    send,
		now:     time.Now,
		nodes:   make(map[string]*Node),
		pending: make(map[string]*pendingInvoke),
		nextID:  nextID,
	}
}

// Connect registers a node and its declared command allowlist,
// replacing any previous registration for the same device.
func (r *Registry) Connect(deviceID, displayName string, commands []string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	node := &Node{
		DeviceID:      deviceID,
		DisplayName:   displayName,
		Commands:      commands,
		ConnectedAtMs: r.now().UnixMilli(),
	}
	r.nodes[deviceID] = node
	L_info("nodes: node connected", "device", deviceID, "commands", len(commands))
	return node
}

// Disconnect removes a node. In-flight invocations to it fail.
func (r *Registry) Disconnect(deviceID string) {
	r.mu.Lock()
	orphaned := 0
	if _, ok := r.nodes[deviceID]; ok {
		delete(r.nodes, deviceID)
		for id, p := range r.pending {
			if p.deviceID != deviceID || p.resolved {
				continue
			}
			p.resolved = true
			p.resultCh <- &InvokeResult{ID: id, OK: false, Error: "node disconnected"}
			delete(r.pending, id)
			orphaned++
		}
	}
	r.mu.Unlock()

	if orphaned > 0 {
		L_warn("nodes: node disconnected with invocations in flight", "device", deviceID, "count", orphaned)
	} else {
		L_info("nodes: node disconnected", "device", deviceID)
	}
}

// Get returns the connected node for a device id, or nil.
func (r *Registry) Get(deviceID string) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nodes[deviceID]
}

// List returns all connected nodes.
func (r *Registry) List() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}
