package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/clawgate/internal/agent"
	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/cron"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/nodes"
	"github.com/roelfdiedericks/clawgate/internal/pairing"
	"github.com/roelfdiedericks/clawgate/internal/providers"
	"github.com/roelfdiedericks/clawgate/internal/routing"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

const (
	writeTimeout      = 10 * time.Second
	handshakeTimeout  = 15 * time.Second
	maxMessageBytes   = 4 * 1024 * 1024
	deleteAbortWait   = 15 * time.Second
	defaultWaitBudget = 30 * time.Second
)

// frameWriter is the write half of a connection. *websocket.Conn
// satisfies it; tests substitute a recording fake.
type frameWriter interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
}

// wsConn is one authenticated gateway connection.
type wsConn struct {
	conn     *websocket.Conn
	write    frameWriter
	deviceID string
	role     string
	scopes   []string
	remoteIP string

	writeMu sync.Mutex
	seq     uint64
}

// send writes a frame, serializing writes on the connection.
func (c *wsConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.write.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.write.WriteJSON(v)
}

// sendEvent pushes an event frame with the connection's next seq.
func (c *wsConn) sendEvent(event string, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.seq++
	c.write.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.write.WriteJSON(eventFrame{Type: "event", Event: event, Payload: payload, Seq: c.seq})
}

// Gateway is the websocket control plane.
type Gateway struct {
	cfg      *config.Manager
	bus      *bus.Bus
	runner   agent.Runner
	wait     *agent.WaitService
	sessions *session.Store
	audit    *session.AuditStore
	resolver *routing.Resolver
	cron     *cron.Service
	pairing  *pairing.Store
	nodes    *nodes.Registry
	provs    *providers.Manager

	dedupe    *dedupeCache
	methods   map[string]*methodSpec
	startedAt time.Time
	now       func() time.Time

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu        sync.Mutex
	conns     map[*wsConn]struct{}
	nodeConns map[string]*wsConn // deviceID -> connection, role node
	busHandle *bus.Handle
}

// Options wires the gateway's collaborators.
type Options struct {
	Config   *config.Manager
	Bus      *bus.Bus
	Runner   agent.Runner
	Sessions *session.Store
	Audit    *session.AuditStore // optional
	Pairing  *pairing.Store
	Cron     *cron.Service // optional until wired via SetCron
	Provs    *providers.Manager
}

// New creates a gateway. The cron service is attached separately
// because it needs the gateway as its dispatcher.
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:       opts.Config,
		bus:       opts.Bus,
		runner:    opts.Runner,
		wait:      agent.NewWaitService(opts.Bus),
		sessions:  opts.Sessions,
		audit:     opts.Audit,
		// Routing config is snapshotted here; config.set changes to
		// routing take effect on restart.
		resolver: routing.NewResolver(
			opts.Config.Raw().Routing.DefaultChannel,
			opts.Config.Raw().Routing.WhatsappAllow,
		),
		cron:      opts.Cron,
		pairing:   opts.Pairing,
		provs:     opts.Provs,
		dedupe:    newDedupeCache(),
		startedAt: time.Now(),
		now:       time.Now,
		conns:     make(map[*wsConn]struct{}),
		nodeConns: make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Operator clients connect from local tools and apps; auth
			// happens in the connect handshake, not via Origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	g.nodes = nodes.NewRegistry(g.sendInvoke, func() string { return uuid.New().String() })
	g.methods = g.methodTable()
	g.busHandle = opts.Bus.Subscribe(g.broadcastAgentEvent)
	return g
}

// SetCron attaches the cron service after construction.
func (g *Gateway) SetCron(c *cron.Service) { g.cron = c }

// Start begins serving websocket connections.
func (g *Gateway) Start(ctx context.Context) error {
	gwCfg := g.cfg.Raw().Gateway
	addr := fmt.Sprintf("%s:%d", gwCfg.Listen, gwCfg.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)

	g.httpServer = &http.Server{Addr: addr, Handler: mux}

	go func() {
		L_info("gateway: listening", "addr", addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			L_error("gateway: server failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		g.Stop()
	}()
	return nil
}

// Stop closes the server and all connections.
func (g *Gateway) Stop() {
	if g.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.httpServer.Shutdown(shutdownCtx)
	}

	g.mu.Lock()
	for c := range g.conns {
		c.conn.Close()
	}
	g.mu.Unlock()

	g.wait.Close()
	g.busHandle.Cancel()
	L_info("gateway: stopped")
}

// handleWS upgrades the connection and runs the handshake + read loop.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("gateway: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	c := &wsConn{conn: ws, write: ws, remoteIP: r.RemoteAddr}
	if err := g.handshake(c); err != nil {
		if errors.Is(err, errPairingPending) {
			L_info("gateway: pairing requested, waiting for approval", "remote", r.RemoteAddr)
		} else {
			L_warn("gateway: handshake rejected", "remote", r.RemoteAddr, "error", err)
		}
		ws.Close()
		return
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	if c.role == pairing.RoleNode {
		g.nodeConns[c.deviceID] = c
	}
	g.mu.Unlock()

	L_info("gateway: client connected", "device", c.deviceID, "role", c.role, "remote", c.remoteIP)
	g.readLoop(c)

	g.mu.Lock()
	delete(g.conns, c)
	if c.role == pairing.RoleNode && g.nodeConns[c.deviceID] == c {
		delete(g.nodeConns, c.deviceID)
	}
	g.mu.Unlock()

	if c.role == pairing.RoleNode {
		g.nodes.Disconnect(c.deviceID)
	}
	ws.Close()
	L_info("gateway: client disconnected", "device", c.deviceID)
}

// connectParams is the handshake payload of the first frame. Token-less
// connects carry a deviceId instead and become pairing requests.
type connectParams struct {
	Token       string   `json:"token"`
	DeviceID    string   `json:"deviceId,omitempty"` // pairing: requested identity
	Role        string   `json:"role,omitempty"`     // pairing: requested role
	DisplayName string   `json:"displayName,omitempty"`
	Commands    []string `json:"commands,omitempty"` // node role: declared command allowlist
}

// errPairingPending closes a connect that turned into a pairing
// request. Not a failure; the client reconnects with its token once an
// operator approves.
var errPairingPending = errors.New("pairing request pending approval")

// handshake reads the first frame, which must be a "connect" request.
func (g *Gateway) handshake(c *wsConn) error {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var req reqFrame
	if err := c.conn.ReadJSON(&req); err != nil {
		return fmt.Errorf("failed to read connect frame: %w", err)
	}
	return g.acceptConnect(c, &req)
}

// acceptConnect authenticates the connect request and stamps the
// connection with the device identity. A token-less connect with a
// deviceId registers a pairing request instead and reports it back,
// then errPairingPending tells the caller to drop the connection.
func (g *Gateway) acceptConnect(c *wsConn, req *reqFrame) error {
	if req.Type != "req" || req.Method != "connect" {
		return fmt.Errorf("first frame must be a connect request, got %s %s", req.Type, req.Method)
	}

	var params connectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.send(errFrame(req.ID, Errf(CodeInvalidRequest, "malformed connect params: %v", err)))
			return fmt.Errorf("malformed connect params: %w", err)
		}
	}

	if params.Token == "" {
		return g.acceptPairRequest(c, req, &params)
	}

	dev, role, scopes, err := g.pairing.Authenticate(params.Token)
	if err != nil {
		c.send(errFrame(req.ID, Errf(CodeUnauthorized, "authentication failed: %v", err)))
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.deviceID = dev.DeviceID
	c.role = role
	c.scopes = scopes

	if role == pairing.RoleNode {
		g.nodes.Connect(dev.DeviceID, params.DisplayName, params.Commands)
	}

	payload, _ := json.Marshal(map[string]any{
		"deviceId": dev.DeviceID,
		"role":     role,
		"scopes":   scopes,
	})
	return c.send(okFrame(req.ID, payload))
}

// acceptPairRequest registers a pairing request for an unauthenticated
// connect. The caller gets the request id for tracking; an operator
// approves it via device.pair.approve or the pair CLI.
func (g *Gateway) acceptPairRequest(c *wsConn, req *reqFrame, params *connectParams) error {
	if params.DeviceID == "" {
		c.send(errFrame(req.ID, Errf(CodeUnauthorized, "connect requires a token, or a deviceId to request pairing")))
		return fmt.Errorf("token-less connect without a device id")
	}

	role := params.Role
	if role == "" {
		role = pairing.RoleOperator
	}

	pending, err := g.pairing.Request(params.DeviceID, params.DisplayName, role, c.remoteIP)
	if err != nil {
		c.send(errFrame(req.ID, Errf(CodeInvalidRequest, "pairing request failed: %v", err)))
		return fmt.Errorf("pairing request failed: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"status":    "pairing_pending",
		"requestId": pending.RequestID,
		"deviceId":  pending.DeviceID,
		"role":      pending.Role,
	})
	c.send(okFrame(req.ID, payload))
	return fmt.Errorf("%w: device %s", errPairingPending, params.DeviceID)
}

// readLoop processes frames until the connection drops.
func (g *Gateway) readLoop(c *wsConn) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				L_debug("gateway: read failed", "device", c.deviceID, "error", err)
			}
			return
		}

		var req reqFrame
		if err := json.Unmarshal(data, &req); err != nil {
			L_debug("gateway: dropping malformed frame", "device", c.deviceID, "error", err)
			continue
		}
		if req.Type != "req" {
			continue
		}

		g.dispatch(c, &req)
	}
}

// sendInvoke delivers a node invocation as an event frame on the
// node's connection.
func (g *Gateway) sendInvoke(deviceID string, inv *nodes.Invocation) error {
	g.mu.Lock()
	c := g.nodeConns[deviceID]
	g.mu.Unlock()
	if c == nil {
		return fmt.Errorf("node %s has no active connection", deviceID)
	}
	return c.sendEvent("node.invoke", inv)
}

// broadcastAgentEvent fans agent job events out to operator clients.
func (g *Gateway) broadcastAgentEvent(ev bus.Event) {
	g.mu.Lock()
	targets := make([]*wsConn, 0, len(g.conns))
	for c := range g.conns {
		if c.role == pairing.RoleOperator {
			targets = append(targets, c)
		}
	}
	g.mu.Unlock()

	for _, c := range targets {
		if err := c.sendEvent("agent.event", ev); err != nil {
			L_trace("gateway: event push failed", "device", c.deviceID, "error", err)
		}
	}
}
