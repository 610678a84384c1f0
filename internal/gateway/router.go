package gateway

import (
	"encoding/json"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/pairing"
)

// handlerFn executes one RPC. dkey is the dedupe key, or "" when the
// request carried no idempotency key. Handlers returning *twoPhaseWork
// get the accepted/final response pattern from the dispatcher.
type handlerFn func(c *wsConn, req *reqFrame, dkey string) (any, *Error)

type methodSpec struct {
	roles   []string
	handler handlerFn
}

// twoPhaseWork is returned by two-phase handlers: the accepted
// envelope goes out first, then run executes in the background and its
// outcome is sent on the same request id.
type twoPhaseWork struct {
	accepted any
	run      func() (any, *Error)
}

func operatorOnly() []string { return []string{pairing.RoleOperator} }

func (g *Gateway) methodTable() map[string]*methodSpec {
	both := []string{pairing.RoleOperator, pairing.RoleNode}
	return map[string]*methodSpec{
		"ping":   {roles: both, handler: g.handlePing},
		"status": {roles: operatorOnly(), handler: g.handleStatus},

		"agent":      {roles: both, handler: g.handleAgent},
		"agent.wait": {roles: both, handler: g.handleAgentWait},

		"sessions.list":    {roles: operatorOnly(), handler: g.handleSessionsList},
		"sessions.patch":   {roles: operatorOnly(), handler: g.handleSessionsPatch},
		"sessions.reset":   {roles: operatorOnly(), handler: g.handleSessionsReset},
		"sessions.delete":  {roles: operatorOnly(), handler: g.handleSessionsDelete},
		"sessions.compact": {roles: operatorOnly(), handler: g.handleSessionsCompact},
		"sessions.resolve": {roles: operatorOnly(), handler: g.handleSessionsResolve},
		"sessions.history": {roles: operatorOnly(), handler: g.handleSessionsHistory},

		"cron.add":    {roles: operatorOnly(), handler: g.handleCronAdd},
		"cron.update": {roles: operatorOnly(), handler: g.handleCronUpdate},
		"cron.remove": {roles: operatorOnly(), handler: g.handleCronRemove},
		"cron.list":   {roles: operatorOnly(), handler: g.handleCronList},
		"cron.status": {roles: operatorOnly(), handler: g.handleCronStatus},
		"cron.run":    {roles: operatorOnly(), handler: g.handleCronRun},
		"cron.runs":   {roles: operatorOnly(), handler: g.handleCronRuns},

		"config.get":    {roles: operatorOnly(), handler: g.handleConfigGet},
		"config.set":    {roles: operatorOnly(), handler: g.handleConfigSet},
		"config.schema": {roles: operatorOnly(), handler: g.handleConfigSchema},

		"device.pair.list":    {roles: operatorOnly(), handler: g.handleDevicePairList},
		"device.pair.approve": {roles: operatorOnly(), handler: g.handleDevicePairApprove},
		"device.pair.reject":  {roles: operatorOnly(), handler: g.handleDevicePairReject},
		"device.token.rotate": {roles: operatorOnly(), handler: g.handleDeviceTokenRotate},
		"device.token.revoke": {roles: operatorOnly(), handler: g.handleDeviceTokenRevoke},

		"node.invoke":        {roles: operatorOnly(), handler: g.handleNodeInvoke},
		"node.invoke.result": {roles: []string{pairing.RoleNode}, handler: g.handleNodeInvokeResult},
	}
}

// dispatch validates, authorizes, deduplicates, and runs one request.
func (g *Gateway) dispatch(c *wsConn, req *reqFrame) {
	spec, known := g.methods[req.Method]
	if !known {
		c.send(errFrame(req.ID, Errf(CodeInvalidRequest, "unknown method: %s", req.Method)))
		return
	}

	if gwErr := g.validateParams(req.Method, req.Params); gwErr != nil {
		c.send(errFrame(req.ID, gwErr))
		return
	}

	// Role authorization happens before dedupe so a cached result never
	// leaks to a role that could not have produced it.
	if !roleAllowed(spec.roles, c.role) {
		c.send(errFrame(req.ID, Errf(CodeUnauthorized, "unauthorized role: %s", c.role)))
		return
	}

	dkey := ""
	if req.IdempotencyKey != "" {
		dkey = dedupeKey(req.Method, req.IdempotencyKey)
		if entry := g.dedupe.begin(dkey); entry != nil {
			g.replay(c, req.ID, dkey, entry)
			return
		}
	}

	payload, gwErr := spec.handler(c, req, dkey)
	if gwErr != nil {
		if dkey != "" {
			g.dedupe.finish(dkey, nil, gwErr)
		}
		c.send(errFrame(req.ID, gwErr))
		return
	}

	// Two-phase: send the accepted envelope, then run the work and
	// deliver the terminal outcome on the same id.
	if tp, ok := payload.(*twoPhaseWork); ok {
		raw, err := json.Marshal(tp.accepted)
		if err != nil {
			c.send(errFrame(req.ID, Errf(CodeInternal, "failed to encode response: %v", err)))
			return
		}
		if dkey != "" {
			g.dedupe.accept(dkey, raw)
		}
		c.send(okFrame(req.ID, raw))

		go func() {
			final, runErr := tp.run()
			g.finishTwoPhase(c, req.ID, dkey, final, runErr)
		}()
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		c.send(errFrame(req.ID, Errf(CodeInternal, "failed to encode response: %v", err)))
		return
	}

	if dkey != "" {
		g.dedupe.finish(dkey, raw, nil)
	}
	c.send(okFrame(req.ID, raw))
}

// replay answers a retried request from the dedupe cache. Terminal
// outcomes are returned byte-for-byte; a retry of a still-running
// two-phase request sees the accepted envelope again.
func (g *Gateway) replay(c *wsConn, id, dkey string, entry *dedupeEntry) {
	switch {
	case entry.done && entry.errResp != nil:
		L_debug("gateway: replaying cached error", "key", dkey)
		c.send(errFrame(id, entry.errResp))
	case entry.done:
		L_debug("gateway: replaying cached response", "key", dkey)
		c.send(okFrame(id, entry.response))
	case entry.accepted != nil:
		L_debug("gateway: replaying accepted envelope", "key", dkey)
		c.send(okFrame(id, entry.accepted))
	default:
		c.send(errFrame(id, Errf(CodeUnavailable, "request with this idempotency key is already in flight")))
	}
}

// finishTwoPhase records and sends the terminal response of a
// two-phase method, reusing the original request id.
func (g *Gateway) finishTwoPhase(c *wsConn, id, dkey string, payload any, gwErr *Error) {
	if gwErr != nil {
		if dkey != "" {
			g.dedupe.finish(dkey, nil, gwErr)
		}
		c.send(errFrame(id, gwErr))
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		gwErr = Errf(CodeInternal, "failed to encode response: %v", err)
		if dkey != "" {
			g.dedupe.finish(dkey, nil, gwErr)
		}
		c.send(errFrame(id, gwErr))
		return
	}

	if dkey != "" {
		g.dedupe.finish(dkey, raw, nil)
	}
	c.send(okFrame(id, raw))
}

func roleAllowed(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
