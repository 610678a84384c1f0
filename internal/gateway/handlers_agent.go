package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawgate/internal/agent"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/routing"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

type agentParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	AccountID  string `json:"accountId,omitempty"`
	Deliver    bool   `json:"deliver,omitempty"`
}

// handleAgent runs an agent job. Two-phase: the returned accepted
// envelope is sent immediately; the terminal outcome follows on the
// same request id once the run ends.
func (g *Gateway) handleAgent(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params agentParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed agent params: %v", err)
	}

	sessionKey := params.SessionKey
	if sessionKey == "" {
		sessionKey = session.MainKey
	}

	sess, err := g.sessions.GetOrCreate(sessionKey)
	if err != nil {
		return nil, Errf(CodeUnavailable, "session store unavailable: %v", err)
	}

	res := g.resolver.Resolve(routing.Request{
		Channel:   params.Channel,
		To:        params.To,
		AccountID: params.AccountID,
		Deliver:   params.Deliver,
	}, sess)

	runID := uuid.New().String()
	return &twoPhaseWork{
		accepted: map[string]any{
			"status":     "accepted",
			"runId":      runID,
			"acceptedAt": g.now().UnixMilli(),
		},
		run: func() (any, *Error) {
			return g.executeRun(context.Background(), runID, sessionKey, sess, params.Message, res)
		},
	}, nil
}

// executeRun invokes the agent and shapes the terminal payload. Run
// failures come back as {status:"error"} data, not transport errors;
// only spawn/busy failures surface as *Error.
func (g *Gateway) executeRun(ctx context.Context, runID, sessionKey string, sess *session.Entry, message string, res routing.Resolution) (any, *Error) {
	g.auditMessage(ctx, sessionKey, runID, "user", message, res.Channel)

	result, err := g.runner.Run(ctx, agent.RunParams{
		RunID:             runID,
		SessionKey:        sessionKey,
		SessionID:         sess.SessionID,
		Message:           message,
		Channel:           res.Channel,
		To:                res.To,
		AccountID:         res.AccountID,
		Deliver:           res.Deliver,
		BestEffortDeliver: res.BestEffortDeliver,
		Model:             sess.Model,
		ThinkingLevel:     sess.ThinkingLevel,
		VerboseLevel:      sess.VerboseLevel,
	})
	if err != nil {
		if busy, ok := err.(*agent.ErrSessionBusy); ok {
			return nil, Errf(CodeUnavailable, "session %s already has an active run (%s)", busy.SessionKey, busy.RunID)
		}
		return nil, Errf(CodeUnavailable, "agent runner failed: %v", err)
	}

	if result == nil {
		// The run failed; the terminal error event already landed in
		// the snapshot cache.
		errMsg := "agent run failed"
		if snap := g.wait.Wait(ctx, agent.WaitParams{RunID: runID, Timeout: time.Second}); snap != nil && snap.Error != "" {
			errMsg = snap.Error
		}
		return map[string]any{
			"status": "error",
			"runId":  runID,
			"error":  errMsg,
		}, nil
	}

	// Remember the route that worked so "last" resolution finds it.
	if res.Deliver {
		updateErr := g.sessions.Update(sessionKey, func(e *session.Entry) error {
			e.LastChannel = res.Channel
			e.LastTo = res.To
			e.LastAccountID = res.AccountID
			return nil
		})
		if updateErr != nil {
			L_warn("gateway: failed to record delivery route", "sessionKey", sessionKey, "error", updateErr)
		}
	}

	for _, p := range result.Payloads {
		g.auditMessage(ctx, sessionKey, runID, "assistant", p, res.Channel)
	}

	payload := map[string]any{
		"status":   "ok",
		"runId":    runID,
		"payloads": result.Payloads,
	}
	if result.Meta != nil {
		payload["meta"] = result.Meta
	}
	return payload, nil
}

// auditMessage best-effort appends to the SQLite audit trail.
func (g *Gateway) auditMessage(ctx context.Context, sessionKey, runID, role, content, channel string) {
	if g.audit == nil || content == "" {
		return
	}
	err := g.audit.Append(ctx, &session.StoredMessage{
		SessionKey: sessionKey,
		RunID:      runID,
		Timestamp:  g.now(),
		Role:       role,
		Content:    content,
		Channel:    channel,
	})
	if err != nil {
		L_warn("gateway: audit append failed", "sessionKey", sessionKey, "error", err)
	}
}

type agentWaitParams struct {
	RunID     string `json:"runId"`
	AfterMs   int64  `json:"afterMs,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// handleAgentWait blocks until the run reaches a terminal state or the
// timeout elapses. A timeout yields a null snapshot, not an error.
func (g *Gateway) handleAgentWait(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params agentWaitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed wait params: %v", err)
	}

	timeout := defaultWaitBudget
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}

	snap := g.wait.Wait(context.Background(), agent.WaitParams{
		RunID:   params.RunID,
		AfterMs: params.AfterMs,
		Timeout: timeout,
	})
	return map[string]any{"snapshot": snap}, nil
}

func (g *Gateway) handlePing(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	return map[string]any{"pong": true, "ts": g.now().UnixMilli()}, nil
}

// handleStatus reports a runtime snapshot of the gateway and its
// subsystems.
func (g *Gateway) handleStatus(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	g.mu.Lock()
	connCount := len(g.conns)
	g.mu.Unlock()

	status := map[string]any{
		"uptimeMs":    time.Since(g.startedAt).Milliseconds(),
		"connections": connCount,
		"nodes":       g.nodes.List(),
	}
	if g.cron != nil {
		status["cron"] = map[string]any{
			"running": g.cron.IsRunning(),
			"jobs":    g.cron.Store().Count(),
			"enabled": g.cron.Store().EnabledCount(),
		}
	}
	if g.provs != nil {
		status["providers"] = g.provs.Statuses()
	}
	if infos, err := g.sessions.List(); err == nil {
		status["sessions"] = len(infos)
	}
	return status, nil
}
