package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/roelfdiedericks/clawgate/internal/agent"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/session"
)

// sessionError maps session store failures to wire codes: store I/O
// failures are UNAVAILABLE, unknown keys are NOT_FOUND, everything
// else (validation, refusals) is INVALID_REQUEST.
func sessionError(err error) *Error {
	switch {
	case errors.Is(err, session.ErrStore):
		return Errf(CodeUnavailable, "%v", err)
	case errors.Is(err, session.ErrNotFound):
		return Errf(CodeNotFound, "%v", err)
	default:
		return Errf(CodeInvalidRequest, "%v", err)
	}
}

func (g *Gateway) handleSessionsList(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	infos, err := g.sessions.List()
	if err != nil {
		return nil, Errf(CodeUnavailable, "session store unavailable: %v", err)
	}
	return map[string]any{"sessions": infos}, nil
}

type sessionsPatchParams struct {
	Key   string        `json:"key"`
	Patch session.Patch `json:"patch"`
}

func (g *Gateway) handleSessionsPatch(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params sessionsPatchParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed patch params: %v", err)
	}

	err := g.sessions.Update(params.Key, func(e *session.Entry) error {
		return params.Patch.Apply(params.Key, e)
	})
	if err != nil {
		return nil, sessionError(err)
	}

	entry, err := g.sessions.Get(params.Key)
	if err != nil {
		return nil, Errf(CodeUnavailable, "session store unavailable: %v", err)
	}
	return map[string]any{"key": params.Key, "entry": entry}, nil
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

func (g *Gateway) handleSessionsReset(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params sessionKeyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed reset params: %v", err)
	}

	newID, err := g.sessions.Reset(params.Key)
	if err != nil {
		return nil, Errf(CodeUnavailable, "reset failed: %v", err)
	}
	return map[string]any{"key": params.Key, "sessionId": newID}, nil
}

// handleSessionsDelete archives a session. A live run is aborted first
// and given a bounded window to die; if it won't, the delete is
// refused rather than pulling the session out from under it.
func (g *Gateway) handleSessionsDelete(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params sessionKeyParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed delete params: %v", err)
	}

	if runID, active := g.runner.Running(params.Key); active {
		L_info("gateway: aborting run before session delete", "sessionKey", params.Key, "runID", runID)
		g.runner.Abort(runID)

		snap := g.wait.Wait(context.Background(), agent.WaitParams{
			RunID:   runID,
			Timeout: deleteAbortWait,
		})
		if snap == nil {
			return nil, Errf(CodeUnavailable,
				"session %s has an active run that did not stop within %s", params.Key, deleteAbortWait)
		}
	}

	if err := g.sessions.Delete(params.Key); err != nil {
		return nil, sessionError(err)
	}
	return map[string]any{"key": params.Key, "deleted": true}, nil
}

type sessionsCompactParams struct {
	Key      string `json:"key"`
	MaxLines int    `json:"maxLines,omitempty"`
}

func (g *Gateway) handleSessionsCompact(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params sessionsCompactParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed compact params: %v", err)
	}

	result, err := g.sessions.Compact(params.Key, params.MaxLines)
	if err != nil {
		return nil, Errf(CodeUnavailable, "compact failed: %v", err)
	}
	return result, nil
}

type sessionsHistoryParams struct {
	Key   string `json:"key"`
	Limit int    `json:"limit,omitempty"`
}

// handleSessionsHistory reads a session's recent messages from the
// audit trail, oldest-first.
func (g *Gateway) handleSessionsHistory(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params sessionsHistoryParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed history params: %v", err)
	}

	if g.audit == nil {
		return nil, Errf(CodeUnavailable, "message audit trail is disabled")
	}
	messages, err := g.audit.History(context.Background(), params.Key, params.Limit)
	if err != nil {
		return nil, Errf(CodeUnavailable, "failed to read history: %v", err)
	}
	return map[string]any{"key": params.Key, "messages": messages}, nil
}

type sessionsResolveParams struct {
	Label string `json:"label"`
}

func (g *Gateway) handleSessionsResolve(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params sessionsResolveParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed resolve params: %v", err)
	}

	key, entry, err := g.sessions.Resolve(params.Label)
	if err != nil {
		return nil, sessionError(err)
	}
	return map[string]any{"key": key, "entry": entry}, nil
}
