package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/nodes"
)

type nodeInvokeParams struct {
	DeviceID  string          `json:"deviceId"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
}

// handleNodeInvoke dispatches a command to a connected node and blocks
// until the node answers or the timeout elapses.
func (g *Gateway) handleNodeInvoke(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params nodeInvokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed invoke params: %v", err)
	}

	timeout := time.Duration(params.TimeoutMs) * time.Millisecond
	result, err := g.nodes.Invoke(context.Background(), params.DeviceID, params.Command, params.Params, timeout)
	if err != nil {
		switch {
		case errors.Is(err, nodes.ErrNotAllowed):
			return nil, Errf(CodeUnauthorized, "%v", err)
		case errors.Is(err, nodes.ErrNotConnected):
			return nil, Errf(CodeNotFound, "%v", err)
		default:
			return nil, Errf(CodeUnavailable, "%v", err)
		}
	}
	return result, nil
}

// handleNodeInvokeResult delivers a node's answer back to the waiting
// invoker. Only the node the invocation was addressed to may resolve
// it, and only once.
func (g *Gateway) handleNodeInvokeResult(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var result nodes.InvokeResult
	if err := json.Unmarshal(req.Params, &result); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed result params: %v", err)
	}

	if err := g.nodes.Resolve(c.deviceID, &result); err != nil {
		if errors.Is(err, nodes.ErrWrongNode) {
			return nil, Errf(CodeUnauthorized, "%v", err)
		}
		return nil, Errf(CodeNotFound, "%v", err)
	}
	return map[string]any{"id": result.ID, "delivered": true}, nil
}
