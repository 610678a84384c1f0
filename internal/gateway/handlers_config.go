package gateway

import (
	"encoding/json"
	"errors"

	"github.com/roelfdiedericks/clawgate/internal/config"
)

func (g *Gateway) handleConfigGet(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	return map[string]any{"config": g.cfg.Get()}, nil
}

type configSetParams struct {
	Patch json.RawMessage `json:"patch"`
}

func (g *Gateway) handleConfigSet(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params configSetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed config params: %v", err)
	}

	updated, err := g.cfg.Set(params.Patch)
	if err != nil {
		if errors.Is(err, config.ErrInvalidPatch) {
			return nil, Errf(CodeInvalidRequest, "%v", err)
		}
		return nil, Errf(CodeUnavailable, "config write failed: %v", err)
	}
	return map[string]any{"config": updated}, nil
}

func (g *Gateway) handleConfigSchema(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	return map[string]any{"schema": config.Schema()}, nil
}
