package gateway

import (
	"encoding/json"
	"errors"

	"github.com/roelfdiedericks/clawgate/internal/pairing"
)

func (g *Gateway) handleDevicePairList(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	pending, err := g.pairing.Pending()
	if err != nil {
		return nil, Errf(CodeUnavailable, "pairing store unavailable: %v", err)
	}
	devices, err := g.pairing.Devices()
	if err != nil {
		return nil, Errf(CodeUnavailable, "pairing store unavailable: %v", err)
	}
	return map[string]any{"pending": pending, "devices": devices}, nil
}

type pairApproveParams struct {
	RequestID string   `json:"requestId"`
	Scopes    []string `json:"scopes,omitempty"`
}

func (g *Gateway) handleDevicePairApprove(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params pairApproveParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed pairing params: %v", err)
	}

	dev, token, err := g.pairing.Approve(params.RequestID, params.Scopes)
	if err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{"device": dev, "token": token}, nil
}

type pairRejectParams struct {
	RequestID string `json:"requestId"`
}

func (g *Gateway) handleDevicePairReject(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params pairRejectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed pairing params: %v", err)
	}

	rejected, err := g.pairing.Reject(params.RequestID)
	if err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{"requestId": rejected.RequestID, "deviceId": rejected.DeviceID, "rejected": true}, nil
}

type tokenRotateParams struct {
	DeviceID string `json:"deviceId"`
	Role     string `json:"role,omitempty"`
}

func (g *Gateway) handleDeviceTokenRotate(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params tokenRotateParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed token params: %v", err)
	}

	token, err := g.pairing.Rotate(params.DeviceID, params.Role)
	if err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{"deviceId": params.DeviceID, "token": token}, nil
}

type tokenRevokeParams struct {
	DeviceID string `json:"deviceId"`
}

func (g *Gateway) handleDeviceTokenRevoke(c *wsConn, req *reqFrame, dkey string) (any, *Error) {
	var params tokenRevokeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, Errf(CodeInvalidRequest, "malformed token params: %v", err)
	}

	if err := g.pairing.Revoke(params.DeviceID); err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{"deviceId": params.DeviceID, "revoked": true}, nil
}

func pairingError(err error) *Error {
	if errors.Is(err, pairing.ErrRequestNotFound) || errors.Is(err, pairing.ErrNotPaired) {
		return Errf(CodeNotFound, "%v", err)
	}
	return Errf(CodeUnavailable, "%v", err)
}
