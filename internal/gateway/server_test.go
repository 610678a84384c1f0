package gateway

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func connectReq(t *testing.T, params any) *reqFrame {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("failed to marshal connect params: %v", err)
	}
	return &reqFrame{Type: "req", ID: "c1", Method: "connect", Params: raw}
}

func TestConnectWithoutTokenRequestsPairing(t *testing.T) {
	g := newTestGateway(t, &countingRunner{})
	w := newRecordingWriter()
	c := &wsConn{write: w, remoteIP: "10.0.0.5:1234"}

	err := g.acceptConnect(c, connectReq(t, map[string]any{
		"deviceId":    "laptop-1",
		"displayName": "Laptop",
	}))
	if !errors.Is(err, errPairingPending) {
		t.Fatalf("token-less connect should end as pairing-pending, got %v", err)
	}

	f := w.next(t)
	if !f.OK || !strings.Contains(string(f.Payload), "pairing_pending") {
		t.Fatalf("client should see the pending pairing request, got %+v", f)
	}

	pending, err := g.pairing.Pending()
	if err != nil {
		t.Fatalf("failed to read pending requests: %v", err)
	}
	if len(pending) != 1 || pending[0].DeviceID != "laptop-1" {
		t.Fatalf("pairing request not registered, pending = %+v", pending)
	}
	if pending[0].Role != "operator" {
		t.Errorf("role should default to operator, got %s", pending[0].Role)
	}
	if pending[0].RemoteIP != "10.0.0.5:1234" {
		t.Errorf("request should record the remote address, got %s", pending[0].RemoteIP)
	}
}

func TestConnectWithoutTokenOrDeviceIDRejected(t *testing.T) {
	g := newTestGateway(t, &countingRunner{})
	w := newRecordingWriter()
	c := &wsConn{write: w}

	err := g.acceptConnect(c, connectReq(t, map[string]any{"displayName": "anon"}))
	if err == nil || errors.Is(err, errPairingPending) {
		t.Fatalf("connect without token or deviceId should fail outright, got %v", err)
	}

	f := w.next(t)
	if f.OK || f.Error == nil || f.Error.Code != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", f)
	}
}

func TestConnectWithApprovedToken(t *testing.T) {
	g := newTestGateway(t, &countingRunner{})

	req, err := g.pairing.Request("phone-1", "Phone", "operator", "local")
	if err != nil {
		t.Fatalf("pairing request failed: %v", err)
	}
	_, token, err := g.pairing.Approve(req.RequestID, nil)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	w := newRecordingWriter()
	c := &wsConn{write: w}
	if err := g.acceptConnect(c, connectReq(t, map[string]any{"token": token})); err != nil {
		t.Fatalf("connect with an approved token should succeed: %v", err)
	}

	if c.deviceID != "phone-1" || c.role != "operator" {
		t.Errorf("connection identity not stamped: device=%s role=%s", c.deviceID, c.role)
	}
	f := w.next(t)
	if !f.OK || !strings.Contains(string(f.Payload), "phone-1") {
		t.Fatalf("ok frame should carry the device id, got %+v", f)
	}
}

func TestConnectWithBogusTokenRejected(t *testing.T) {
	g := newTestGateway(t, &countingRunner{})
	w := newRecordingWriter()
	c := &wsConn{write: w}

	err := g.acceptConnect(c, connectReq(t, map[string]any{"token": "not-a-jwt"}))
	if err == nil {
		t.Fatal("bogus token should be rejected")
	}

	f := w.next(t)
	if f.OK || f.Error == nil || f.Error.Code != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %+v", f)
	}
}

func TestConnectNodeRegistersWithCommands(t *testing.T) {
	g := newTestGateway(t, &countingRunner{})

	req, err := g.pairing.Request("pi-1", "Relay Pi", "node", "local")
	if err != nil {
		t.Fatalf("pairing request failed: %v", err)
	}
	_, token, err := g.pairing.Approve(req.RequestID, nil)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	w := newRecordingWriter()
	c := &wsConn{write: w}
	err = g.acceptConnect(c, connectReq(t, map[string]any{
		"token":    token,
		"commands": []string{"camera.snap"},
	}))
	if err != nil {
		t.Fatalf("node connect failed: %v", err)
	}
	if c.role != "node" {
		t.Fatalf("expected node role, got %s", c.role)
	}

	list := g.nodes.List()
	if len(list) != 1 || list[0].DeviceID != "pi-1" {
		t.Fatalf("node not registered, list = %+v", list)
	}
}
