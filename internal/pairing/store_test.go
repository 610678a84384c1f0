package pairing

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	issuer, err := NewTokenIssuer([]byte("test-secret"))
	if err != nil {
		t.Fatalf("issuer setup failed: %v", err)
	}
	return NewStore(filepath.Join(t.TempDir(), "devices.json"), issuer)
}

func TestRequestApproveAuthenticate(t *testing.T) {
	s := newTestStore(t)

	req, err := s.Request("dev1", "Laptop", RoleOperator, "10.0.0.5")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if req.IsRepair {
		t.Error("first pairing is not a repair")
	}

	dev, token, err := s.Approve(req.RequestID, []string{"admin"})
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if !dev.HasRole(RoleOperator) {
		t.Errorf("device missing role: %+v", dev)
	}

	got, role, scopes, err := s.Authenticate(token)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if got.DeviceID != "dev1" || role != RoleOperator {
		t.Errorf("unexpected auth result: %s %s", got.DeviceID, role)
	}
	if len(scopes) != 1 || scopes[0] != "admin" {
		t.Errorf("unexpected scopes: %v", scopes)
	}
}

func TestApproveConsumesRequest(t *testing.T) {
	s := newTestStore(t)
	req, _ := s.Request("dev1", "", RoleOperator, "")

	if _, _, err := s.Approve(req.RequestID, nil); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	// The request is gone: neither approve nor reject can touch it again.
	if _, _, err := s.Approve(req.RequestID, nil); err == nil {
		t.Fatal("second approve must fail")
	}
	if _, err := s.Reject(req.RequestID); err == nil {
		t.Fatal("reject after approve must fail")
	}
}

func TestRejectDiscards(t *testing.T) {
	s := newTestStore(t)
	req, _ := s.Request("dev1", "", RoleNode, "")

	rejected, err := s.Reject(req.RequestID)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.DeviceID != "dev1" {
		t.Errorf("unexpected request: %+v", rejected)
	}

	devices, _ := s.Devices()
	if len(devices) != 0 {
		t.Errorf("rejected device must not be paired: %v", devices)
	}
	if _, _, err := s.Approve(req.RequestID, nil); err == nil {
		t.Fatal("approve after reject must fail")
	}
}

func TestDuplicateRequestReturned(t *testing.T) {
	s := newTestStore(t)

	first, _ := s.Request("dev1", "", RoleOperator, "")
	second, err := s.Request("dev1", "", RoleOperator, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if second.RequestID != first.RequestID {
		t.Error("repeat request for the same device should return the pending one")
	}
}

func TestRepairFlagOnPairedDevice(t *testing.T) {
	s := newTestStore(t)
	req, _ := s.Request("dev1", "", RoleOperator, "")
	s.Approve(req.RequestID, nil)

	again, err := s.Request("dev1", "", RoleOperator, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !again.IsRepair {
		t.Error("re-pairing a known device must be flagged as repair")
	}
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	s := newTestStore(t)
	req, _ := s.Request("dev1", "", RoleOperator, "")
	_, oldToken, _ := s.Approve(req.RequestID, nil)

	newToken, err := s.Rotate("dev1", RoleOperator)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	if _, _, _, err := s.Authenticate(oldToken); err == nil {
		t.Fatal("old token must stop validating after rotate")
	}
	if _, _, _, err := s.Authenticate(newToken); err != nil {
		t.Fatalf("new token must validate: %v", err)
	}
}

func TestRevokeInvalidatesAllTokens(t *testing.T) {
	s := newTestStore(t)
	req, _ := s.Request("dev1", "", RoleOperator, "")
	_, token, _ := s.Approve(req.RequestID, nil)

	if err := s.Revoke("dev1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, _, _, err := s.Authenticate(token); err == nil {
		t.Fatal("revoked token must not validate")
	}

	// Still paired, just tokenless.
	dev, _ := s.Get("dev1")
	if dev == nil {
		t.Fatal("revoke must not unpair the device")
	}
}

func TestPendingRequestExpiry(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	req, _ := s.Request("dev1", "", RoleOperator, "")

	now = now.Add(RequestTTL + time.Minute)
	pending, err := s.Pending()
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expired request still pending: %v", pending)
	}
	if _, _, err := s.Approve(req.RequestID, nil); err == nil {
		t.Fatal("expired request must not be approvable")
	}
}
