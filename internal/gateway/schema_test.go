package gateway

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateParamsAccepts(t *testing.T) {
	g := &Gateway{}

	cases := map[string]string{
		"agent":      `{"message":"hello","sessionKey":"main","deliver":false}`,
		"agent.wait": `{"runId":"r1","timeoutMs":5000}`,
		"cron.add":   `{"schedule":{"kind":"every","everyMs":60000},"payload":{"kind":"agentTurn","message":"hi"}}`,
		"ping":       ``, // no schema, anything goes
	}
	for method, params := range cases {
		if gwErr := g.validateParams(method, json.RawMessage(params)); gwErr != nil {
			t.Errorf("%s: unexpected rejection: %v", method, gwErr)
		}
	}
}

func TestValidateParamsRejectsWithDetails(t *testing.T) {
	g := &Gateway{}

	gwErr := g.validateParams("agent", json.RawMessage(`{"message":"","bogus":1}`))
	if gwErr == nil {
		t.Fatal("expected rejection")
	}
	if gwErr.Code != CodeInvalidRequest {
		t.Errorf("unexpected code: %s", gwErr.Code)
	}
	details, ok := gwErr.Details.([]string)
	if !ok || len(details) == 0 {
		t.Fatalf("rejection must carry field-level details, got %v", gwErr.Details)
	}
	joined := strings.Join(details, "; ")
	if !strings.Contains(joined, "message") && !strings.Contains(joined, "bogus") {
		t.Errorf("details do not name the failing fields: %v", gwErr.Details)
	}
}

func TestValidateParamsMissingRequired(t *testing.T) {
	g := &Gateway{}

	if gwErr := g.validateParams("agent", nil); gwErr == nil {
		t.Error("agent without a message must be rejected")
	}
	if gwErr := g.validateParams("agent.wait", json.RawMessage(`{}`)); gwErr == nil {
		t.Error("agent.wait without a runId must be rejected")
	}
	if gwErr := g.validateParams("node.invoke", json.RawMessage(`{"deviceId":"n1"}`)); gwErr == nil {
		t.Error("node.invoke without a command must be rejected")
	}
}

func TestValidateParamsMalformedJSON(t *testing.T) {
	g := &Gateway{}

	gwErr := g.validateParams("agent", json.RawMessage(`{"message":`))
	if gwErr == nil || gwErr.Code != CodeInvalidRequest {
		t.Errorf("malformed params must be INVALID_REQUEST, got %v", gwErr)
	}
}

func TestRoleAllowed(t *testing.T) {
	both := []string{"operator", "node"}
	if !roleAllowed(both, "node") {
		t.Error("node should be allowed")
	}
	if roleAllowed(operatorOnly(), "node") {
		t.Error("node must not pass an operator-only check")
	}
	if roleAllowed(operatorOnly(), "") {
		t.Error("empty role must never be allowed")
	}
}
