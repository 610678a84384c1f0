package gateway

import "encoding/json"

// reqFrame is an inbound RPC request.
type reqFrame struct {
	Type           string          `json:"type"` // "req"
	ID             string          `json:"id"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// resFrame is an RPC response. Two-phase methods send two frames with
// the same id: an accepted envelope, then the terminal outcome.
type resFrame struct {
	Type    string          `json:"type"` // "res"
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// eventFrame is an async push. Seq increases monotonically per
// connection so clients can detect gaps.
type eventFrame struct {
	Type    string `json:"type"` // "event"
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Seq     uint64 `json:"seq"`
}

func okFrame(id string, payload json.RawMessage) resFrame {
	return resFrame{Type: "res", ID: id, OK: true, Payload: payload}
}

func errFrame(id string, gwErr *Error) resFrame {
	return resFrame{Type: "res", ID: id, OK: false, Error: gwErr}
}
