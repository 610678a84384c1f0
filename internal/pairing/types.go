// Package pairing manages device pairing requests and paired device
// records with their auth tokens.
package pairing

import "time"

// Roles a device can pair as.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
)

// RequestTTL is how long a pending pairing request stays valid.
const RequestTTL = time.Hour

// PendingRequest is a device waiting for operator approval.
type PendingRequest struct {
	RequestID   string `json:"requestId"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
	RemoteIP    string `json:"remoteIp,omitempty"`
	IsRepair    bool   `json:"isRepair,omitempty"` // re-pairing a known device
	Ts          int64  `json:"ts"`
}

// Device is an approved, paired device.
type Device struct {
	DeviceID     string   `json:"deviceId"`
	DisplayName  string   `json:"displayName,omitempty"`
	Roles        []string `json:"roles"`
	Scopes       []string `json:"scopes,omitempty"`
	TokenIDs     []string `json:"tokenIds"` // ids of currently valid tokens
	CreatedAtMs  int64    `json:"createdAtMs"`
	ApprovedAtMs int64    `json:"approvedAtMs"`
}

// HasRole reports whether the device was paired with the given role.
func (d *Device) HasRole(role string) bool {
	for _, r := range d.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type storeFile struct {
	Version int               `json:"version"`
	Pending []*PendingRequest `json:"pending"`
	Devices []*Device         `json:"devices"`
}
