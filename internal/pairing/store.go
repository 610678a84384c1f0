package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Sentinel errors for wire error-code mapping.
var (
	// ErrRequestNotFound marks approve/reject of unknown or already
	// consumed pairing requests.
	ErrRequestNotFound = errors.New("pairing request not found")

	// ErrNotPaired marks token operations on unpaired devices.
	ErrNotPaired = errors.New("device not paired")
)

// DefaultPath returns the default location of the pairing store.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawgate", "devices.json")
}

// Store persists pending pairing requests and paired devices. Every
// mutation reloads from disk, applies, and writes back atomically so
// concurrent processes see a consistent file.
type Store struct {
	path   string
	tokens *TokenIssuer
	now    func() time.Time
	mu     sync.Mutex
}

// NewStore creates a pairing store backed by the given file.
func NewStore(path string, tokens *TokenIssuer) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path, tokens: tokens, now: time.Now}
}

// SetClock overrides the clock, for tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Request registers a pairing request for a device. If the device is
// already paired the request is flagged as a re-pair. An existing
// unexpired request for the same device is returned instead of
// creating a duplicate.
func (s *Store) Request(deviceID, displayName, role, remoteIP string) (*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if role != RoleOperator && role != RoleNode {
		return nil, fmt.Errorf("invalid role %q (valid: %s, %s)", role, RoleOperator, RoleNode)
	}

	file, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	for _, req := range file.Pending {
		if req.DeviceID == deviceID {
			return req, nil
		}
	}

	req := &PendingRequest{
		RequestID:   uuid.New().String(),
		DeviceID:    deviceID,
		DisplayName: displayName,
		Role:        role,
		RemoteIP:    remoteIP,
		IsRepair:    s.findDeviceLocked(file, deviceID) != nil,
		Ts:          s.now().UnixMilli(),
	}
	file.Pending = append(file.Pending, req)
	if err := s.saveLocked(file); err != nil {
		return nil, err
	}

	L_info("pairing: request received", "device", deviceID, "role", role, "repair", req.IsRepair)
	return req, nil
}

// Pending returns the current pending requests.
func (s *Store) Pending() ([]*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return file.Pending, nil
}

// Approve resolves a pending request: the device becomes (or stays)
// paired with the requested role and a fresh token is issued. The
// request is consumed; approving the same request twice fails.
func (s *Store) Approve(requestID string, scopes []string) (*Device, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, "", err
	}

	req := s.takePendingLocked(file, requestID)
	if req == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	now := s.now().UnixMilli()
	dev := s.findDeviceLocked(file, req.DeviceID)
	if dev == nil {
		dev = &Device{
			DeviceID:    req.DeviceID,
			CreatedAtMs: now,
		}
		file.Devices = append(file.Devices, dev)
	}
	if req.DisplayName != "" {
		dev.DisplayName = req.DisplayName
	}
	if !dev.HasRole(req.Role) {
		dev.Roles = append(dev.Roles, req.Role)
	}
	if len(scopes) > 0 {
		dev.Scopes = scopes
	}
	dev.ApprovedAtMs = now

	tokenID, token, err := s.tokens.Issue(dev.DeviceID, req.Role, dev.Scopes)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue device token: %w", err)
	}
	dev.TokenIDs = append(dev.TokenIDs, tokenID)

	if err := s.saveLocked(file); err != nil {
		return nil, "", err
	}

	L_info("pairing: request approved", "device", dev.DeviceID, "role", req.Role)
	return dev, token, nil
}

// Reject discards a pending request. Rejecting a request that was
// already approved or rejected fails.
func (s *Store) Reject(requestID string) (*PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	req := s.takePendingLocked(file, requestID)
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	if err := s.saveLocked(file); err != nil {
		return nil, err
	}

	L_info("pairing: request rejected", "device", req.DeviceID)
	return req, nil
}

// Devices returns all paired devices.
func (s *Store) Devices() ([]*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return file.Devices, nil
}

// Get returns the paired device with the given id, or nil.
func (s *Store) Get(deviceID string) (*Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	return s.findDeviceLocked(file, deviceID), nil
}

// Rotate replaces all of a device's tokens with one fresh token. Old
// tokens stop validating immediately.
func (s *Store) Rotate(deviceID, role string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	dev := s.findDeviceLocked(file, deviceID)
	if dev == nil {
		return "", fmt.Errorf("%w: %s", ErrNotPaired, deviceID)
	}
	if role == "" {
		role = RoleOperator
		if !dev.HasRole(role) && len(dev.Roles) > 0 {
			role = dev.Roles[0]
		}
	}
	if !dev.HasRole(role) {
		return "", fmt.Errorf("device %s does not have role %s", deviceID, role)
	}

	tokenID, token, err := s.tokens.Issue(dev.DeviceID, role, dev.Scopes)
	if err != nil {
		return "", fmt.Errorf("failed to issue device token: %w", err)
	}
	dev.TokenIDs = []string{tokenID}

	if err := s.saveLocked(file); err != nil {
		return "", err
	}
	L_info("pairing: token rotated", "device", deviceID)
	return token, nil
}

// Revoke invalidates all of a device's tokens without unpairing it.
func (s *Store) Revoke(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return err
	}
	dev := s.findDeviceLocked(file, deviceID)
	if dev == nil {
		return fmt.Errorf("%w: %s", ErrNotPaired, deviceID)
	}
	dev.TokenIDs = nil

	if err := s.saveLocked(file); err != nil {
		return err
	}
	L_info("pairing: tokens revoked", "device", deviceID)
	return nil
}

// Authenticate verifies a token and checks its id is still current for
// the device. Returns the device and the role baked into the token.
func (s *Store) Authenticate(token string) (*Device, string, []string, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, "", nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.loadLocked()
	if err != nil {
		return nil, "", nil, err
	}
	dev := s.findDeviceLocked(file, claims.DeviceID)
	if dev == nil {
		return nil, "", nil, fmt.Errorf("%w: %s", ErrNotPaired, claims.DeviceID)
	}
	for _, id := range dev.TokenIDs {
		if id == claims.TokenID {
			return dev, claims.Role, claims.Scopes, nil
		}
	}
	return nil, "", nil, fmt.Errorf("token has been revoked")
}

func (s *Store) takePendingLocked(file *storeFile, requestID string) *PendingRequest {
	for i, req := range file.Pending {
		if req.RequestID == requestID {
			file.Pending = append(file.Pending[:i], file.Pending[i+1:]...)
			return req
		}
	}
	return nil
}

func (s *Store) findDeviceLocked(file *storeFile, deviceID string) *Device {
	for _, dev := range file.Devices {
		if dev.DeviceID == deviceID {
			return dev
		}
	}
	return nil
}

// loadLocked reads the store file, dropping expired pending requests.
func (s *Store) loadLocked() (*storeFile, error) {
	file := &storeFile{Version: 1}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, fmt.Errorf("failed to read pairing store: %w", err)
	}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse pairing store: %w", err)
	}

	cutoff := s.now().Add(-RequestTTL).UnixMilli()
	kept := file.Pending[:0]
	for _, req := range file.Pending {
		if req.Ts >= cutoff {
			kept = append(kept, req)
		}
	}
	file.Pending = kept
	return file, nil
}

func (s *Store) saveLocked(file *storeFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pairing store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
