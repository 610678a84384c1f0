// Package config loads and persists the clawgate configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dario.cat/mergo"
	"github.com/roelfdiedericks/clawgate/internal/logging"
)

// Config represents the merged clawgate configuration.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Agent    AgentConfig    `json:"agent"`
	Routing  RoutingConfig  `json:"routing"`
	Sessions SessionsConfig `json:"sessions"`
	Auth     AuthConfig     `json:"auth"`
}

type GatewayConfig struct {
	Listen string `json:"listen"`
	Port   int    `json:"port"`
}

type AgentConfig struct {
	Command       string `json:"command"`
	Model         string `json:"model"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	VerboseLevel  string `json:"verboseLevel,omitempty"`
}

type RoutingConfig struct {
	DefaultChannel string   `json:"defaultChannel"`
	WhatsappAllow  []string `json:"whatsappAllow,omitempty"`
}

type SessionsConfig struct {
	CompactLines int `json:"compactLines,omitempty"`
}

type AuthConfig struct {
	TokenSecret string `json:"tokenSecret,omitempty"`
}

// DefaultPath returns the config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawgate", "clawgate.json")
}

// StateDir returns the directory holding all clawgate state.
func StateDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clawgate")
}

func defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Listen: "127.0.0.1",
			Port:   3380,
		},
		Agent: AgentConfig{
			Command: "openclaw-agent",
		},
		Routing: RoutingConfig{
			DefaultChannel: "whatsapp",
		},
		Sessions: SessionsConfig{
			CompactLines: 400,
		},
	}
}

// Manager holds the live configuration and persists changes.
type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  *Config
}

// NewManager loads the config file, applying defaults for anything
// unset. A missing file is not an error.
func NewManager(path string) (*Manager, error) {
	if path == "" {
		path = DefaultPath()
	}
	m := &Manager{path: path}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	cfg := defaults()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.L_debug("config: no config file, using defaults", "path", m.path)
			m.cfg = cfg
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	m.cfg = cfg
	logging.L_info("config: loaded", "path", m.path)
	return nil
}

// Get returns a copy of the current config with secrets redacted.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := *m.cfg
	if out.Auth.TokenSecret != "" {
		out.Auth.TokenSecret = "[redacted]"
	}
	return &out
}

// Raw returns the current config including secrets. For internal
// wiring only, never for RPC responses.
func (m *Manager) Raw() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := *m.cfg
	return &out
}

// Set applies a sparse patch: validated against the schema, merged
// over the current config, and written atomically. Invalid patches
// leave both memory and disk untouched.
func (m *Manager) Set(patch json.RawMessage) (*Config, error) {
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var incoming Config
	if err := json.Unmarshal(patch, &incoming); err != nil {
		return nil, fmt.Errorf("failed to parse config patch: %w", err)
	}

	merged := *m.cfg
	if err := mergo.Merge(&merged, incoming, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config patch: %w", err)
	}

	if err := m.saveLocked(&merged); err != nil {
		return nil, err
	}
	m.cfg = &merged
	logging.L_info("config: updated", "path", m.path)

	out := merged
	if out.Auth.TokenSecret != "" {
		out.Auth.TokenSecret = "[redacted]"
	}
	return &out, nil
}

func (m *Manager) saveLocked(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Path returns the config file path.
func (m *Manager) Path() string { return m.path }
