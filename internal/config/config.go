// Package config provides persistent configuration storage for phototimer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the persistent configuration for a phototimer device.
type Config struct {
	// Role is the device's role in the last session it paired into:
	// "start" (watches the start line) or "finish" (watches the finish line).
	Role string `json:"role,omitempty"`
	// LastRoomCode is the room code of the last session this device joined or hosted.
	LastRoomCode string `json:"last_room_code,omitempty"`
	// RelayURL is the WebSocket relay endpoint used when devices can't reach
	// each other directly (e.g. "wss://relay.example.com/ws").
	RelayURL string `json:"relay_url,omitempty"`
	// LogLevel is the default logging verbosity: error, warn, info, debug, or trace.
	LogLevel string `json:"log_level,omitempty"`
	// GateX is the slit column, as a fraction of frame width in [0,1], where
	// DET watches for a crossing. Overridable live via the gate-line file;
	// see Watcher.
	GateX float64 `json:"gate_x,omitempty"`
}

// DefaultConfigDir returns the default configuration directory.
// Returns ~/.phototimer on Unix-like systems, %USERPROFILE%\.phototimer on Windows.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".phototimer"), nil
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// DefaultGateLinePath returns the default path for the live gate-line
// override file watched by WatchGateLine, alongside the config file.
func DefaultGateLinePath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gateline.json"), nil
}

// Load reads the configuration from the default config file.
// Returns an empty Config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the configuration from the specified file path.
// Returns an empty Config if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist yet, return empty config
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the default config file.
func (c *Config) Save() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to the specified file path.
func (c *Config) SaveTo(path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to JSON with indentation
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
