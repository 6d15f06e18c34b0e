// Package config handles configuration loading, validation, and persistence
// for the versus netplay peer.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultNetplayPort = 7500
	DefaultAPIPort     = 7580
)

// Transports understood by the netplay section.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Netplay         NetplayConfig   `json:"netplay"`
	ApplicationData ApplicationData `json:"application_data"`
}

// NetplayConfig describes how this peer joins a match.
type NetplayConfig struct {
	// Connection
	Role      string `json:"role"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`

	// Client dialing
	ConnectAttempts  int `json:"connect_attempts"`
	ConnectBackoffMS int `json:"connect_backoff_ms"`

	// Synchronization
	SnapshotIntervalTicks int `json:"snapshot_interval_ticks"`
	PingIntervalMS        int `json:"ping_interval_ms"`

	// Timeouts
	IdleTimeoutSec      int `json:"idle_timeout_sec"`
	WriteTimeoutSec     int `json:"write_timeout_sec"`
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`

	// Simulation
	TickRate   int `json:"tick_rate"`
	MatchTicks int `json:"match_ticks"`
	RoundTime  int `json:"round_time"`
}

// ConnectBackoff returns the pause between dial attempts.
func (n NetplayConfig) ConnectBackoff() time.Duration {
	return time.Duration(n.ConnectBackoffMS) * time.Millisecond
}

// PingInterval returns the server ping cadence.
func (n NetplayConfig) PingInterval() time.Duration {
	return time.Duration(n.PingIntervalMS) * time.Millisecond
}

// IdleTimeout returns how long a read may wait for the peer.
func (n NetplayConfig) IdleTimeout() time.Duration {
	return time.Duration(n.IdleTimeoutSec) * time.Second
}

// WriteTimeout returns the per-frame write deadline.
func (n NetplayConfig) WriteTimeout() time.Duration {
	return time.Duration(n.WriteTimeoutSec) * time.Second
}

// HandshakeTimeout bounds the start-of-match rendezvous.
func (n NetplayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(n.HandshakeTimeoutSec) * time.Second
}

// ApplicationData contains the peer's supporting services.
type ApplicationData struct {
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Database DatabaseConfig `json:"database"`
	Monitor  MonitorConfig  `json:"monitor"`
	Logging  LoggingConfig  `json:"logging"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
}

// DatabaseConfig holds the match log settings.
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// RetentionDays removes older matches at startup; 0 keeps everything.
	RetentionDays int `json:"retention_days"`
}

// MonitorConfig holds latency thresholds.
type MonitorConfig struct {
	CheckIntervalSec int `json:"check_interval_sec"`
	RTTWarningMS     int `json:"rtt_warning_ms"`
	RTTCriticalMS    int `json:"rtt_critical_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Netplay: NetplayConfig{
			Role:                  "server",
			Host:                  "127.0.0.1",
			Port:                  DefaultNetplayPort,
			Transport:             TransportTCP,
			ConnectAttempts:       5,
			ConnectBackoffMS:      1000,
			SnapshotIntervalTicks: 30,
			PingIntervalMS:        1000,
			IdleTimeoutSec:        10,
			WriteTimeoutSec:       10,
			HandshakeTimeoutSec:   30,
			TickRate:              60,
			MatchTicks:            60 * 99,
			RoundTime:             99,
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled:      true,
				Port:         DefaultAPIPort,
				RateLimitRPS: 100,
			},
			MQTT: MQTTConfig{
				Enabled:   false,
				BrokerURL: "localhost",
				Port:      1883,
			},
			Database: DatabaseConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "matches.db"),
				RetentionDays: 30,
			},
			Monitor: MonitorConfig{
				CheckIntervalSec: 5,
				RTTWarningMS:     100,
				RTTCriticalMS:    250,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetplay returns a copy of the netplay configuration.
func (c *Config) GetNetplay() NetplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Netplay
}

// SetNetplay updates the netplay configuration.
func (c *Config) SetNetplay(n NetplayConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Netplay = n
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateNetplayField updates a single netplay field by its JSON key.
func (c *Config) UpdateNetplayField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Netplay)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown netplay field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var n NetplayConfig
	if err := json.Unmarshal(updated, &n); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Netplay = n
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

