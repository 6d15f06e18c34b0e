package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/versus-project/versus/internal/events"
)

// Snapshot intervals above this leave a client a long time on a diverged state.
const maxSnapshotInterval = 600

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	validateNetplay(&cfg.Netplay, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateNetplay(n *NetplayConfig, result *ValidationResult) {
	role, ok := events.ParseRole(n.Role)
	if !ok {
		result.AddError("netplay.role", fmt.Sprintf("unknown role %q (expected server or client)", n.Role))
	}

	if role == events.RoleClient && strings.TrimSpace(n.Host) == "" {
		result.AddError("netplay.host", "host is required for a client")
	}

	validatePort(n.Port, "netplay.port", result)

	switch n.Transport {
	case TransportTCP, TransportWebSocket:
	default:
		result.AddError("netplay.transport",
			fmt.Sprintf("unknown transport %q (expected %s or %s)", n.Transport, TransportTCP, TransportWebSocket))
	}

	if n.ConnectAttempts < 1 {
		result.AddError("netplay.connect_attempts", "must try to connect at least once")
	}
	if n.ConnectBackoffMS < 0 {
		result.AddError("netplay.connect_backoff_ms", "backoff cannot be negative")
	}

	if n.SnapshotIntervalTicks < 1 {
		result.AddError("netplay.snapshot_interval_ticks", "snapshot interval must be at least 1 tick")
	} else if n.SnapshotIntervalTicks > maxSnapshotInterval {
		result.AddWarning("netplay.snapshot_interval_ticks",
			fmt.Sprintf("snapshot interval of %d ticks makes recovery from divergence slow", n.SnapshotIntervalTicks))
	}

	if n.PingIntervalMS < 100 {
		result.AddWarning("netplay.ping_interval_ms", "ping interval less than 100ms adds needless traffic")
	}

	if n.TickRate < 1 || n.TickRate > 1000 {
		result.AddError("netplay.tick_rate", fmt.Sprintf("invalid tick rate: %d (must be 1-1000)", n.TickRate))
	}

	if n.IdleTimeoutSec < 1 {
		result.AddError("netplay.idle_timeout_sec", "idle timeout must be at least 1 second")
	}
	if n.WriteTimeoutSec < 1 {
		result.AddError("netplay.write_timeout_sec", "write timeout must be at least 1 second")
	}
	if n.HandshakeTimeoutSec < 1 {
		result.AddError("netplay.handshake_timeout_sec", "handshake timeout must be at least 1 second")
	}

	if n.MatchTicks < 0 {
		result.AddError("netplay.match_ticks", "match length cannot be negative")
	}
	if n.RoundTime < 1 {
		result.AddWarning("netplay.round_time", "round time below 1 second ends rounds immediately")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	// API
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
		if data.MQTT.UseTLS && (data.MQTT.CertFile == "") != (data.MQTT.KeyFile == "") {
			result.AddError("application_data.mqtt.cert_file", "client certificate and key must be set together")
		}
	}

	// Database
	if data.Database.Enabled && strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required when enabled")
	}
	if data.Database.RetentionDays < 0 {
		result.AddError("application_data.database.retention_days", "retention must be zero or more days")
	}

	// Monitor
	m := data.Monitor
	if m.CheckIntervalSec < 1 {
		result.AddError("application_data.monitor.check_interval_sec", "check interval must be at least 1 second")
	}
	if m.RTTWarningMS < 1 || m.RTTCriticalMS < 1 {
		result.AddError("application_data.monitor", "RTT thresholds must be positive")
	} else if m.RTTWarningMS >= m.RTTCriticalMS {
		result.AddError("application_data.monitor.rtt_warning_ms", "warning threshold must be below the critical threshold")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
