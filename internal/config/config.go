// Package config provides configuration parsing and validation for the
// coordinator and agent binaries.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration. The coordinator binary reads
// the coordinator and log sections, the agent binary the agent and log
// sections; one file can serve both.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Agent       AgentConfig       `yaml:"agent"`
	Log         LogConfig         `yaml:"log"`
}

// CoordinatorConfig contains the coordinator settings.
type CoordinatorConfig struct {
	Listeners []ListenerConfig `yaml:"listeners"`
	Database  string           `yaml:"database"` // sqlite credential store path

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // first frame deadline
	PollTimeout      time.Duration `yaml:"poll_timeout"`      // credential poll read deadline
	ResponseTimeout  time.Duration `yaml:"response_timeout"`  // command reply deadline
	MaxFrameSize     int           `yaml:"max_frame_size"`    // wire payload cap in bytes

	RequestsPerMinute int `yaml:"requests_per_minute"` // fresh credential requests per origin host
	RequestBurst      int `yaml:"request_burst"`

	Console ConsoleConfig `yaml:"console"`
	Health  HealthConfig  `yaml:"health"`
}

// ListenerConfig defines a transport listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // tcp, tls, ws, quic
	Address   string    `yaml:"address"`   // listen address
	Path      string    `yaml:"path"`      // HTTP path for ws
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines the certificate source for a listener.
type TLSConfig struct {
	Mode       string   `yaml:"mode"`        // selfsigned, file, acme
	Cert       string   `yaml:"cert"`        // certificate file path (file mode)
	Key        string   `yaml:"key"`         // private key file path (file mode)
	CommonName string   `yaml:"common_name"` // subject for selfsigned mode
	ACMEHosts  []string `yaml:"acme_hosts"`  // host whitelist for acme mode
	ACMECache  string   `yaml:"acme_cache"`  // autocert cache directory
}

// ConsoleConfig defines the interactive console settings.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AgentConfig contains the agent settings.
type AgentConfig struct {
	Endpoint  string `yaml:"endpoint"`   // endpoint id; empty uses the hostname
	Transport string `yaml:"transport"`  // tcp, tls, ws, quic
	Address   string `yaml:"address"`    // coordinator address
	TokenFile string `yaml:"token_file"` // persisted credential path

	Pin      string `yaml:"pin"`      // coordinator certificate fingerprint
	Insecure bool   `yaml:"insecure"` // skip TLS verification (dev only)

	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`   // per-command execution cap
	PollInterval  time.Duration `yaml:"poll_interval"`  // credential status poll cadence
	ReconnectWait time.Duration `yaml:"reconnect_wait"` // pause between connection attempts
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Listeners: []ListenerConfig{
				{
					Transport: "tls",
					Address:   ":4444",
					TLS:       TLSConfig{Mode: "selfsigned"},
				},
			},
			Database:          "drover.db",
			HandshakeTimeout:  30 * time.Second,
			PollTimeout:       90 * time.Second,
			ResponseTimeout:   35 * time.Second,
			MaxFrameSize:      10 * 1024 * 1024,
			RequestsPerMinute: 1,
			RequestBurst:      3,
			Console: ConsoleConfig{
				Enabled: true,
			},
			Health: HealthConfig{
				Enabled:      false,
				Address:      ":8080",
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			},
		},
		Agent: AgentConfig{
			Transport:     "tls",
			Address:       "127.0.0.1:4444",
			TokenFile:     "drover-token",
			DialTimeout:   10 * time.Second,
			ExecTimeout:   30 * time.Second,
			PollInterval:  5 * time.Second,
			ReconnectWait: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file. A missing file yields the
// defaults, so both binaries run without one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() []error {
	var errs []error

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Coordinator.Database == "" {
		errs = append(errs, fmt.Errorf("coordinator.database is required"))
	}
	if c.Coordinator.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.handshake_timeout must be positive"))
	}
	if c.Coordinator.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.poll_timeout must be positive"))
	}
	if c.Coordinator.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("coordinator.response_timeout must be positive"))
	}
	if c.Coordinator.MaxFrameSize < 4096 {
		errs = append(errs, fmt.Errorf("coordinator.max_frame_size must be at least 4096"))
	}
	if c.Coordinator.RequestsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("coordinator.requests_per_minute must be positive"))
	}
	if c.Coordinator.RequestBurst < 1 {
		errs = append(errs, fmt.Errorf("coordinator.request_burst must be positive"))
	}

	for i, l := range c.Coordinator.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Errorf("coordinator.listeners[%d]: %w", i, err))
		}
	}

	if c.Coordinator.Health.Enabled && c.Coordinator.Health.Address == "" {
		errs = append(errs, fmt.Errorf("coordinator.health.address is required when enabled"))
	}

	if !isValidTransport(c.Agent.Transport) {
		errs = append(errs, fmt.Errorf("invalid agent.transport: %s (must be tcp, tls, ws, or quic)", c.Agent.Transport))
	}
	if c.Agent.Address == "" {
		errs = append(errs, fmt.Errorf("agent.address is required"))
	}
	if c.Agent.TokenFile == "" {
		errs = append(errs, fmt.Errorf("agent.token_file is required"))
	}
	if c.Agent.ExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent.exec_timeout must be positive"))
	}
	if c.Agent.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.poll_interval must be positive"))
	}

	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "tls", "ws", "quic":
		return true
	default:
		return false
	}
}

func isValidCertMode(mode string) bool {
	switch mode {
	case "", "selfsigned", "file", "acme":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp, tls, ws, or quic)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if !isValidCertMode(l.TLS.Mode) {
		return fmt.Errorf("invalid tls.mode: %s (must be selfsigned, file, or acme)", l.TLS.Mode)
	}
	if l.TLS.Mode == "file" && (l.TLS.Cert == "" || l.TLS.Key == "") {
		return fmt.Errorf("tls.cert and tls.key are required for file mode")
	}
	if l.TLS.Mode == "acme" && len(l.TLS.ACMEHosts) == 0 {
		return fmt.Errorf("tls.acme_hosts is required for acme mode")
	}
	return nil
}

// String returns a string representation of the config (for logging).
// Sensitive values are redacted; use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive
// values. Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	// Private key paths point at sensitive files
	for i := range redacted.Coordinator.Listeners {
		if redacted.Coordinator.Listeners[i].TLS.Key != "" {
			redacted.Coordinator.Listeners[i].TLS.Key = redactedValue
		}
	}

	return redacted
}
