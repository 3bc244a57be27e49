// Package config provides configuration parsing and validation for the Aether gateway.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Directory DirectoryConfig `yaml:"directory"`
	Servers   []ServerConfig  `yaml:"servers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	LoRa      LoRaConfig      `yaml:"lora"`
	Devices   DevicesConfig   `yaml:"devices"`
	Health    HealthConfig    `yaml:"health"`
}

// GatewayConfig contains router and logging settings.
type GatewayConfig struct {
	LogLevel         string        `yaml:"log_level"`          // debug, info, warn, error
	LogFormat        string        `yaml:"log_format"`         // text, json
	RouteIdleTimeout time.Duration `yaml:"route_idle_timeout"` // 0 disables idle eviction
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	WriteBufferLimit int           `yaml:"write_buffer_limit"` // queued writes per unresolved stream
}

// DirectoryConfig defines how unknown server ids are resolved.
type DirectoryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`     // NATS server url
	Subject  string        `yaml:"subject"` // request subject
	Timeout  time.Duration `yaml:"timeout"`
	Token    string        `yaml:"token"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
}

// ServerConfig is a statically known server.
type ServerConfig struct {
	ID        uint32   `yaml:"id"`
	Endpoints []string `yaml:"endpoints"` // proto://host:port
}

// ChannelsConfig tunes the per-server channel selection layer.
type ChannelsConfig struct {
	Transports  []string      `yaml:"transports"` // enabled transports, empty = all
	DialTimeout time.Duration `yaml:"dial_timeout"`
	RedialRate  float64       `yaml:"redial_rate"` // redials per second
	RedialBurst int           `yaml:"redial_burst"`
	ReadBuffer  int           `yaml:"read_buffer"`
	WSPath      string        `yaml:"ws_path"`
	QUICALPN    string        `yaml:"quic_alpn"`
}

// LoRaConfig configures the LoRa gateway modem.
type LoRaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Driver       string        `yaml:"driver"` // dx-smart-lr02
	PollInterval time.Duration `yaml:"poll_interval"`
	Serial       SerialConfig  `yaml:"serial"`
	Radio        RadioConfig   `yaml:"radio"`
	Connect      []string      `yaml:"connect"` // modem sockets opened at start, tcp:// or udp://
}

// SerialConfig describes the serial link to the modem.
type SerialConfig struct {
	Port     string `yaml:"port"`
	Baud     int    `yaml:"baud"`
	Parity   string `yaml:"parity"` // none, even, odd
	StopBits string `yaml:"stop_bits"`
}

// RadioConfig carries radio power save parameters and network settings.
type RadioConfig struct {
	Mode              string `yaml:"mode"` // transparent, fixed
	Level             string `yaml:"level"`
	Power             string `yaml:"power"`
	Bandwidth         string `yaml:"bandwidth"`
	CodingRate        string `yaml:"coding_rate"`
	SpreadingFactor   string `yaml:"spreading_factor"`
	FrequencyRange    string `yaml:"frequency_range"`
	Address           uint16 `yaml:"address"`
	Channel           uint8  `yaml:"channel"`
	CRCCheck          bool   `yaml:"crc_check"`
	IQSignalInversion bool   `yaml:"iq_signal_inversion"`
}

// DevicesConfig defines the local device port.
type DevicesConfig struct {
	UDPListen       string        `yaml:"udp_listen"` // empty disables the UDP device port
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxDatagramSize int           `yaml:"max_datagram_size"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	EnablePprof  bool          `yaml:"enable_pprof"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			LogLevel:         "info",
			LogFormat:        "text",
			RouteIdleTimeout: 10 * time.Minute,
			SweepInterval:    30 * time.Second,
			WriteBufferLimit: 64,
		},
		Directory: DirectoryConfig{
			Enabled: false,
			URL:     "nats://127.0.0.1:4222",
			Subject: "aether.directory.servers",
			Timeout: 5 * time.Second,
		},
		Servers: []ServerConfig{},
		Channels: ChannelsConfig{
			Transports:  []string{},
			DialTimeout: 10 * time.Second,
			RedialRate:  1,
			RedialBurst: 3,
			ReadBuffer:  4096,
			WSPath:      "/",
			QUICALPN:    "aether",
		},
		LoRa: LoRaConfig{
			Enabled:      false,
			Driver:       "dx-smart-lr02",
			PollInterval: 100 * time.Millisecond,
			Serial: SerialConfig{
				Port:     "/dev/ttyUSB0",
				Baud:     9600,
				Parity:   "none",
				StopBits: "1",
			},
			Radio: RadioConfig{
				Mode:            "transparent",
				Level:           "level0",
				Power:           "22dbm",
				Bandwidth:       "125k",
				CodingRate:      "4/5",
				SpreadingFactor: "sf9",
				FrequencyRange:  "868",
				Address:         0,
				Channel:         0,
				CRCCheck:        false,
			},
		},
		Devices: DevicesConfig{
			IdleTimeout:     10 * time.Minute,
			MaxDatagramSize: 1472,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown references are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Gateway.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Gateway.LogLevel))
	}
	if !isValidLogFormat(c.Gateway.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Gateway.LogFormat))
	}
	if c.Gateway.RouteIdleTimeout < 0 {
		errs = append(errs, "gateway.route_idle_timeout must not be negative")
	}
	if c.Gateway.RouteIdleTimeout > 0 && c.Gateway.SweepInterval <= 0 {
		errs = append(errs, "gateway.sweep_interval must be positive when route_idle_timeout is set")
	}
	if c.Gateway.WriteBufferLimit < 1 {
		errs = append(errs, "gateway.write_buffer_limit must be positive")
	}

	if c.Directory.Enabled {
		if c.Directory.URL == "" {
			errs = append(errs, "directory.url is required when enabled")
		}
		if c.Directory.Subject == "" {
			errs = append(errs, "directory.subject is required when enabled")
		}
		if c.Directory.Timeout <= 0 {
			errs = append(errs, "directory.timeout must be positive")
		}
	}

	seen := make(map[uint32]bool)
	for i, s := range c.Servers {
		if err := validateServer(s); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Sprintf("servers[%d]: duplicate id %d", i, s.ID))
		}
		seen[s.ID] = true
	}

	for i, t := range c.Channels.Transports {
		if !isValidTransport(t) {
			errs = append(errs, fmt.Sprintf("channels.transports[%d]: invalid transport: %s (must be tcp, udp, ws, or quic)", i, t))
		}
	}
	if c.Channels.DialTimeout <= 0 {
		errs = append(errs, "channels.dial_timeout must be positive")
	}
	if c.Channels.RedialRate <= 0 {
		errs = append(errs, "channels.redial_rate must be positive")
	}
	if c.Channels.RedialBurst < 1 {
		errs = append(errs, "channels.redial_burst must be at least 1")
	}
	if c.Channels.ReadBuffer < 512 {
		errs = append(errs, "channels.read_buffer must be at least 512")
	}

	if c.LoRa.Enabled {
		errs = append(errs, validateLoRa(c.LoRa)...)
	}

	if c.Devices.UDPListen != "" {
		if _, _, err := net.SplitHostPort(c.Devices.UDPListen); err != nil {
			errs = append(errs, fmt.Sprintf("devices.udp_listen: %v", err))
		}
		if c.Devices.MaxDatagramSize < 64 {
			errs = append(errs, "devices.max_datagram_size must be at least 64")
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
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
	case "tcp", "udp", "ws", "quic":
		return true
	default:
		return false
	}
}

func validateServer(s ServerConfig) error {
	if s.ID == 0 {
		return fmt.Errorf("id must be nonzero")
	}
	if len(s.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}
	for _, ep := range s.Endpoints {
		proto, addr, ok := strings.Cut(ep, "://")
		if !ok || !isValidTransport(proto) {
			return fmt.Errorf("invalid endpoint: %s (want proto://host:port)", ep)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid endpoint %s: %v", ep, err)
		}
	}
	return nil
}

func validateLoRa(l LoRaConfig) []string {
	var errs []string
	if l.Driver != "dx-smart-lr02" {
		errs = append(errs, fmt.Sprintf("lora.driver: unknown driver %q", l.Driver))
	}
	if l.Serial.Port == "" {
		errs = append(errs, "lora.serial.port is required when enabled")
	}
	if l.Serial.Baud <= 0 {
		errs = append(errs, "lora.serial.baud must be positive")
	}
	if l.PollInterval <= 0 {
		errs = append(errs, "lora.poll_interval must be positive")
	}
	if l.Radio.Channel > 30 {
		errs = append(errs, "lora.radio.channel must be between 0 and 30")
	}
	for _, ep := range l.Connect {
		proto, addr, ok := strings.Cut(ep, "://")
		if !ok || (proto != "tcp" && proto != "udp") {
			errs = append(errs, fmt.Sprintf("lora.connect: invalid endpoint %s (want tcp:// or udp://)", ep))
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("lora.connect: invalid endpoint %s: %v", ep, err))
		}
	}
	return errs
}

// String returns the redacted config as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns the config including credentials. Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with directory credentials redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Directory.Token != "" {
		redacted.Directory.Token = redactedValue
	}
	if redacted.Directory.Password != "" {
		redacted.Directory.Password = redactedValue
	}

	return redacted
}

// HasSensitiveData reports whether the config carries directory credentials.
func (c *Config) HasSensitiveData() bool {
	return c.Directory.Token != "" || c.Directory.Password != ""
}
