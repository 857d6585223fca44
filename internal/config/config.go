package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	BLE        BLEConfig        `yaml:"ble"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	Permission PermissionConfig `yaml:"permission"`
	Location   LocationConfig   `yaml:"location"`
	UI         UIConfig         `yaml:"ui"`
	Web        WebConfig        `yaml:"web"`
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	LogLevel   string           `yaml:"log_level"`
	LogFile    string           `yaml:"log_file"` // empty logs to stderr
}

// DeviceConfig identifies the car and its UART characteristic.
type DeviceConfig struct {
	Name               string `yaml:"name"`
	Address            string `yaml:"address"`
	ServiceUUID        string `yaml:"service_uuid"` // empty matches any service
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// BLEConfig selects and tunes the transport.
type BLEConfig struct {
	Transport      string        `yaml:"transport"` // "tinygo" or "serial"
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Serial         SerialConfig  `yaml:"serial"`
}

// SerialConfig holds settings for a UART bridge on a serial port.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// ReconnectConfig controls what happens after the link drops.
type ReconnectConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// ProtocolConfig holds line protocol settings.
type ProtocolConfig struct {
	Encoding      string        `yaml:"encoding"` // "raw" or "base64"
	Delimiters    string        `yaml:"delimiters"`
	StopCommand   string        `yaml:"stop_command"` // "STOP" or "STOP!!"
	MaxWriteBytes int           `yaml:"max_write_bytes"`
	WriteInterval time.Duration `yaml:"write_interval"`
}

// PermissionConfig describes the host for the permission gate.
type PermissionConfig struct {
	Platform  string   `yaml:"platform"` // empty uses the running OS
	APILevel  int      `yaml:"api_level"`
	Threshold int      `yaml:"threshold"`
	Denied    []string `yaml:"denied,omitempty"` // simulated denials, e.g. BLUETOOTH_SCAN
}

// LocationConfig is the reference coordinate shown before the first fix.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// UIConfig selects the terminal presentation.
type UIConfig struct {
	Mode string `yaml:"mode"` // "tui" or "headless"
}

// WebConfig holds the HTTP/WebSocket adapter settings.
type WebConfig struct {
	Addr string `yaml:"addr"` // empty disables the web adapter
}

// HotkeyConfig holds global hotkey settings.
type HotkeyConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ToggleKeys []string `yaml:"toggle_keys"`
	StopKeys   []string `yaml:"stop_keys"`
}

// knownCapabilities are the names accepted in permission.denied.
var knownCapabilities = map[string]bool{
	"ACCESS_FINE_LOCATION": true,
	"BLUETOOTH_SCAN":       true,
	"BLUETOOTH_CONNECT":    true,
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rcble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:               "DSD TECH",
			ServiceUUID:        "0000ffe0-0000-1000-8000-00805f9b34fb",
			CharacteristicUUID: "0000ffe1-0000-1000-8000-00805f9b34fb",
		},
		BLE: BLEConfig{
			Transport:      "tinygo",
			ScanTimeout:    30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			Serial:         SerialConfig{Baud: 9600},
		},
		Reconnect: ReconnectConfig{
			Enabled:  false,
			MaxDelay: 30 * time.Second,
		},
		Protocol: ProtocolConfig{
			Encoding:      "raw",
			Delimiters:    ":,\n",
			StopCommand:   "STOP",
			MaxWriteBytes: 20,
			WriteInterval: 20 * time.Millisecond,
		},
		Permission: PermissionConfig{
			Threshold: 31,
		},
		Location: LocationConfig{
			Latitude:  37.33935,
			Longitude: -121.88074,
		},
		UI: UIConfig{
			Mode: "tui",
		},
		Hotkey: HotkeyConfig{
			Enabled:    false,
			ToggleKeys: []string{"ctrl", "shift", "g"},
			StopKeys:   []string{"ctrl", "shift", "s"},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# rcble configuration\n" +
		"# device.name or device.address selects the car; ble.transport is tinygo or serial.\n" +
		"# Set web.addr (e.g. 127.0.0.1:8080) to enable the web view.\n\n"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), body...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" && c.Device.Address == "" {
		return fmt.Errorf("device.name or device.address must be set")
	}
	if c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("device.characteristic_uuid must not be empty")
	}

	switch c.BLE.Transport {
	case "tinygo":
	case "serial":
		if c.BLE.Serial.Port == "" {
			return fmt.Errorf("ble.serial.port must be set when ble.transport is \"serial\"")
		}
		if c.BLE.Serial.Baud <= 0 {
			return fmt.Errorf("ble.serial.baud must be > 0")
		}
	default:
		return fmt.Errorf("ble.transport must be \"tinygo\" or \"serial\", got %q", c.BLE.Transport)
	}
	if c.BLE.ScanTimeout < 0 {
		return fmt.Errorf("ble.scan_timeout must not be negative")
	}
	if c.BLE.ConnectTimeout < 0 {
		return fmt.Errorf("ble.connect_timeout must not be negative")
	}

	if c.Reconnect.Enabled && c.Reconnect.MaxDelay <= 0 {
		return fmt.Errorf("reconnect.max_delay must be > 0 when reconnect is enabled")
	}

	switch c.Protocol.Encoding {
	case "raw":
		if c.Protocol.MaxWriteBytes <= 0 {
			return fmt.Errorf("protocol.max_write_bytes must be > 0")
		}
	case "base64":
		if c.Protocol.MaxWriteBytes < 4 {
			return fmt.Errorf("protocol.max_write_bytes must be >= 4 for base64")
		}
	default:
		return fmt.Errorf("protocol.encoding must be \"raw\" or \"base64\", got %q", c.Protocol.Encoding)
	}
	if c.Protocol.Delimiters == "" {
		return fmt.Errorf("protocol.delimiters must not be empty")
	}
	switch c.Protocol.StopCommand {
	case "STOP", "STOP!!":
	default:
		return fmt.Errorf("protocol.stop_command must be \"STOP\" or \"STOP!!\", got %q", c.Protocol.StopCommand)
	}
	if c.Protocol.WriteInterval < 0 {
		return fmt.Errorf("protocol.write_interval must not be negative")
	}

	if c.Permission.APILevel < 0 || c.Permission.Threshold < 0 {
		return fmt.Errorf("permission.api_level and permission.threshold must not be negative")
	}
	for _, name := range c.Permission.Denied {
		if !knownCapabilities[name] {
			return fmt.Errorf("permission.denied: unknown capability %q", name)
		}
	}

	if !validCoordinate(c.Location.Latitude, 90) || !validCoordinate(c.Location.Longitude, 180) {
		return fmt.Errorf("location must be a valid coordinate, got %v,%v", c.Location.Latitude, c.Location.Longitude)
	}

	switch c.UI.Mode {
	case "tui", "headless":
	default:
		return fmt.Errorf("ui.mode must be \"tui\" or \"headless\", got %q", c.UI.Mode)
	}

	if c.Hotkey.Enabled {
		if len(c.Hotkey.ToggleKeys) == 0 {
			return fmt.Errorf("hotkey.toggle_keys must not be empty")
		}
		if len(c.Hotkey.StopKeys) == 0 {
			return fmt.Errorf("hotkey.stop_keys must not be empty")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func validCoordinate(v, limit float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && math.Abs(v) <= limit
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
