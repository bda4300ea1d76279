package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bandlink/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Transport    TransportConfig    `yaml:"transport"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Products     Catalog            `yaml:"products"`
}

// TransportConfig holds link timings.
type TransportConfig struct {
	OperationTimeout     time.Duration `yaml:"operation_timeout"`
	ResponseTimeout      time.Duration `yaml:"response_timeout"`
	NotifyTimeout        time.Duration `yaml:"notify_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	BondTimeout          time.Duration `yaml:"bond_timeout"`
	DisconnectFallback   time.Duration `yaml:"disconnect_fallback"`
	BondedDiscoveryDelay time.Duration `yaml:"bonded_discovery_delay"`
	MaxTries             int           `yaml:"max_tries"`
	NotifyTries          int           `yaml:"notify_tries"`
}

// OrchestratorConfig holds scan and reconnect settings.
type OrchestratorConfig struct {
	ScanTimeout   time.Duration `yaml:"scan_timeout"`
	AutoReconnect bool          `yaml:"auto_reconnect"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"` // backoff ceiling
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bandlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the standard timings and the built-in
// product catalog.
func Default() *Config {
	opts := ble.DefaultOptions()
	return &Config{
		LogLevel: "info",
		Transport: TransportConfig{
			OperationTimeout:   opts.OperationTimeout,
			ResponseTimeout:    opts.ResponseTimeout,
			NotifyTimeout:      opts.NotifyTimeout,
			ConnectTimeout:     opts.ConnectTimeout,
			BondTimeout:        opts.BondTimeout,
			DisconnectFallback: opts.DisconnectFallback,
			MaxTries:           opts.MaxTries,
			NotifyTries:        opts.NotifyTries,
		},
		Orchestrator: OrchestratorConfig{
			ScanTimeout:   10 * time.Second,
			AutoReconnect: true,
			ReconnectMax:  30 * time.Second,
		},
		Products: DefaultCatalog(),
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A products section replaces the built-in catalog.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists there.
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
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# bandlink configuration\n# Durations use Go syntax (5s, 1m30s). Characteristic UUIDs may be 16-bit (\"fee7\").\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	t := c.Transport
	for name, d := range map[string]time.Duration{
		"operation_timeout":   t.OperationTimeout,
		"response_timeout":    t.ResponseTimeout,
		"notify_timeout":      t.NotifyTimeout,
		"connect_timeout":     t.ConnectTimeout,
		"bond_timeout":        t.BondTimeout,
		"disconnect_fallback": t.DisconnectFallback,
	} {
		if d <= 0 {
			return fmt.Errorf("transport.%s must be > 0", name)
		}
	}
	if t.BondedDiscoveryDelay < 0 {
		return fmt.Errorf("transport.bonded_discovery_delay must not be negative")
	}
	if t.MaxTries < 1 {
		return fmt.Errorf("transport.max_tries must be >= 1")
	}
	if t.NotifyTries < 1 {
		return fmt.Errorf("transport.notify_tries must be >= 1")
	}

	if c.Orchestrator.ScanTimeout <= 0 {
		return fmt.Errorf("orchestrator.scan_timeout must be > 0")
	}
	if c.Orchestrator.AutoReconnect && c.Orchestrator.ReconnectMax < time.Second {
		return fmt.Errorf("orchestrator.reconnect_max must be >= 1s when auto_reconnect is set")
	}

	return c.Products.Validate()
}

// TransportOptions converts the transport section into link options.
func (c *Config) TransportOptions() ble.Options {
	t := c.Transport
	return ble.Options{
		OperationTimeout:     t.OperationTimeout,
		ResponseTimeout:      t.ResponseTimeout,
		NotifyTimeout:        t.NotifyTimeout,
		ConnectTimeout:       t.ConnectTimeout,
		BondTimeout:          t.BondTimeout,
		DisconnectFallback:   t.DisconnectFallback,
		BondedDiscoveryDelay: t.BondedDiscoveryDelay,
		MaxTries:             t.MaxTries,
		NotifyTries:          t.NotifyTries,
	}
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// select info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// UUID is a GATT UUID in config files. It accepts the full 128-bit form
// and the 16-bit SIG short form.
type UUID uuid.UUID

// bluetoothBase is the SIG base UUID that short forms expand into.
var bluetoothBase = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// ParseUUID parses a full or 16-bit UUID string.
func ParseUUID(s string) (UUID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) == 4 || len(s) == 8 {
		var short uint32
		if _, err := fmt.Sscanf(s, "%x", &short); err != nil {
			return UUID{}, fmt.Errorf("invalid short uuid %q", s)
		}
		u := bluetoothBase
		u[0], u[1], u[2], u[3] = byte(short>>24), byte(short>>16), byte(short>>8), byte(short)
		return UUID(u), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return UUID{}, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return UUID(u), nil
}

// MustParseUUID is ParseUUID for literals.
func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (u *UUID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: uuid must be a string", node.Line)
	}
	parsed, err := ParseUUID(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*u = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (u UUID) MarshalYAML() (interface{}, error) {
	return u.String(), nil
}

func (u UUID) String() string { return uuid.UUID(u).String() }

// IsZero reports whether u is unset.
func (u UUID) IsZero() bool { return uuid.UUID(u) == uuid.Nil }
