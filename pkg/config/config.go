// Package config loads zentalk-link settings from YAML files and
// ZENTALK_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the root application configuration
type Config struct {
	// DataDir holds the certificate, keys, device id and database
	DataDir string `mapstructure:"data_dir"`

	Device   DeviceConfig   `mapstructure:"device"`
	Log      LogConfig      `mapstructure:"log"`
	LAN      LANConfig      `mapstructure:"lan"`
	P2P      P2PConfig      `mapstructure:"p2p"`
	API      APIConfig      `mapstructure:"api"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// DeviceConfig describes this host as announced in its identity packet
type DeviceConfig struct {
	// ID is generated and saved under DataDir when empty
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// LogConfig defines logger settings
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// LANConfig configures the TCP transport
type LANConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	ListenPort int  `mapstructure:"listen_port"`

	// Payload transfers listen on the first free port in this range
	PayloadPortMin int `mapstructure:"payload_port_min"`
	PayloadPortMax int `mapstructure:"payload_port_max"`

	// Encryption: tls, noise or none
	Encryption   string `mapstructure:"encryption"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	NoiseKeyFile string `mapstructure:"noise_key_file"`
}

// P2PConfig configures the libp2p transport
type P2PConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	ListenAddrs []string `mapstructure:"listen_addrs"`
	// KeyFile holds the libp2p host key
	KeyFile string `mapstructure:"key_file"`
	// BootstrapPeers enables DHT peer routing when set
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
}

// APIConfig configures the HTTP control API
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// TimeoutsConfig bounds channel I/O; zero disables a limit
type TimeoutsConfig struct {
	Handshake time.Duration `mapstructure:"handshake"`
	Read      time.Duration `mapstructure:"read"`
	Write     time.Duration `mapstructure:"write"`
}

// StorageConfig configures the device database
type StorageConfig struct {
	Path      string        `mapstructure:"path"`
	OutboxTTL time.Duration `mapstructure:"outbox_ttl"`
}

// Default returns a Config populated with sensible defaults
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "zentalk"
	}

	return &Config{
		DataDir: "./data",
		Device: DeviceConfig{
			Name: host,
			Type: "desktop",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/zentalk-link.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		LAN: LANConfig{
			Enabled:        true,
			ListenPort:     1716,
			PayloadPortMin: 1739,
			PayloadPortMax: 1764,
			Encryption:     "tls",
			CertFile:       "certificate.pem",
			KeyFile:        "private.pem",
			NoiseKeyFile:   "noise.key",
		},
		P2P: P2PConfig{
			Enabled:     false,
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/4001"},
			KeyFile:     "p2p.key",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8716",
		},
		Timeouts: TimeoutsConfig{
			Handshake: 10 * time.Second,
			Read:      0,
			Write:     30 * time.Second,
		},
		Storage: StorageConfig{
			Path:      "zentalk-link.db",
			OutboxTTL: 7 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise searches
// common locations. Environment variables use the prefix ZENTALK with
// `.` and `-` replaced by `_`, e.g. ZENTALK_LAN_LISTEN_PORT=1717.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ZENTALK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("device.id", cfg.Device.ID)
	v.SetDefault("device.name", cfg.Device.Name)
	v.SetDefault("device.type", cfg.Device.Type)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("lan.enabled", cfg.LAN.Enabled)
	v.SetDefault("lan.listen_port", cfg.LAN.ListenPort)
	v.SetDefault("lan.payload_port_min", cfg.LAN.PayloadPortMin)
	v.SetDefault("lan.payload_port_max", cfg.LAN.PayloadPortMax)
	v.SetDefault("lan.encryption", cfg.LAN.Encryption)
	v.SetDefault("lan.cert_file", cfg.LAN.CertFile)
	v.SetDefault("lan.key_file", cfg.LAN.KeyFile)
	v.SetDefault("lan.noise_key_file", cfg.LAN.NoiseKeyFile)
	v.SetDefault("p2p.enabled", cfg.P2P.Enabled)
	v.SetDefault("p2p.listen_addrs", cfg.P2P.ListenAddrs)
	v.SetDefault("p2p.key_file", cfg.P2P.KeyFile)
	v.SetDefault("p2p.bootstrap_peers", cfg.P2P.BootstrapPeers)
	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.listen", cfg.API.Listen)
	v.SetDefault("timeouts.handshake", cfg.Timeouts.Handshake)
	v.SetDefault("timeouts.read", cfg.Timeouts.Read)
	v.SetDefault("timeouts.write", cfg.Timeouts.Write)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.outbox_ttl", cfg.Storage.OutboxTTL)

	if path == "" {
		if envPath := os.Getenv("ZENTALK_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zentalk-link")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zentalk"))
		}
	}

	// a missing config file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises the configuration and rejects impossible values
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.LAN.Encryption = strings.ToLower(strings.TrimSpace(c.LAN.Encryption))
	switch c.LAN.Encryption {
	case "tls", "noise", "none":
	case "":
		c.LAN.Encryption = "tls"
	default:
		return fmt.Errorf("invalid lan.encryption: %q", c.LAN.Encryption)
	}

	if c.LAN.ListenPort < 0 || c.LAN.ListenPort > 65535 {
		return fmt.Errorf("invalid lan.listen_port: %d", c.LAN.ListenPort)
	}
	if c.LAN.PayloadPortMin <= 0 || c.LAN.PayloadPortMax > 65535 || c.LAN.PayloadPortMin > c.LAN.PayloadPortMax {
		return fmt.Errorf("invalid payload port range %d-%d", c.LAN.PayloadPortMin, c.LAN.PayloadPortMax)
	}

	if c.Timeouts.Handshake < 0 || c.Timeouts.Read < 0 || c.Timeouts.Write < 0 {
		return errors.New("timeouts must not be negative")
	}

	if strings.TrimSpace(c.Device.Type) == "" {
		c.Device.Type = "desktop"
	}
	return nil
}

// Path resolves name relative to DataDir unless it is absolute
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.DataDir, name)
}

// ResolveDeviceID returns the configured device id, or the one saved
// under DataDir, generating and saving a new one on first run
func (c *Config) ResolveDeviceID() (string, error) {
	if id := strings.TrimSpace(c.Device.ID); id != "" {
		return id, nil
	}

	idPath := c.Path("device_id")
	if data, err := os.ReadFile(idPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			c.Device.ID = id
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	// device ids travel in certificate names; keep them to [0-9a-z_]
	id := strings.ReplaceAll(uuid.NewString(), "-", "_")

	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}

	c.Device.ID = id
	return id, nil
}

// MustLoad is a convenience that panics on error
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
