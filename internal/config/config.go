package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// API levels gating operations, mirroring platform release numbering.
const (
	APILevelT = 33 // sessions, target/actual durations
	APILevelU = 34 // hints
)

// DefaultPreferredUpdateRate is one frame at 60Hz.
const DefaultPreferredUpdateRate = 16666666 * time.Nanosecond

// Config represents the complete perfhint configuration
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Controller ControllerConfig `mapstructure:"controller"`
	Placement  PlacementConfig  `mapstructure:"placement"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServiceConfig controls the hintd daemon
type ServiceConfig struct {
	// Socket is the unix socket path. Empty means ~/.perfhint/hintd.sock.
	Socket string `mapstructure:"socket"`
	// APILevel is advertised to clients and gates hint support.
	APILevel int `mapstructure:"api_level"`
	// PreferredUpdateRate is the recommended minimum interval between reports.
	PreferredUpdateRate time.Duration `mapstructure:"preferred_update_rate"`
	// VerifyThreads rejects thread ids outside the caller's thread group.
	VerifyThreads bool `mapstructure:"verify_threads"`
}

// ControllerConfig tunes the boost controller
type ControllerConfig struct {
	// Window is the number of actual durations averaged per decision
	Window int `mapstructure:"window"`
	// MaxBoost is the highest boost level
	MaxBoost int `mapstructure:"max_boost"`
	// IdleTimeout marks a session idle when no report arrives for this long
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// PlacementConfig controls CPU placement of session threads
type PlacementConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HTTPConfig controls the inspection API and tunnel endpoint
type HTTPConfig struct {
	// Addr is the listen address; empty disables the HTTP server
	Addr string `mapstructure:"addr"`
	// TunnelSecret, if set, must be presented by tunnel clients
	TunnelSecret string    `mapstructure:"tunnel_secret"`
	TLS          TLSConfig `mapstructure:"tls"`
}

// TLSConfig switches the HTTP server to HTTPS. Without a cert and key a
// self-signed certificate is generated and cached under Dir()/tls.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// JournalConfig controls the sqlite session journal
type JournalConfig struct {
	// Path is the database file. Empty means ~/.perfhint/journal.db.
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoggingConfig controls logging
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			APILevel:            APILevelU,
			PreferredUpdateRate: DefaultPreferredUpdateRate,
			VerifyThreads:       true,
		},
		Controller: ControllerConfig{
			Window:      8,
			MaxBoost:    4,
			IdleTimeout: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8810",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("service.socket", d.Service.Socket)
	v.SetDefault("service.api_level", d.Service.APILevel)
	v.SetDefault("service.preferred_update_rate", d.Service.PreferredUpdateRate)
	v.SetDefault("service.verify_threads", d.Service.VerifyThreads)
	v.SetDefault("controller.window", d.Controller.Window)
	v.SetDefault("controller.max_boost", d.Controller.MaxBoost)
	v.SetDefault("controller.idle_timeout", d.Controller.IdleTimeout)
	v.SetDefault("placement.enabled", d.Placement.Enabled)
	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("http.tunnel_secret", d.HTTP.TunnelSecret)
	v.SetDefault("http.tls.enabled", d.HTTP.TLS.Enabled)
	v.SetDefault("http.tls.cert_file", d.HTTP.TLS.CertFile)
	v.SetDefault("http.tls.key_file", d.HTTP.TLS.KeyFile)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
}

// Load reads configuration from cfgFile (or the default search path), a .env file in
// the working directory, and PERFHINT_* environment variables, in increasing priority.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PERFHINT")
	// PERFHINT_SERVICE_SOCKET for service.socket
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Service.APILevel < APILevelT {
		return fmt.Errorf("service.api_level must be at least %d, got %d", APILevelT, c.Service.APILevel)
	}
	if c.Service.PreferredUpdateRate <= 0 {
		return fmt.Errorf("service.preferred_update_rate must be positive")
	}
	if c.Controller.Window < 1 {
		return fmt.Errorf("controller.window must be at least 1")
	}
	if c.Controller.MaxBoost < 1 {
		return fmt.Errorf("controller.max_boost must be at least 1")
	}
	return nil
}

// SocketPath resolves the service socket path.
func (c *Config) SocketPath() string {
	if c.Service.Socket != "" {
		return expandHome(c.Service.Socket)
	}
	return filepath.Join(Dir(), "hintd.sock")
}

// PIDPath returns the pid file path next to the socket.
func (c *Config) PIDPath() string {
	return strings.TrimSuffix(c.SocketPath(), ".sock") + ".pid"
}

// JournalPath resolves the journal database path.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return expandHome(c.Journal.Path)
	}
	return filepath.Join(Dir(), "journal.db")
}

// Dir returns the perfhint state directory (~/.perfhint).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".perfhint"
	}
	return filepath.Join(home, ".perfhint")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
