package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the device agent configuration
type Config struct {
	// Logging configuration
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`

	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	WiFi         WiFiConfig         `mapstructure:"wifi" yaml:"wifi"`
	NTP          NTPConfig          `mapstructure:"ntp" yaml:"ntp"`
	Provisioning ProvisioningConfig `mapstructure:"provisioning" yaml:"provisioning"`
	API          APIConfig          `mapstructure:"api" yaml:"api"`
	Keepalive    KeepaliveConfig    `mapstructure:"keepalive" yaml:"keepalive"`
}

// StorageConfig selects and configures the persistent store engine
type StorageConfig struct {
	Engine    string      `mapstructure:"engine" yaml:"engine"` // sqlite, redis
	Path      string      `mapstructure:"path" yaml:"path"`
	Namespace string      `mapstructure:"namespace" yaml:"namespace"`
	Capacity  int         `mapstructure:"capacity" yaml:"capacity"` // max committed entries
	Redis     RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds the redis engine settings
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// WiFiConfig holds station bring-up settings
type WiFiConfig struct {
	Driver         string        `mapstructure:"driver" yaml:"driver"` // sim
	MaxRetry       int           `mapstructure:"max_retry" yaml:"max_retry"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"` // 0 = retry budget only
	Sim            SimConfig     `mapstructure:"sim" yaml:"sim"`
}

// SimConfig describes the access point seen by the simulated radio
type SimConfig struct {
	SSID      string `mapstructure:"ssid" yaml:"ssid"`
	Password  string `mapstructure:"password" yaml:"password"`
	IP        string `mapstructure:"ip" yaml:"ip"`
	FailFirst int    `mapstructure:"fail_first" yaml:"fail_first"`
	Silent    bool   `mapstructure:"silent" yaml:"silent"`
}

// NTPConfig holds time synchronization settings
type NTPConfig struct {
	Servers        []string      `mapstructure:"servers" yaml:"servers"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPolls       int           `mapstructure:"max_polls" yaml:"max_polls"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	ResyncInterval time.Duration `mapstructure:"resync_interval" yaml:"resync_interval"`
	SetSystemClock bool          `mapstructure:"set_system_clock" yaml:"set_system_clock"`
	ResolveServers bool          `mapstructure:"resolve_servers" yaml:"resolve_servers"`
}

// ProvisioningConfig holds credential provisioning settings
type ProvisioningConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Transport   string `mapstructure:"transport" yaml:"transport"` // ble, none
}

// APIConfig holds the local HTTP API settings
type APIConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Host      string `mapstructure:"host" yaml:"host"`
	Port      int    `mapstructure:"port" yaml:"port"`
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	MDNS      bool   `mapstructure:"mdns" yaml:"mdns"`
}

// KeepaliveConfig holds background keepalive settings
type KeepaliveConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  "",
		Storage: StorageConfig{
			Engine:    "sqlite",
			Path:      "./nvs.db",
			Namespace: "storage",
			Capacity:  512,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "smart-clock",
			},
		},
		WiFi: WiFiConfig{
			Driver:   "sim",
			MaxRetry: 5,
			Sim: SimConfig{
				IP: "192.168.4.2",
			},
		},
		NTP: NTPConfig{
			Servers:        []string{"pool.ntp.org", "time.nist.gov"},
			PollInterval:   2 * time.Second,
			MaxPolls:       30,
			QueryTimeout:   5 * time.Second,
			ResyncInterval: time.Hour,
			SetSystemClock: false,
			ResolveServers: true,
		},
		Provisioning: ProvisioningConfig{
			Enabled:     true,
			ServiceName: "CLOCK_PROV",
			Transport:   "ble",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			MDNS:    true,
		},
		Keepalive: KeepaliveConfig{
			Interval: 60 * time.Second,
		},
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// LoadAndWatch loads the configuration and calls onChange with the new
// configuration whenever the config file is modified. Invalid edits are
// passed to onError and the previous configuration stays in effect.
func LoadAndWatch(configFile string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				return
			}
			updated, err := decode(v)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(updated)
		})
		v.WatchConfig()
	}
	return cfg, nil
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()

	// Set default values
	setDefaults(v, DefaultConfig())

	// Configure file locations
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/smart-clock")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".smart-clock"))
		}
	}

	// Environment variable configuration
	v.SetEnvPrefix("CLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setDefaults sets default values in viper
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)

	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.namespace", cfg.Storage.Namespace)
	v.SetDefault("storage.capacity", cfg.Storage.Capacity)
	v.SetDefault("storage.redis.addr", cfg.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", cfg.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", cfg.Storage.Redis.DB)
	v.SetDefault("storage.redis.prefix", cfg.Storage.Redis.Prefix)

	v.SetDefault("wifi.driver", cfg.WiFi.Driver)
	v.SetDefault("wifi.max_retry", cfg.WiFi.MaxRetry)
	v.SetDefault("wifi.connect_timeout", cfg.WiFi.ConnectTimeout)
	v.SetDefault("wifi.sim.ssid", cfg.WiFi.Sim.SSID)
	v.SetDefault("wifi.sim.password", cfg.WiFi.Sim.Password)
	v.SetDefault("wifi.sim.ip", cfg.WiFi.Sim.IP)
	v.SetDefault("wifi.sim.fail_first", cfg.WiFi.Sim.FailFirst)
	v.SetDefault("wifi.sim.silent", cfg.WiFi.Sim.Silent)

	v.SetDefault("ntp.servers", cfg.NTP.Servers)
	v.SetDefault("ntp.poll_interval", cfg.NTP.PollInterval)
	v.SetDefault("ntp.max_polls", cfg.NTP.MaxPolls)
	v.SetDefault("ntp.query_timeout", cfg.NTP.QueryTimeout)
	v.SetDefault("ntp.resync_interval", cfg.NTP.ResyncInterval)
	v.SetDefault("ntp.set_system_clock", cfg.NTP.SetSystemClock)
	v.SetDefault("ntp.resolve_servers", cfg.NTP.ResolveServers)

	v.SetDefault("provisioning.enabled", cfg.Provisioning.Enabled)
	v.SetDefault("provisioning.service_name", cfg.Provisioning.ServiceName)
	v.SetDefault("provisioning.transport", cfg.Provisioning.Transport)

	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("api.jwt_secret", cfg.API.JWTSecret)
	v.SetDefault("api.mdns", cfg.API.MDNS)

	v.SetDefault("keepalive.interval", cfg.Keepalive.Interval)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	switch c.Storage.Engine {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite engine")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis engine")
		}
	default:
		return fmt.Errorf("storage.engine must be one of: sqlite, redis")
	}
	if n := len(c.Storage.Namespace); n == 0 || n > 15 {
		return fmt.Errorf("storage.namespace must be 1-15 bytes")
	}
	if c.Storage.Capacity <= 0 {
		return fmt.Errorf("storage.capacity must be positive")
	}

	if c.WiFi.Driver != "sim" {
		return fmt.Errorf("wifi.driver must be one of: sim")
	}
	if c.WiFi.MaxRetry <= 0 {
		return fmt.Errorf("wifi.max_retry must be positive")
	}
	if c.WiFi.ConnectTimeout < 0 {
		return fmt.Errorf("wifi.connect_timeout must not be negative")
	}

	if len(c.NTP.Servers) == 0 {
		return fmt.Errorf("ntp.servers must list at least one server")
	}
	if c.NTP.PollInterval <= 0 {
		return fmt.Errorf("ntp.poll_interval must be positive")
	}
	if c.NTP.MaxPolls <= 0 {
		return fmt.Errorf("ntp.max_polls must be positive")
	}

	if c.Provisioning.Transport != "ble" && c.Provisioning.Transport != "none" {
		return fmt.Errorf("provisioning.transport must be one of: ble, none")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 0 and 65535")
	}

	if c.Keepalive.Interval <= 0 {
		return fmt.Errorf("keepalive.interval must be positive")
	}

	return nil
}

// Redacted returns a copy with secrets masked
func (c *Config) Redacted() *Config {
	out := *c
	out.NTP.Servers = append([]string(nil), c.NTP.Servers...)
	if out.Storage.Redis.Password != "" {
		out.Storage.Redis.Password = "********"
	}
	if out.WiFi.Sim.Password != "" {
		out.WiFi.Sim.Password = "********"
	}
	if out.API.JWTSecret != "" {
		out.API.JWTSecret = "********"
	}
	return &out
}

// YAML renders the configuration with secrets masked
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
