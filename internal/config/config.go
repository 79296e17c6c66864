// Package config loads server configuration from an optional YAML file and
// MAESTRO_-prefixed environment variables, with environment taking
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration.
type Config struct {
	Server  Server  `mapstructure:"server"`
	Storage Storage `mapstructure:"storage"`
	Queue   Queue   `mapstructure:"queue"`
	Lock    Lock    `mapstructure:"lock"`
	Events  Events  `mapstructure:"events"`
	Webhook Webhook `mapstructure:"webhook"`
	Log     Log     `mapstructure:"log"`

	// JWT options are recognized and carried opaquely for the transport
	// layer; the core never interprets them.
	JWT map[string]string `mapstructure:"jwt"`
}

type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Debug           bool          `mapstructure:"debug"`

	// WSHeartbeatIntervalSeconds is how often the hub pings idle WebSocket
	// subscribers.
	WSHeartbeatIntervalSeconds int `mapstructure:"ws_heartbeat_interval_seconds"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WSHeartbeat returns the heartbeat interval as a duration.
func (s Server) WSHeartbeat() time.Duration {
	return time.Duration(s.WSHeartbeatIntervalSeconds) * time.Second
}

type Storage struct {
	// Path is the SQLite database file, or ":memory:" for an ephemeral
	// store.
	Path string `mapstructure:"path"`
}

type Queue struct {
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	DefaultPriority int `mapstructure:"default_priority"`
	MaxRetries      int `mapstructure:"max_retries"`
}

type Lock struct {
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

type Events struct {
	PoolWorkers int `mapstructure:"pool_workers"`
	PoolQueue   int `mapstructure:"pool_queue"`
}

type Webhook struct {
	Attempts       int           `mapstructure:"attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.debug", false)
	v.SetDefault("server.ws_heartbeat_interval_seconds", 54)

	v.SetDefault("storage.path", "maestro.db")

	v.SetDefault("queue.max_concurrent", 4)
	v.SetDefault("queue.default_priority", 5)
	v.SetDefault("queue.max_retries", 3)

	v.SetDefault("lock.default_ttl", 5*time.Minute)
	v.SetDefault("lock.wait_timeout", 30*time.Second)

	v.SetDefault("events.pool_workers", 4)
	v.SetDefault("events.pool_queue", 512)

	v.SetDefault("webhook.attempts", 3)
	v.SetDefault("webhook.attempt_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file_path", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
}

// Load resolves configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that is missing is
// an error, so typos fail loudly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAESTRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path must be set")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("config: queue.max_concurrent must be positive")
	}
	if c.Server.WSHeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config: server.ws_heartbeat_interval_seconds must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: log.format %q not supported", c.Log.Format)
	}
	return nil
}
