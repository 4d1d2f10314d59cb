// Package config provides configuration management for orchd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for orchd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds state-store configuration. Driver is "sqlite" or
// "postgres"; SQLitePath applies to the former, the host/port fields to the
// latter.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlitePath"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
}

// RedisConfig holds coordination-store configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus; "redis" selects the Redis pub/sub bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	AgentImage     string `mapstructure:"agentImage"`
}

// AgentConfig holds sandbox runtime configuration.
type AgentConfig struct {
	// HTTPPort is the port sandboxd listens on inside each container.
	HTTPPort int `mapstructure:"httpPort"`
	// ChatTTL bounds a single sequential execution; the queue slot expires
	// after this if the holder dies without releasing.
	ChatTTL int `mapstructure:"chatTtl"` // in seconds
	// CallTimeout is the per-call HTTP timeout against a sandbox.
	CallTimeout int `mapstructure:"callTimeout"` // in seconds
	// SystemAgent names the designated system agent whose permission checks
	// are bypassed.
	SystemAgent string `mapstructure:"systemAgent"`
}

// SchedulerConfig holds the standalone scheduler configuration.
type SchedulerConfig struct {
	TickInterval int `mapstructure:"tickInterval"` // in seconds
	SyncInterval int `mapstructure:"syncInterval"` // in seconds
	LockTTL      int `mapstructure:"lockTtl"`      // in seconds
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// APIKeyHeader is the header programmatic callers present.
	APIKeyHeader string `mapstructure:"apiKeyHeader"`
	// SessionHeader is the header carrying a verified human session token.
	SessionHeader string `mapstructure:"sessionHeader"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ChatTTLDuration returns the sequential-chat slot TTL as a time.Duration.
func (a *AgentConfig) ChatTTLDuration() time.Duration {
	return time.Duration(a.ChatTTL) * time.Second
}

// CallTimeoutDuration returns the sandbox call timeout as a time.Duration.
func (a *AgentConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(a.CallTimeout) * time.Second
}

// TickIntervalDuration returns the scheduler tick cadence as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// SyncIntervalDuration returns the cron-state sync cadence as a time.Duration.
func (s *SchedulerConfig) SyncIntervalDuration() time.Duration {
	return time.Duration(s.SyncInterval) * time.Second
}

// LockTTLDuration returns the per-schedule lock TTL as a time.Duration.
func (s *SchedulerConfig) LockTTLDuration() time.Duration {
	return time.Duration(s.LockTTL) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCHD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlitePath", "~/.orchd/orchd.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "orchd-network")
	v.SetDefault("docker.volumeBasePath", "/var/lib/orchd/volumes")
	v.SetDefault("docker.agentImage", "orchd/agent:latest")

	v.SetDefault("agent.httpPort", 8088)
	v.SetDefault("agent.chatTtl", 900) // 15 minutes
	v.SetDefault("agent.callTimeout", 600)
	v.SetDefault("agent.systemAgent", "system")

	v.SetDefault("scheduler.tickInterval", 1)
	v.SetDefault("scheduler.syncInterval", 60)
	v.SetDefault("scheduler.lockTtl", 600)

	v.SetDefault("auth.apiKeyHeader", "X-API-Key")
	v.SetDefault("auth.sessionHeader", "X-Session-Token")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCHD_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	if cfg.Agent.ChatTTL <= 0 {
		errs = append(errs, "agent.chatTtl must be positive")
	}
	if cfg.Agent.SystemAgent == "" {
		errs = append(errs, "agent.systemAgent is required")
	}

	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tickInterval must be positive")
	}
	if cfg.Scheduler.LockTTL <= 0 {
		errs = append(errs, "scheduler.lockTtl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
