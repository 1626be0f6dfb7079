package config

import (
	"errors"
	"strings"
	"time"

	"rollgate/internal/privacy"
	"rollgate/internal/service"
	"rollgate/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Store     StoreConfig     `mapstructure:"store"`
	Lock      LockConfig      `mapstructure:"lock"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Privacy   PrivacyConfig   `mapstructure:"privacy"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment string   `mapstructure:"environment"`
	Port        string   `mapstructure:"port"`
	CorsOrigins []string `mapstructure:"cors_origins"`

	// LogLevel overrides the environment's default level and is reloaded
	// with the runtime section.
	LogLevel string `mapstructure:"log_level"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig is optional; an empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EtcdConfig is optional; without endpoints changes stay in process.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type StoreConfig struct {
	// Driver is memory, mysql or sqlite.
	Driver string `mapstructure:"driver"`
	// File persists the memory store as JSON; empty keeps it in memory only.
	File       string `mapstructure:"file"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type LockConfig struct {
	// Backend is memory, redis or etcd.
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	VitalsFile      string        `mapstructure:"vitals_file"`
	ErrorsFile      string        `mapstructure:"errors_file"`
	TelemetryFile   string        `mapstructure:"telemetry_file"`
	TelemetryBuffer int           `mapstructure:"telemetry_buffer"`
	Window          time.Duration `mapstructure:"window"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

type PrivacyConfig struct {
	ErasureLog         string        `mapstructure:"erasure_log"`
	Retention          time.Duration `mapstructure:"retention"`
	PurgeMaxBytes      int64         `mapstructure:"purge_max_bytes"`
	RotateMaxBytes     int64         `mapstructure:"rotate_max_bytes"`
	RotateMaxAge       time.Duration `mapstructure:"rotate_max_age"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
}

// RuntimeConfig is reloaded while the server runs.
type RuntimeConfig struct {
	KillAll             bool `mapstructure:"kill_all"`
	AllowMissingMetrics bool `mapstructure:"allow_missing_metrics"`
}

func (r RuntimeConfig) Service() service.RuntimeConfig {
	return service.RuntimeConfig{KillAll: r.KillAll, AllowMissingMetrics: r.AllowMissingMetrics}
}

type WorkersConfig struct {
	OutboxInterval     time.Duration `mapstructure:"outbox_interval"`
	OutboxRetention    time.Duration `mapstructure:"outbox_retention"`
	ReconcilerInterval time.Duration `mapstructure:"reconciler_interval"`
}

type StreamConfig struct {
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	HubBufferSize      int           `mapstructure:"hub_buffer_size"`
	RevisionBufferSize int           `mapstructure:"revision_buffer_size"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// DevMode accepts the X-Dev-Pass header instead of a token.
	DevMode bool `mapstructure:"dev_mode"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

// Targets lists the NDJSON logs erasure and compaction manage.
func (c *Config) Targets() []privacy.Target {
	var out []privacy.Target
	for _, t := range []privacy.Target{
		{Name: "vitals", Path: c.Metrics.VitalsFile},
		{Name: "errors", Path: c.Metrics.ErrorsFile},
		{Name: "telemetry", Path: c.Metrics.TelemetryFile},
	} {
		if t.Path != "" {
			out = append(out, t)
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.sqlite_path", "data/rollgate.db")
	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 15*time.Second)
	v.SetDefault("metrics.vitals_file", "data/vitals.ndjson")
	v.SetDefault("metrics.errors_file", "data/errors.ndjson")
	v.SetDefault("metrics.telemetry_file", "data/telemetry.ndjson")
	v.SetDefault("metrics.telemetry_buffer", 1024)
	v.SetDefault("metrics.window", 15*time.Minute)
	v.SetDefault("metrics.cache_ttl", 5*time.Second)
	v.SetDefault("privacy.erasure_log", "data/erasure.ndjson")
	v.SetDefault("privacy.retention", 30*24*time.Hour)
	v.SetDefault("privacy.purge_max_bytes", 0)
	v.SetDefault("privacy.rotate_max_bytes", 50<<20)
	v.SetDefault("privacy.rotate_max_age", 7*24*time.Hour)
	v.SetDefault("privacy.compaction_interval", time.Hour)
	v.SetDefault("runtime.kill_all", false)
	v.SetDefault("runtime.allow_missing_metrics", false)
	v.SetDefault("workers.outbox_interval", 2*time.Second)
	v.SetDefault("workers.outbox_retention", 24*time.Hour)
	v.SetDefault("workers.reconciler_interval", time.Minute)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.hub_buffer_size", 256)
	v.SetDefault("stream.revision_buffer_size", 1000)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.dev_mode", false)
	v.SetDefault("ratelimit.requests_per_second", 5)
}

// Load reads config.yaml from . or ./config and ROLLGATE_* variables.
func Load() *Config {
	cfg, err := LoadFrom(viper.GetViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("ROLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// a missing file leaves defaults and env
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WatchRuntime reloads the runtime section into rt whenever the config file
// changes. Other sections need a restart.
func WatchRuntime(v *viper.Viper, rt *service.Runtime) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Warn("config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		rt.Store(cfg.Runtime.Service())
		if err := logger.SetLevel(cfg.Server.LogLevel); err != nil {
			logger.Warn("invalid log level", zap.String("log_level", cfg.Server.LogLevel), zap.Error(err))
		}
		logger.Info("runtime config reloaded",
			zap.String("file", e.Name),
			zap.String("log_level", logger.Level().String()),
			zap.Bool("kill_all", cfg.Runtime.KillAll),
			zap.Bool("allow_missing_metrics", cfg.Runtime.AllowMissingMetrics))
	})
	v.WatchConfig()
}
