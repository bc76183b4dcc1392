package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"hostwatch/session"
)

// Export destinations understood by storage.Open.
const (
	ExportNone   = "none"
	ExportFile   = "file"
	ExportSQLite = "sqlite"
	ExportRedis  = "redis"
	ExportKafka  = "kafka"
	ExportSFTP   = "sftp"
)

var (
	validExportKinds = map[string]bool{
		ExportNone: true, ExportFile: true, ExportSQLite: true,
		ExportRedis: true, ExportKafka: true, ExportSFTP: true,
	}
	validFormats = map[string]bool{"json": true, "yaml": true}
)

// Config holds every configurable value for hostwatch.
type Config struct {
	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error

	// Sampling run
	Interval      int           `mapstructure:"interval"`       // seconds between ticks
	Duration      int           `mapstructure:"duration"`       // total run length in seconds
	SourceTimeout time.Duration `mapstructure:"source_timeout"` // per-source bound, 0 disables

	Sampler    SamplerConfig    `mapstructure:"sampler"`
	Disk       DiskConfig       `mapstructure:"disk"`
	Net        NetConfig        `mapstructure:"net"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Endpoints  []EndpointConfig `mapstructure:"endpoints"`

	// Persistence
	Export ExportConfig `mapstructure:"export"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	SFTP   SFTPConfig   `mapstructure:"sftp"`

	// Server
	HTTP HTTPConfig `mapstructure:"http"`
}

type SamplerConfig struct {
	Workers int `mapstructure:"workers"`
}

type DiskConfig struct {
	Mounts []string `mapstructure:"mounts"`
}

type NetConfig struct {
	Interfaces []string `mapstructure:"interfaces"`
}

type PrometheusConfig struct {
	URL     string        `mapstructure:"url"`
	Queries []QueryConfig `mapstructure:"queries"`
}

// QueryConfig names a PromQL expression. A list is used rather than a map
// because metric paths contain the viper key delimiter.
type QueryConfig struct {
	Name  string `mapstructure:"name"`
	Query string `mapstructure:"query"`
}

// EndpointConfig reads one numeric field of a JSON endpoint.
type EndpointConfig struct {
	Name  string `mapstructure:"name"`
	URL   string `mapstructure:"url"`
	Field string `mapstructure:"field"`
}

type ExportConfig struct {
	Kind   string        `mapstructure:"kind"`
	Dest   string        `mapstructure:"dest"`
	Every  time.Duration `mapstructure:"every"` // periodic export during a run, 0 disables
	Format string        `mapstructure:"format"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type SFTPConfig struct {
	Addr       string `mapstructure:"addr"`
	User       string `mapstructure:"user"`
	KeyPath    string `mapstructure:"key_path"`
	KnownHosts string `mapstructure:"known_hosts"` // empty disables host key checking
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key so that environment variables are seen
// by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("interval", 5)
	v.SetDefault("duration", 300)
	v.SetDefault("source_timeout", "5s")
	v.SetDefault("sampler.workers", 1)
	v.SetDefault("disk.mounts", []string{"/"})
	v.SetDefault("net.interfaces", []string{})
	v.SetDefault("prometheus.url", "")
	v.SetDefault("export.kind", ExportNone)
	v.SetDefault("export.dest", "./data")
	v.SetDefault("export.every", "0s")
	v.SetDefault("export.format", "json")
	v.SetDefault("sqlite.path", "./data/hostwatch.db")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")
	v.SetDefault("redis.prefix", "hostwatch:")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("sftp.addr", "")
	v.SetDefault("sftp.user", "")
	v.SetDefault("sftp.key_path", "")
	v.SetDefault("sftp.known_hosts", "")
	v.SetDefault("http.addr", ":8080")
}

// Load reads configuration from (in decreasing priority):
//  1. flags bound to v by the caller
//  2. environment variables (e.g. HOSTWATCH_EXPORT_KIND)
//  3. a yaml file: file if set, else ./configs/config.yaml when it exists.
//
// It returns a validated *Config or an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix("HOSTWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and the settings each export kind needs.
func (c *Config) Validate() error {
	if err := session.Validate(c.Interval, c.Duration); err != nil {
		return err
	}
	if c.SourceTimeout < 0 {
		return fmt.Errorf("source_timeout must not be negative")
	}
	if c.Sampler.Workers < 0 {
		return fmt.Errorf("sampler.workers must not be negative")
	}
	if c.Export.Kind == "" {
		c.Export.Kind = ExportNone
	}
	if !validExportKinds[c.Export.Kind] {
		return fmt.Errorf("invalid export kind: %s (valid: none, file, sqlite, redis, kafka, sftp)", c.Export.Kind)
	}
	if !validFormats[c.Export.Format] {
		return fmt.Errorf("invalid export format: %s (valid: json, yaml)", c.Export.Format)
	}
	if c.Export.Every < 0 {
		return fmt.Errorf("export.every must not be negative")
	}
	for _, q := range c.Prometheus.Queries {
		if q.Query == "" {
			return fmt.Errorf("prometheus query %q has no expression", q.Name)
		}
	}
	for _, e := range c.Endpoints {
		if e.Name == "" || e.URL == "" || e.Field == "" {
			return fmt.Errorf("endpoint needs name, url and field: %+v", e)
		}
	}
	if len(c.Prometheus.Queries) > 0 && c.Prometheus.URL == "" {
		return fmt.Errorf("prometheus.url is required when prometheus.queries are set")
	}

	switch c.Export.Kind {
	case ExportSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path must not be empty")
		}
	case ExportRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must not be empty")
		}
	case ExportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers must not be empty")
		}
	case ExportSFTP:
		if c.SFTP.Addr == "" || c.SFTP.User == "" || c.SFTP.KeyPath == "" {
			return fmt.Errorf("sftp.addr, sftp.user and sftp.key_path are required")
		}
	}
	return nil
}
