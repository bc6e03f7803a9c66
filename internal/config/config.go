// Package config loads server and client settings from defaults, an
// optional YAML file and NOTESYNC_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const EnvPrefix = "NOTESYNC"

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

var ErrInvalid = errors.New("invalid configuration")

type Server struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		JWTSecret       string        `mapstructure:"jwt_secret"`
		MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
		RateLimitMax    int           `mapstructure:"rate_limit_max"`
		RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
		OriginPatterns  []string      `mapstructure:"origin_patterns"`
	} `mapstructure:"server"`
	Store struct {
		Profile           string        `mapstructure:"profile"`
		DSN               string        `mapstructure:"dsn"`
		DataDir           string        `mapstructure:"data_dir"`
		IdempotencyWindow time.Duration `mapstructure:"idempotency_window"`
	} `mapstructure:"store"`
	Collab struct {
		SendBuffer  int           `mapstructure:"send_buffer"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"collab"`
	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
		Workers int      `mapstructure:"workers"`
	} `mapstructure:"kafka"`
	Log Log `mapstructure:"log"`
}

type Client struct {
	Client struct {
		BaseURL        string        `mapstructure:"base_url"`
		Token          string        `mapstructure:"token"`
		ID             string        `mapstructure:"id"`
		DataDir        string        `mapstructure:"data_dir"`
		StoreDSN       string        `mapstructure:"store_dsn"`
		Concurrency    int           `mapstructure:"concurrency"`
		MaxAttempts    int           `mapstructure:"max_attempts"`
		BaseDelay      time.Duration `mapstructure:"base_delay"`
		MaxDelay       time.Duration `mapstructure:"max_delay"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		ProbeInterval  time.Duration `mapstructure:"probe_interval"`
		ProbeThreshold int           `mapstructure:"probe_threshold"`
		SpoolDir       string        `mapstructure:"spool_dir"`
		SyncInterval   time.Duration `mapstructure:"sync_interval"`
		IntervalJitter float64       `mapstructure:"interval_jitter"`
		Collaborate    bool          `mapstructure:"collaborate"`
	} `mapstructure:"client"`
	Log Log `mapstructure:"log"`
}

type Log struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_secret", "dev-secret")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)
	v.SetDefault("server.origin_patterns", []string{})
	v.SetDefault("store.profile", ProfileDurableLocal)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.data_dir", ".notesync")
	v.SetDefault("store.idempotency_window", 24*time.Hour)
	v.SetDefault("collab.send_buffer", 64)
	v.SetDefault("collab.presence_ttl", 30*time.Second)
	v.SetDefault("redis.url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "notesync.changes")
	v.SetDefault("kafka.workers", 1)
	logDefaults(v)
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", "http://127.0.0.1:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.id", "")
	v.SetDefault("client.data_dir", "")
	v.SetDefault("client.store_dsn", "")
	v.SetDefault("client.concurrency", 4)
	v.SetDefault("client.max_attempts", 3)
	v.SetDefault("client.base_delay", time.Second)
	v.SetDefault("client.max_delay", 30*time.Second)
	v.SetDefault("client.request_timeout", 15*time.Second)
	v.SetDefault("client.probe_interval", 5*time.Second)
	v.SetDefault("client.probe_threshold", 2)
	v.SetDefault("client.spool_dir", "")
	v.SetDefault("client.sync_interval", 30*time.Second)
	v.SetDefault("client.interval_jitter", 0.2)
	v.SetDefault("client.collaborate", true)
	logDefaults(v)
}

func logDefaults(v *viper.Viper) {
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

// newViper layers file and environment over defaults. An empty file skips
// the file layer.
func newViper(file string, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if file = strings.TrimSpace(file); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

func LoadServer(file string) (Server, *viper.Viper, error) {
	v, err := newViper(file, serverDefaults)
	if err != nil {
		return Server{}, nil, err
	}
	cfg, err := DecodeServer(v)
	return cfg, v, err
}

func DecodeServer(v *viper.Viper) (Server, error) {
	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	cfg.Server.OriginPatterns = splitList(cfg.Server.OriginPatterns)
	cfg.Store.Profile = strings.ToLower(strings.TrimSpace(cfg.Store.Profile))
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) Validate() error {
	switch c.Store.Profile {
	case ProfileMemory, ProfileDurableLocal:
	case ProfileProduction:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("%w: store.dsn is required for the production profile", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.profile %q", ErrInvalid, c.Store.Profile)
	}
	if c.Server.RateLimitMax < 0 {
		return fmt.Errorf("%w: server.rate_limit_max must not be negative", ErrInvalid)
	}
	if c.Kafka.Workers < 1 {
		return fmt.Errorf("%w: kafka.workers must be at least 1", ErrInvalid)
	}
	return nil
}

func LoadClient(file string) (Client, *viper.Viper, error) {
	v, err := newViper(file, clientDefaults)
	if err != nil {
		return Client{}, nil, err
	}
	cfg, err := DecodeClient(v)
	return cfg, v, err
}

func DecodeClient(v *viper.Viper) (Client, error) {
	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return Client{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (c Client) Validate() error {
	if strings.TrimSpace(c.Client.BaseURL) == "" {
		return fmt.Errorf("%w: client.base_url is required", ErrInvalid)
	}
	if c.Client.MaxAttempts < 1 {
		return fmt.Errorf("%w: client.max_attempts must be at least 1", ErrInvalid)
	}
	if c.Client.IntervalJitter < 0 || c.Client.IntervalJitter > 1 {
		return fmt.Errorf("%w: client.interval_jitter must be within [0,1]", ErrInvalid)
	}
	return nil
}

// Watch calls onChange after the config file is rewritten. It is a no-op
// when no file was loaded.
func Watch(v *viper.Viper, onChange func(fsnotify.Event)) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(onChange)
	v.WatchConfig()
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
