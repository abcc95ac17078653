package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	Addr                string         `mapstructure:"addr"`
	LogLevel            string         `mapstructure:"log_level"`
	DatabaseDSN         string         `mapstructure:"db_dsn"`
	ShutdownGracePeriod time.Duration  `mapstructure:"shutdown_grace_period"`
	Redis               RedisConfig    `mapstructure:"redis"`
	Auth                AuthConfig     `mapstructure:"auth"`
	Presence            PresenceConfig `mapstructure:"presence"`
	Calls               CallsConfig    `mapstructure:"calls"`
	Push                PushConfig     `mapstructure:"push"`
	Workers             WorkersConfig  `mapstructure:"workers"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenExpire time.Duration `mapstructure:"token_expire"`
}

type PresenceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type CallsConfig struct {
	StateTTL  time.Duration `mapstructure:"state_ttl"`
	InviteTTL time.Duration `mapstructure:"invite_ttl"`
}

// PushConfig holds the VAPID credentials used for web push delivery.
type PushConfig struct {
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	Subscriber      string        `mapstructure:"subscriber"`
	TTL             time.Duration `mapstructure:"ttl"`
}

type WorkersConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

const (
	defaultAddr                = ":8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultRedisAddr           = "localhost:6379"
	defaultIssuer              = "go-messenger"
	defaultTokenExpire         = 24 * time.Hour
	defaultPresenceTTL         = 60 * time.Second
	defaultCallStateTTL        = 300 * time.Second
	defaultCallInviteTTL       = 60 * time.Second
	defaultPushTTL             = 12 * time.Hour
	defaultWorkerCount         = 8
	defaultWorkerQueueSize     = 1024
)

var durationKeys = map[string]time.Duration{
	"shutdown_grace_period": defaultShutdownGracePeriod,
	"auth.token_expire":     defaultTokenExpire,
	"presence.ttl":          defaultPresenceTTL,
	"calls.state_ttl":       defaultCallStateTTL,
	"calls.invite_ttl":      defaultCallInviteTTL,
	"push.ttl":              defaultPushTTL,
}

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with MESSENGER_ and override file values,
// e.g. MESSENGER_REDIS_ADDR or MESSENGER_AUTH_JWT_SECRET.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESSENGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", defaultAddr)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("db_dsn", "")
	v.SetDefault("redis.addr", defaultRedisAddr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", defaultIssuer)
	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")
	v.SetDefault("workers.count", defaultWorkerCount)
	v.SetDefault("workers.queue_size", defaultWorkerQueueSize)
	for key, def := range durationKeys {
		v.SetDefault(key, def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Durations may arrive as strings from env or file; normalize them here.
	for key := range durationKeys {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		setDuration(&cfg, key, dur)
	}

	if cfg.Workers.Count <= 0 {
		cfg.Workers.Count = defaultWorkerCount
	}
	if cfg.Workers.QueueSize <= 0 {
		cfg.Workers.QueueSize = defaultWorkerQueueSize
	}

	return cfg, nil
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("db_dsn is not set")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set")
	}
	if c.Presence.TTL <= 0 || c.Calls.StateTTL <= 0 || c.Calls.InviteTTL <= 0 {
		return fmt.Errorf("presence and call TTLs must be positive")
	}
	return nil
}

// PushEnabled reports whether VAPID credentials are configured.
func (c Config) PushEnabled() bool {
	return c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != ""
}

func setDuration(cfg *Config, key string, d time.Duration) {
	switch key {
	case "shutdown_grace_period":
		cfg.ShutdownGracePeriod = d
	case "auth.token_expire":
		cfg.Auth.TokenExpire = d
	case "presence.ttl":
		cfg.Presence.TTL = d
	case "calls.state_ttl":
		cfg.Calls.StateTTL = d
	case "calls.invite_ttl":
		cfg.Calls.InviteTTL = d
	case "push.ttl":
		cfg.Push.TTL = d
	}
}
