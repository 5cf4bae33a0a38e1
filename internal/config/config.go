package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Rescue    RescueConfig    `mapstructure:"rescue"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

// StoreConfig selects the local durable store. Driver is "sqlite" for an
// embedded terminal database or "mysql" for a shared back-office database.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// MarkEntities clears pending_sync on the business tables sharing the store.
	MarkEntities bool `mapstructure:"mark_entities"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Channel carries pending-work signals between processes sharing a store.
	Channel string `mapstructure:"channel"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Prefix      string        `mapstructure:"prefix"`
}

type EngineConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	StaleClaimAge  time.Duration `mapstructure:"stale_claim_age"`
	Dedupe         bool          `mapstructure:"dedupe"`
	PruneSyncedAge time.Duration `mapstructure:"prune_synced_age"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
}

type RescueConfig struct {
	TransientPatterns []string      `mapstructure:"transient_patterns"`
	MaxGenerations    int           `mapstructure:"max_generations"`
	LockTTL           int           `mapstructure:"lock_ttl"`
	LockWait          time.Duration `mapstructure:"lock_wait"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HubBufferSize     int           `mapstructure:"hub_buffer_size"`
	ReplaySize        int           `mapstructure:"replay_size"`
}

type AuthConfig struct {
	SigningKey      string        `mapstructure:"signing_key"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	Users           []UserConfig  `mapstructure:"users"`
}

// UserConfig is a back-office login. PasswordHash is a bcrypt hash.
type UserConfig struct {
	ID           string `mapstructure:"id"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
	OwnerID      string `mapstructure:"owner_id"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

// DefaultTransientPatterns are failure-reason fragments treated as transient by the rescue service.
var DefaultTransientPatterns = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"unavailable",
	"502",
	"503",
	"504",
	"connection reset",
	"connection refused",
	"leader changed",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.port", ":8080")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "ledgersync.db")
	v.SetDefault("store.mark_entities", true)

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.channel", "ledgersync:queue:pending")

	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/ledgersync/")

	v.SetDefault("engine.max_retries", 5)
	v.SetDefault("engine.base_delay", 5*time.Second)
	v.SetDefault("engine.max_delay", 10*time.Minute)
	v.SetDefault("engine.batch_size", 50)
	v.SetDefault("engine.poll_interval", 15*time.Second)
	v.SetDefault("engine.call_timeout", 10*time.Second)
	v.SetDefault("engine.stale_claim_age", 5*time.Minute)
	v.SetDefault("engine.dedupe", true)
	v.SetDefault("engine.prune_synced_age", 7*24*time.Hour)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cool_down", 30*time.Second)

	v.SetDefault("rescue.transient_patterns", DefaultTransientPatterns)
	v.SetDefault("rescue.max_generations", 3)
	v.SetDefault("rescue.lock_ttl", 10)
	v.SetDefault("rescue.lock_wait", 5*time.Second)

	v.SetDefault("stream.heartbeat_interval", 15*time.Second)
	v.SetDefault("stream.hub_buffer_size", 512)
	v.SetDefault("stream.replay_size", 1000)

	v.SetDefault("auth.access_token_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)

	v.SetDefault("ratelimit.requests_per_second", 20)
}

// Load reads config.yaml from path (or ./ and ./config when empty) and the
// LEDGERSYNC_* environment. A missing file is not an error.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("LEDGERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Watch re-reads the config file on change and hands the fresh Config to fn.
func Watch(v *viper.Viper, fn func(cfg *Config, ev fsnotify.Event)) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			return
		}
		fn(&cfg, ev)
	})
	v.WatchConfig()
}
