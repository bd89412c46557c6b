package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/logging"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	JWT         JWTConfig      `mapstructure:"jwt"`
	Logging     logging.Config `mapstructure:"logging"`
	Reward      RewardConfig   `mapstructure:"reward"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
	EnableSwagger  bool          `mapstructure:"enable_swagger"`
}

// DatabaseConfig selects the SQL driver. Driver is "sqlite" or "mysql".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds Redis connection configuration. Empty Addr disables Redis.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// KafkaConfig holds Kafka configuration. No brokers disables Kafka.
type KafkaConfig struct {
	Brokers       []string          `mapstructure:"brokers"`
	ConsumerGroup string            `mapstructure:"consumer_group"`
	Topics        map[string]string `mapstructure:"topics"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// RewardConfig tunes the open-reward flow.
type RewardConfig struct {
	Workers              int             `mapstructure:"workers"`
	QueueSize            int             `mapstructure:"queue_size"`
	SettleTimeout        time.Duration   `mapstructure:"settle_timeout"`
	ConflictBackoff      time.Duration   `mapstructure:"conflict_backoff"`
	IdempotencyLockTTL   time.Duration   `mapstructure:"idempotency_lock_ttl"`
	ResultCacheTTL       time.Duration   `mapstructure:"result_cache_ttl"`
	JackpotContribution  decimal.Decimal `mapstructure:"jackpot_contribution"`
	JackpotSeed          decimal.Decimal `mapstructure:"jackpot_seed"`
	FeedBuffer           int             `mapstructure:"feed_buffer"`
	HeartbeatInterval    time.Duration   `mapstructure:"heartbeat_interval"`
	CatalogDir           string          `mapstructure:"catalog_dir"`
	MaxIdempotencyKeyLen int             `mapstructure:"max_idempotency_key_len"`
	ReconcileInterval    time.Duration   `mapstructure:"reconcile_interval"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Topic names used when Kafka.Topics leaves them unset.
const (
	TopicAudit   = "audit"
	TopicJackpot = "jackpot"
)

// Load loads configuration from YAML file using Viper
func Load(filename string) (*Config, error) {
	cfg, _, err := LoadWithViper(filename)
	return cfg, err
}

// LoadByEnv loads config-<env>.yaml from configDir, env taken from ENV or APP_ENV.
func LoadByEnv(configDir string) (*Config, error) {
	v := newViper()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	env := v.GetString("ENV")
	if env == "" {
		env = v.GetString("APP_ENV")
	}
	if env == "" {
		env = "development"
	}
	v.SetConfigName(fmt.Sprintf("config-%s", env))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return unmarshal(v)
}

// LoadWithViper loads configuration and returns the viper instance for custom usage
func LoadWithViper(filename string) (*Config, *viper.Viper, error) {
	v := newViper()
	v.SetConfigFile(filename)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 15 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "file:reward.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.TxTimeout == 0 {
		c.Database.TxTimeout = 5 * time.Second
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Kafka.Topics == nil {
		c.Kafka.Topics = map[string]string{}
	}
	if c.Kafka.Topics[TopicAudit] == "" {
		c.Kafka.Topics[TopicAudit] = "reward.audit"
	}
	if c.Kafka.Topics[TopicJackpot] == "" {
		c.Kafka.Topics[TopicJackpot] = "reward.jackpot"
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "reward-module"
	}
	if c.JWT.Expiration == 0 {
		c.JWT.Expiration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Reward.Workers == 0 {
		c.Reward.Workers = 32
	}
	if c.Reward.QueueSize == 0 {
		c.Reward.QueueSize = 256
	}
	if c.Reward.SettleTimeout == 0 {
		c.Reward.SettleTimeout = 10 * time.Second
	}
	if c.Reward.ConflictBackoff == 0 {
		c.Reward.ConflictBackoff = 25 * time.Millisecond
	}
	if c.Reward.IdempotencyLockTTL == 0 {
		c.Reward.IdempotencyLockTTL = 30 * time.Second
	}
	if c.Reward.ResultCacheTTL == 0 {
		c.Reward.ResultCacheTTL = 24 * time.Hour
	}
	if c.Reward.JackpotContribution.IsZero() {
		c.Reward.JackpotContribution = decimal.RequireFromString("0.05")
	}
	if c.Reward.FeedBuffer == 0 {
		c.Reward.FeedBuffer = 16
	}
	if c.Reward.HeartbeatInterval == 0 {
		c.Reward.HeartbeatInterval = 30 * time.Second
	}
	if c.Reward.MaxIdempotencyKeyLen == 0 {
		c.Reward.MaxIdempotencyKeyLen = 128
	}
	if c.Reward.ReconcileInterval == 0 {
		c.Reward.ReconcileInterval = time.Minute
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// RedisEnabled reports whether a Redis address is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// KafkaEnabled reports whether Kafka brokers are configured.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

// Topic returns the configured topic name for a logical topic.
func (c *Config) Topic(name string) string {
	return c.Kafka.Topics[name]
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
