// Package config loads pricewatch configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"mandi-price-engine/internal/logging"
	"mandi-price-engine/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. PRICEWATCH_REDIS_ADDR.
const EnvPrefix = "PRICEWATCH"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Validation ValidationConfig `mapstructure:"validation"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig selects the shared cache backend. An empty Addr keeps the
// cache in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig holds the freshness policy.
type CacheConfig struct {
	FreshTTL   time.Duration `mapstructure:"fresh_ttl"`
	HardExpiry time.Duration `mapstructure:"hard_expiry"`
	WriteTTL   time.Duration `mapstructure:"write_ttl"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

// SourcesConfig lists the upstream price feeds.
type SourcesConfig struct {
	UserAgent string          `mapstructure:"user_agent"`
	Agmarknet AgmarknetConfig `mapstructure:"agmarknet"`
	ENAM      ENAMConfig      `mapstructure:"enam"`
	Chainlink ChainlinkConfig `mapstructure:"chainlink"`
}

// RateConfig throttles one source.
type RateConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// AgmarknetConfig covers the data.gov.in mandi price resource.
type AgmarknetConfig struct {
	RateConfig `mapstructure:",squash"`

	Enabled  bool   `mapstructure:"enabled"`
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Resource string `mapstructure:"resource"`
	Limit    int    `mapstructure:"limit"`
}

// ENAMConfig covers the e-NAM trade data API.
type ENAMConfig struct {
	RateConfig `mapstructure:",squash"`

	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ChainlinkConfig covers on-chain reference feeds.
type ChainlinkConfig struct {
	RateConfig `mapstructure:",squash"`

	Enabled bool          `mapstructure:"enabled"`
	RPCURL  string        `mapstructure:"rpc_url"`
	MaxAge  time.Duration `mapstructure:"max_age"`
	Feeds   []FeedConfig  `mapstructure:"feeds"`
}

// FeedConfig maps a commodity to an aggregator contract.
type FeedConfig struct {
	Commodity string  `mapstructure:"commodity"`
	Address   string  `mapstructure:"address"`
	Scale     float64 `mapstructure:"scale"`
	Market    string  `mapstructure:"market"`
}

// ResilienceConfig tunes breakers, retries and fetch deadlines.
type ResilienceConfig struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinRequests      int           `mapstructure:"min_requests"`
	Window           time.Duration `mapstructure:"window"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	RoundTimeout     time.Duration `mapstructure:"round_timeout"`
}

// ValidationConfig tunes anomaly filtering.
type ValidationConfig struct {
	AnomalyThreshold float64 `mapstructure:"anomaly_threshold"`
	HistoryDays      int     `mapstructure:"history_days"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	VolatilityThreshold float64        `mapstructure:"volatility_threshold"`
	Cooldown            time.Duration  `mapstructure:"cooldown"`
	Timeout             time.Duration  `mapstructure:"timeout"`
	Retention           time.Duration  `mapstructure:"retention"`
	Channels            []string       `mapstructure:"channels"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
	Kafka               KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig describes the Telegram bot sink.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig describes the alert event topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// OperatingHoursConfig bounds the warm-up job to a daily window.
type OperatingHoursConfig struct {
	Start    string `mapstructure:"start"`
	End      string `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// SchedulerConfig governs the cache warm-up cadence.
type SchedulerConfig struct {
	Interval        time.Duration        `mapstructure:"interval"`
	AlignToBucket   bool                 `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64                `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration        `mapstructure:"startup_delay"`
	Concurrency     int                  `mapstructure:"concurrency"`
	Commodities     []string             `mapstructure:"commodities"`
	OperatingHours  OperatingHoursConfig `mapstructure:"operating_hours"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.service", "pricewatch")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("cache.fresh_ttl", "4h")
	v.SetDefault("cache.hard_expiry", "48h")
	v.SetDefault("cache.write_ttl", "1h")
	v.SetDefault("cache.key_prefix", "pricewatch:price:")

	v.SetDefault("sources.user_agent", "")
	v.SetDefault("sources.agmarknet.enabled", true)
	v.SetDefault("sources.agmarknet.base_url", "https://api.data.gov.in")
	v.SetDefault("sources.agmarknet.api_key", "")
	v.SetDefault("sources.agmarknet.resource", "9ef84268-d588-465a-a308-a864a43d0070")
	v.SetDefault("sources.agmarknet.limit", 100)
	v.SetDefault("sources.agmarknet.rate_per_second", 2.0)
	v.SetDefault("sources.agmarknet.burst", 2)
	v.SetDefault("sources.agmarknet.timeout", "5s")
	v.SetDefault("sources.enam.enabled", false)
	v.SetDefault("sources.enam.base_url", "https://enam.gov.in/web/api")
	v.SetDefault("sources.enam.api_key", "")
	v.SetDefault("sources.enam.rate_per_second", 1.0)
	v.SetDefault("sources.enam.burst", 1)
	v.SetDefault("sources.enam.timeout", "5s")
	v.SetDefault("sources.chainlink.enabled", false)
	v.SetDefault("sources.chainlink.rpc_url", "")
	v.SetDefault("sources.chainlink.max_age", "24h")
	v.SetDefault("sources.chainlink.rate_per_second", 5.0)
	v.SetDefault("sources.chainlink.burst", 5)
	v.SetDefault("sources.chainlink.timeout", "5s")

	v.SetDefault("resilience.failure_threshold", 0.5)
	v.SetDefault("resilience.min_requests", 3)
	v.SetDefault("resilience.window", "2m")
	v.SetDefault("resilience.recovery_timeout", "30s")
	v.SetDefault("resilience.max_retries", 2)
	v.SetDefault("resilience.base_delay", "200ms")
	v.SetDefault("resilience.fetch_timeout", "5s")
	v.SetDefault("resilience.round_timeout", "8s")

	v.SetDefault("validation.anomaly_threshold", 0.25)
	v.SetDefault("validation.history_days", 7)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.volatility_threshold", 0.10)
	v.SetDefault("alerting.cooldown", "1h")
	v.SetDefault("alerting.timeout", "15s")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "pricewatch.alerts")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d616e64))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.commodities", []string{"onion", "potato", "tomato", "wheat"})
	v.SetDefault("scheduler.operating_hours.start", "06:00")
	v.SetDefault("scheduler.operating_hours.end", "20:00")
	v.SetDefault("scheduler.operating_hours.timezone", "Asia/Kolkata")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if _, err := c.OperatingHours(); err != nil {
		return fmt.Errorf("scheduler.operating_hours: %w", err)
	}
	if c.Cache.FreshTTL <= 0 || c.Cache.HardExpiry <= 0 {
		return fmt.Errorf("cache.fresh_ttl and cache.hard_expiry must be greater than zero")
	}
	if c.Cache.HardExpiry < c.Cache.FreshTTL {
		return fmt.Errorf("cache.hard_expiry must not be shorter than cache.fresh_ttl")
	}
	if !unitInterval(c.Resilience.FailureThreshold) {
		return fmt.Errorf("resilience.failure_threshold must be in (0,1]")
	}
	if c.Resilience.Window <= 0 || c.Resilience.RecoveryTimeout <= 0 {
		return fmt.Errorf("resilience.window and resilience.recovery_timeout must be greater than zero")
	}
	if c.Resilience.FetchTimeout <= 0 || c.Resilience.RoundTimeout <= 0 {
		return fmt.Errorf("resilience.fetch_timeout and resilience.round_timeout must be greater than zero")
	}
	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("resilience.max_retries cannot be negative")
	}
	if !unitInterval(c.Validation.AnomalyThreshold) {
		return fmt.Errorf("validation.anomaly_threshold must be in (0,1]")
	}
	if !unitInterval(c.Alerting.VolatilityThreshold) {
		return fmt.Errorf("alerting.volatility_threshold must be in (0,1]")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Kafka.Enabled && (len(c.Alerting.Kafka.Brokers) == 0 || c.Alerting.Kafka.Topic == "") {
		return fmt.Errorf("alerting.kafka requires brokers and topic")
	}
	if c.Sources.Chainlink.Enabled && c.Sources.Chainlink.RPCURL == "" {
		return fmt.Errorf("sources.chainlink.rpc_url is required")
	}
	return nil
}

// OperatingHours parses the scheduler window.
func (c *Config) OperatingHours() (scheduler.OperatingHours, error) {
	h := c.Scheduler.OperatingHours
	return scheduler.ParseOperatingHours(h.Start, h.End, h.Timezone)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

func unitInterval(v float64) bool {
	return v > 0 && v <= 1
}
