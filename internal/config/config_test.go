package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4*time.Hour, cfg.Cache.FreshTTL)
	assert.Equal(t, 48*time.Hour, cfg.Cache.HardExpiry)
	assert.Equal(t, time.Hour, cfg.Cache.WriteTTL)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 8*time.Second, cfg.Resilience.RoundTimeout)
	assert.Equal(t, 5*time.Second, cfg.Resilience.FetchTimeout)
	assert.Equal(t, 0.25, cfg.Validation.AnomalyThreshold)
	assert.Equal(t, 0.10, cfg.Alerting.VolatilityThreshold)
	assert.Equal(t, 2.0, cfg.Sources.Agmarknet.RatePerSecond)
	assert.Equal(t, 5*time.Second, cfg.Sources.Agmarknet.Timeout)
	assert.Equal(t, []string{"onion", "potato", "tomato", "wheat"}, cfg.Scheduler.Commodities)

	hours, err := cfg.OperatingHours()
	require.NoError(t, err)
	assert.Equal(t, "06:00-20:00", hours.String())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
cache:
  fresh_ttl: 2h
sources:
  chainlink:
    enabled: true
    rpc_url: http://localhost:8545
    feeds:
      - commodity: wheat
        address: "0x0000000000000000000000000000000000000001"
        scale: 83.5
alerting:
  kafka:
    enabled: true
    brokers: ["localhost:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("PRICEWATCH_REDIS_ADDR", "localhost:6379")
	t.Setenv("PRICEWATCH_SCHEDULER_COMMODITIES", "onion,maize")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.Cache.FreshTTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"onion", "maize"}, cfg.Scheduler.Commodities)
	require.Len(t, cfg.Sources.Chainlink.Feeds, 1)
	assert.Equal(t, 83.5, cfg.Sources.Chainlink.Feeds[0].Scale)
	assert.Equal(t, "pricewatch.alerts", cfg.Alerting.Kafka.Topic)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Export:     ExportConfig{MaxDataPoints: 10},
			Scheduler:  SchedulerConfig{Interval: time.Minute},
			Cache:      CacheConfig{FreshTTL: time.Hour, HardExpiry: 2 * time.Hour},
			Resilience: ResilienceConfig{FailureThreshold: 0.5, Window: time.Minute, RecoveryTimeout: time.Second, FetchTimeout: time.Second, RoundTimeout: time.Second},
			Validation: ValidationConfig{AnomalyThreshold: 0.25},
			Alerting:   AlertingConfig{VolatilityThreshold: 0.1},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"interval":         func(c *Config) { c.Scheduler.Interval = 0 },
		"inverted cache":   func(c *Config) { c.Cache.HardExpiry = time.Minute },
		"failure rate":     func(c *Config) { c.Resilience.FailureThreshold = 1.5 },
		"anomaly":          func(c *Config) { c.Validation.AnomalyThreshold = 0 },
		"volatility":       func(c *Config) { c.Alerting.VolatilityThreshold = -0.1 },
		"hours":            func(c *Config) { c.Scheduler.OperatingHours = OperatingHoursConfig{Start: "25:00", End: "06:00"} },
		"telegram":         func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"kafka":            func(c *Config) { c.Alerting.Kafka.Enabled = true },
		"chainlink":        func(c *Config) { c.Sources.Chainlink.Enabled = true },
		"negative retries": func(c *Config) { c.Resilience.MaxRetries = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.example.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, []string{"telegram", "kafka"}, cfg.Alerting.Channels)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.StartupDelay)
}
