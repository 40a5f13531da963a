package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/weviu/apr-hunter-sub000/internal/logging"
)

// EnvPrefix namespaces every environment override, e.g. APRHUNTER_DATABASE_DSN.
const EnvPrefix = "APRHUNTER"

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Collection CollectionConfig `mapstructure:"collection"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Sources    SourcesConfig    `mapstructure:"sources"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`

	secrets *Secrets
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
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// CollectionConfig is the global switch for the collection subsystem.
type CollectionConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SchedulerConfig governs job cadence.
type SchedulerConfig struct {
	CollectInterval time.Duration `mapstructure:"collect_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RetentionConfig bounds how long notifications are kept.
type RetentionConfig struct {
	Notifications time.Duration `mapstructure:"notifications"`
}

// SourcesConfig holds non-secret connector settings. Credentials are resolved
// through Secrets at call time.
type SourcesConfig struct {
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	Binance        SourceConfig    `mapstructure:"binance"`
	OKX            SourceConfig    `mapstructure:"okx"`
	KuCoin         SourceConfig    `mapstructure:"kucoin"`
	Gate           SourceConfig    `mapstructure:"gate"`
	Kraken         KrakenConfig    `mapstructure:"kraken"`
	DefiLlama      DefiLlamaConfig `mapstructure:"defillama"`
	Aave           AaveConfig      `mapstructure:"aave"`
}

// SourceConfig is shared by the signed exchange connectors.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// KrakenConfig adds the lockout cooldown knob.
type KrakenConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	LockoutCooldown time.Duration `mapstructure:"lockout_cooldown"`
}

// DefiLlamaConfig filters the public pools feed.
type DefiLlamaConfig struct {
	BaseURL   string   `mapstructure:"base_url"`
	Projects  []string `mapstructure:"projects"`
	MinTVLUSD float64  `mapstructure:"min_tvl_usd"`
}

// AaveConfig lists the reserves read on-chain. The RPC URL is a secret.
type AaveConfig struct {
	PoolAddress string            `mapstructure:"pool_address"`
	Reserves    map[string]string `mapstructure:"reserves"`
}

// AlertingConfig defines evaluation and delivery settings.
type AlertingConfig struct {
	Debounce time.Duration  `mapstructure:"debounce"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig describes Kafka delivery of triggered alerts.
type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Namespace  string `mapstructure:"namespace"`
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

	cfg.secrets = &Secrets{v: v}
	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "aprhunter")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.connect_timeout", "30s")

	v.SetDefault("collection.enabled", true)

	v.SetDefault("scheduler.collect_interval", "30s")
	v.SetDefault("scheduler.cleanup_interval", "24h")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61707268))

	v.SetDefault("retention.notifications", "720h")

	v.SetDefault("sources.request_timeout", "15s")
	v.SetDefault("sources.binance.base_url", "https://api.binance.com")
	v.SetDefault("sources.okx.base_url", "https://www.okx.com")
	v.SetDefault("sources.kucoin.base_url", "https://api.kucoin.com")
	v.SetDefault("sources.gate.base_url", "https://api.gateio.ws")
	v.SetDefault("sources.kraken.base_url", "https://api.kraken.com")
	v.SetDefault("sources.kraken.lockout_cooldown", "60s")
	v.SetDefault("sources.defillama.base_url", "https://yields.llama.fi")
	v.SetDefault("sources.defillama.projects", []string{"aave-v3", "compound-v3", "lido", "rocket-pool"})
	v.SetDefault("sources.defillama.min_tvl_usd", 1_000_000.0)
	v.SetDefault("sources.aave.pool_address", "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2")
	v.SetDefault("sources.aave.reserves", map[string]string{
		"USDC": "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		"USDT": "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		"WETH": "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		"WBTC": "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599",
	})

	v.SetDefault("alerting.debounce", "1h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "alerts.apr")
	v.SetDefault("alerting.kafka.client_id", "aprhunter")

	v.SetDefault("metrics.namespace", "aprhunter")
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
	if c.Scheduler.CollectInterval <= 0 {
		return fmt.Errorf("scheduler.collect_interval must be greater than zero")
	}
	if c.Scheduler.CleanupInterval <= 0 {
		return fmt.Errorf("scheduler.cleanup_interval must be greater than zero")
	}
	if c.Retention.Notifications <= 0 {
		return fmt.Errorf("retention.notifications must be greater than zero")
	}
	if c.Sources.RequestTimeout <= 0 {
		return fmt.Errorf("sources.request_timeout must be greater than zero")
	}
	if c.Sources.Kraken.LockoutCooldown < 0 {
		return fmt.Errorf("sources.kraken.lockout_cooldown cannot be negative")
	}
	if c.Alerting.Debounce < 0 {
		return fmt.Errorf("alerting.debounce cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			return fmt.Errorf("alerting.kafka.brokers must be set when kafka is enabled")
		}
		if c.Alerting.Kafka.Topic == "" {
			return fmt.Errorf("alerting.kafka.topic must be set when kafka is enabled")
		}
	}
	return nil
}

// Secrets returns the live credential reader. It is never nil.
func (c *Config) Secrets() *Secrets {
	if c.secrets == nil {
		c.secrets = &Secrets{}
	}
	return c.secrets
}
