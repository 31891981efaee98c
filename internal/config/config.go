package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Feed     FeedConfig     `mapstructure:"feed"`
	History  HistoryConfig  `mapstructure:"history"`
	Repair   RepairConfig   `mapstructure:"repair"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Validity ValidityConfig `mapstructure:"validity"`
	Rollup   RollupConfig   `mapstructure:"rollup"`
	Cron     CronConfig     `mapstructure:"cron"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

// FeedConfig drives the realtime marketplace stream. APIKeys are rotated on
// every reconnect to spread load across credentials.
type FeedConfig struct {
	WSSBaseURL      string        `mapstructure:"wss_base_url"`
	APIKeys         []string      `mapstructure:"api_keys"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	DisconnectSlack time.Duration `mapstructure:"disconnect_slack"`
}

type HistoryConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PageSleep     time.Duration `mapstructure:"page_sleep"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
}

type RepairConfig struct {
	MaxWindow time.Duration `mapstructure:"max_window"`
}

// ChainConfig maps chain id (as string key, yaml-friendly) to a JSON-RPC endpoint.
type ChainConfig struct {
	RPCURLs map[string]string `mapstructure:"rpc_urls"`
}

type ValidityConfig struct {
	Workers       int           `mapstructure:"workers"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type RollupConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type CronConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	GapRepair        string `mapstructure:"gap_repair"`
	CollectionReload string `mapstructure:"collection_reload"`
	ValiditySweep    string `mapstructure:"validity_sweep"`
	RollupReconcile  string `mapstructure:"rollup_reconcile"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AGG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("feed.wss_base_url", "wss://stream.openseabeta.com/socket/websocket")
	v.SetDefault("feed.ping_interval", "30s")
	v.SetDefault("feed.pong_timeout", "10s")
	v.SetDefault("feed.reconnect_delay", "5s")
	v.SetDefault("feed.disconnect_slack", "5s")
	v.SetDefault("history.base_url", "https://api.opensea.io")
	v.SetDefault("history.timeout", "15s")
	v.SetDefault("history.page_sleep", "1s")
	v.SetDefault("history.retry_attempts", 5)
	v.SetDefault("repair.max_window", "12h")
	v.SetDefault("validity.workers", 4)
	v.SetDefault("validity.retry_attempts", 3)
	v.SetDefault("validity.retry_backoff", "2s")
	v.SetDefault("validity.sweep_batch", 50)
	v.SetDefault("validity.stale_after", "1h")
	v.SetDefault("rollup.reconcile_interval", "1h")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.gap_repair", "@every 5m")
	v.SetDefault("cron.collection_reload", "@every 5m")
	v.SetDefault("cron.validity_sweep", "@every 10m")
	v.SetDefault("cron.rollup_reconcile", "@every 1h")

	if err := v.ReadInConfig(); err != nil {
		// env-only deployments run without a config file
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	if len(c.Feed.APIKeys) == 0 {
		return fmt.Errorf("feed.api_keys is empty: at least one feed credential is required")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is empty")
	}
	return nil
}
