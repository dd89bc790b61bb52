// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Panel     PanelConfig     `mapstructure:"panel"`
	Tariffs   TariffsConfig   `mapstructure:"tariffs"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Purchase  PurchaseConfig  `mapstructure:"purchase"`
	Trial     TrialConfig     `mapstructure:"trial"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Checkout  CheckoutConfig  `mapstructure:"checkout"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Whitelist WhitelistConfig `mapstructure:"whitelist"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds Redis connection configuration for checkout state.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PanelConfig holds RemnaWave panel API configuration.
type PanelConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TariffsConfig holds the per-tariff panel wiring.
type TariffsConfig struct {
	Standard TariffConfig `mapstructure:"standard"`
	White    TariffConfig `mapstructure:"white"`
}

// TariffConfig describes how one tariff maps onto the panel.
type TariffConfig struct {
	// Squads connected to new subscriptions of this tariff.
	Squads []string `mapstructure:"squads"`
	// Tag stamped on panel users to mark the tariff.
	Tag string `mapstructure:"tag"`
	// UsernameSuffix appended to constructed panel usernames.
	UsernameSuffix string `mapstructure:"username_suffix"`
	// TrafficResetStrategy for the panel user. Traffic-billed tariffs
	// use NO_RESET regardless of this value.
	TrafficResetStrategy string `mapstructure:"traffic_reset_strategy"`
}

// PricingConfig holds the purchase price tables, in kopeks.
type PricingConfig struct {
	// Periods maps period length in days to its base price.
	Periods map[int]int64 `mapstructure:"periods"`
	// TrafficPackages maps package size in GB to its monthly price.
	TrafficPackages map[int]int64 `mapstructure:"traffic_packages"`
	// DevicePriceMonthly is the monthly price per device above the
	// included count.
	DevicePriceMonthly int64 `mapstructure:"device_price_monthly"`
	// DevicesIncluded is the number of devices covered by the base price.
	DevicesIncluded int `mapstructure:"devices_included"`
	// MaxDevices caps the selectable device count.
	MaxDevices int `mapstructure:"max_devices"`
	// DevicesSelectionEnabled exposes the device step in the wizard.
	DevicesSelectionEnabled bool `mapstructure:"devices_selection_enabled"`
	// DefaultDeviceLimit applies when device selection is disabled.
	DefaultDeviceLimit int `mapstructure:"default_device_limit"`
}

// PurchaseConfig holds purchase behavior flags.
type PurchaseConfig struct {
	TrialAddRemainingDaysToPaid bool `mapstructure:"trial_add_remaining_days_to_paid"`
	ResetTrafficOnPayment       bool `mapstructure:"reset_traffic_on_payment"`
	AutoPurchaseAfterTopup      bool `mapstructure:"auto_purchase_after_topup"`
}

// TrialConfig holds trial subscription parameters.
type TrialConfig struct {
	DurationDays   int `mapstructure:"duration_days"`
	TrafficLimitGB int `mapstructure:"traffic_limit_gb"`
	DeviceLimit    int `mapstructure:"device_limit"`
}

// SyncConfig holds panel reconciliation parameters.
type SyncConfig struct {
	PageSize        int `mapstructure:"page_size"`
	CommitEvery     int `mapstructure:"commit_every"`
	PushConcurrency int `mapstructure:"push_concurrency"`
}

// CheckoutConfig holds TTLs for Redis-backed checkout state.
type CheckoutConfig struct {
	DraftTTL time.Duration `mapstructure:"draft_ttl"`
	CartTTL  time.Duration `mapstructure:"cart_ttl"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
	// NotifyChatID receives purchase notifications. Zero disables them.
	NotifyChatID int64 `mapstructure:"notify_chat_id"`
}

// WhitelistConfig holds chat whitelist configuration.
type WhitelistConfig struct {
	Chats []int64 `mapstructure:"chats"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase
	// e.g., BOT_TOKEN, DATABASE_HOST, PANEL_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK - env vars can provide all config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vpnbot")
	v.SetDefault("database.name", "vpnbot")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("panel.timeout", "30s")

	v.SetDefault("tariffs.standard.tag", "STANDARD")
	v.SetDefault("tariffs.standard.traffic_reset_strategy", "MONTH")
	v.SetDefault("tariffs.white.tag", "WHITE")
	v.SetDefault("tariffs.white.username_suffix", "_w")
	v.SetDefault("tariffs.white.traffic_reset_strategy", "NO_RESET")

	v.SetDefault("pricing.periods", map[int]int64{
		30:  15000,
		90:  40000,
		180: 75000,
		360: 140000,
	})
	v.SetDefault("pricing.traffic_packages", map[int]int64{
		50:  5000,
		100: 9000,
		250: 20000,
	})
	v.SetDefault("pricing.device_price_monthly", 5000)
	v.SetDefault("pricing.devices_included", 1)
	v.SetDefault("pricing.max_devices", 5)
	v.SetDefault("pricing.devices_selection_enabled", true)
	v.SetDefault("pricing.default_device_limit", 1)

	v.SetDefault("purchase.trial_add_remaining_days_to_paid", true)
	v.SetDefault("purchase.reset_traffic_on_payment", true)
	v.SetDefault("purchase.auto_purchase_after_topup", false)

	v.SetDefault("trial.duration_days", 3)
	v.SetDefault("trial.traffic_limit_gb", 10)
	v.SetDefault("trial.device_limit", 1)

	v.SetDefault("sync.page_size", 500)
	v.SetDefault("sync.commit_every", 50)
	v.SetDefault("sync.push_concurrency", 5)

	v.SetDefault("checkout.draft_ttl", "1h")
	v.SetDefault("checkout.cart_ttl", "72h")
	v.SetDefault("checkout.token_ttl", "10m")
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsChatAllowed checks if a chat ID is in the whitelist.
func (c *Config) IsChatAllowed(chatID int64) bool {
	// Empty whitelist means all chats are allowed
	if len(c.Whitelist.Chats) == 0 {
		return true
	}
	for _, id := range c.Whitelist.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}

// Squads returns the configured squads for the given tariff code.
func (t *TariffsConfig) Squads(code string) []string {
	if code == "white" {
		return t.White.Squads
	}
	return t.Standard.Squads
}

// ForCode returns the tariff section for the given code.
func (t *TariffsConfig) ForCode(code string) TariffConfig {
	if code == "white" {
		return t.White
	}
	return t.Standard
}
