package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/config.yml"

	SellerCreditBank       = "bank"
	SellerCreditCollection = "collection"
)

type Config struct {
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Market      MarketConfig      `yaml:"market"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Collection  CollectionConfig  `yaml:"collection"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Feed        FeedConfig        `yaml:"feed"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// MarketConfig holds the admin controlled trading limits.
type MarketConfig struct {
	MinPrice         int64         `yaml:"min_price"`
	MaxPrice         int64         `yaml:"max_price"`
	SellSlots        int           `yaml:"sell_slots"`
	BuySlots         int           `yaml:"buy_slots"`
	MaxActive        int           `yaml:"max_active"`
	MaxOrderQuantity int64         `yaml:"max_order_quantity"`
	ListingLifetime  time.Duration `yaml:"listing_lifetime"`
	FeeRate          string        `yaml:"fee_rate"`
	SellerCredit     string        `yaml:"seller_credit"`
	HistoryLimit     int           `yaml:"history_limit"`
}

// Fee parses FeeRate. An empty rate means no fee.
func (m MarketConfig) Fee() (decimal.Decimal, error) {
	if strings.TrimSpace(m.FeeRate) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(m.FeeRate))
}

type RateLimitConfig struct {
	CreateCooldown time.Duration `yaml:"create_cooldown"`
	ToggleCooldown time.Duration `yaml:"toggle_cooldown"`
}

type CollectionConfig struct {
	PageSize      int  `yaml:"page_size"`
	ReturnExpired bool `yaml:"return_expired"`
}

type SchedulerConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ChannelsConfig struct {
	SaleBuffer   int           `yaml:"sale_buffer"`
	ExpiryBuffer int           `yaml:"expiry_buffer"`
	StatsPeriod  time.Duration `yaml:"stats_period"`
}

type PersistenceConfig struct {
	Directory        string        `yaml:"directory"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	S3Backup         bool          `yaml:"s3_backup"`
	S3Prefix         string        `yaml:"s3_prefix"`
}

// ArchiveConfig controls the parquet sales archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Destination   string        `yaml:"destination"`
	LocalDir      string        `yaml:"local_dir"`
	Prefix        string        `yaml:"prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
	Compression   string        `yaml:"compression"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Interval   time.Duration    `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Region    string `yaml:"region"`
}

type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Addr           string        `yaml:"addr"`
	Path           string        `yaml:"path"`
	ClientBuffer   int           `yaml:"client_buffer"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Exchange: ExchangeConfig{Name: "gexchange", Version: "dev"},
		Market: MarketConfig{
			MinPrice:         1,
			MaxPrice:         2_147_483_647,
			SellSlots:        8,
			BuySlots:         8,
			MaxActive:        8,
			MaxOrderQuantity: 1_000_000,
			ListingLifetime:  48 * time.Hour,
			SellerCredit:     SellerCreditBank,
			HistoryLimit:     100,
		},
		RateLimit: RateLimitConfig{
			CreateCooldown: 30 * time.Second,
			ToggleCooldown: 3 * time.Second,
		},
		Collection: CollectionConfig{PageSize: 8, ReturnExpired: true},
		Scheduler:  SchedulerConfig{CleanupInterval: 5 * time.Minute},
		Channels:   ChannelsConfig{SaleBuffer: 1024, ExpiryBuffer: 256, StatsPeriod: 30 * time.Second},
		Persistence: PersistenceConfig{
			Directory:        "data",
			AutosaveInterval: 5 * time.Minute,
			S3Prefix:         "snapshots",
		},
		Archive: ArchiveConfig{
			Destination:   "local",
			LocalDir:      "data/archive",
			Prefix:        "sales",
			FlushInterval: time.Minute,
			MaxBuffer:     5000,
			Compression:   "snappy",
		},
		Metrics: MetricsConfig{
			Interval:   time.Minute,
			CloudWatch: CloudWatchConfig{Namespace: "GExchange"},
		},
		Feed:    FeedConfig{Addr: ":8090", Path: "/ws/sales", ClientBuffer: 64, WriteTimeout: 10 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", MaxAge: 7},
	}
}

// LoadConfig reads path on top of the defaults. An empty path selects the
// default file for the current APP_ENV.
func LoadConfig(path string) (*Config, error) {
	path = resolvePath(path, DefaultConfigPath, CurrentEnvironment())

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&config)
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := validateEnvironment(&config, CurrentEnvironment()); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnv overrides credentials and operational switches from the
// environment.
func applyEnv(config *Config) {
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = strings.TrimSpace(v)
	}
	if v := os.Getenv("GEXCHANGE_DATA_DIR"); v != "" {
		config.Persistence.Directory = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Exchange.Name == "" {
		return fmt.Errorf("exchange.name is required")
	}

	m := cfg.Market
	if m.MinPrice <= 0 {
		return fmt.Errorf("market.min_price must be greater than 0")
	}
	if m.MaxPrice < m.MinPrice {
		return fmt.Errorf("market.max_price must be at least market.min_price")
	}
	if m.SellSlots <= 0 {
		return fmt.Errorf("market.sell_slots must be greater than 0")
	}
	if m.BuySlots <= 0 {
		return fmt.Errorf("market.buy_slots must be greater than 0")
	}
	if m.MaxActive <= 0 {
		return fmt.Errorf("market.max_active must be greater than 0")
	}
	if m.ListingLifetime <= 0 {
		return fmt.Errorf("market.listing_lifetime must be greater than 0")
	}
	fee, err := m.Fee()
	if err != nil {
		return fmt.Errorf("market.fee_rate is invalid: %w", err)
	}
	if fee.IsNegative() || fee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("market.fee_rate must be in [0, 1)")
	}
	if m.SellerCredit != SellerCreditBank && m.SellerCredit != SellerCreditCollection {
		return fmt.Errorf("market.seller_credit must be %q or %q", SellerCreditBank, SellerCreditCollection)
	}

	if cfg.RateLimit.CreateCooldown < 0 || cfg.RateLimit.ToggleCooldown < 0 {
		return fmt.Errorf("rate_limit cooldowns must not be negative")
	}
	if cfg.Collection.PageSize <= 0 {
		return fmt.Errorf("collection.page_size must be greater than 0")
	}
	if cfg.Scheduler.CleanupInterval <= 0 {
		return fmt.Errorf("scheduler.cleanup_interval must be greater than 0")
	}
	if cfg.Channels.SaleBuffer <= 0 {
		return fmt.Errorf("channels.sale_buffer must be greater than 0")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		switch cfg.Archive.Destination {
		case "local":
			if cfg.Archive.LocalDir == "" {
				return fmt.Errorf("archive.local_dir is required for local archives")
			}
		case "s3":
			if !cfg.Storage.S3.Enabled {
				return fmt.Errorf("archive.destination s3 requires storage.s3.enabled")
			}
		default:
			return fmt.Errorf("archive.destination must be local or s3")
		}
	}
	if cfg.Persistence.S3Backup && !cfg.Storage.S3.Enabled {
		return fmt.Errorf("persistence.s3_backup requires storage.s3.enabled")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
