package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration. Every field maps to one
// environment variable; a .env file in the working directory is read when
// present.
type Config struct {
	Port          string `mapstructure:"PORT"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	ManagerPIN            string `mapstructure:"MANAGER_PIN"`

	// BootstrapAdmin* create the first admin account of an empty user store.
	BootstrapAdminUsername string `mapstructure:"BOOTSTRAP_ADMIN_USERNAME"`
	BootstrapAdminPassword string `mapstructure:"BOOTSTRAP_ADMIN_PASSWORD"`

	DifferenceThresholdCents int64  `mapstructure:"DIFFERENCE_THRESHOLD_CENTS"`
	ReportTimezone           string `mapstructure:"REPORT_TIMEZONE"`
	ZReportCacheTTLMinutes   int    `mapstructure:"ZREPORT_CACHE_TTL_MINUTES"`
	JournalCashSalesDefault  bool   `mapstructure:"JOURNAL_CASH_SALES_DEFAULT"`

	ReadModelTimeoutMS      int `mapstructure:"READMODEL_TIMEOUT_MS"`
	BreakerFailureThreshold int `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerOpenSeconds      int `mapstructure:"BREAKER_OPEN_SECONDS"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

var defaults = map[string]any{
	"PORT":                       "8080",
	"ALLOWED_ORIGIN":             "http://127.0.0.1:3000",
	"DATABASE_URL":               "",
	"REDIS_ADDR":                 "",
	"REDIS_PASSWORD":             "",
	"REDIS_DB":                   0,
	"AUTH_SECRET":                "",
	"ACCESS_TOKEN_TTL_MINUTES":   480,
	"MANAGER_PIN":                "",
	"BOOTSTRAP_ADMIN_USERNAME":   "admin",
	"BOOTSTRAP_ADMIN_PASSWORD":   "",
	"DIFFERENCE_THRESHOLD_CENTS": 1000,
	"REPORT_TIMEZONE":            "UTC",
	"ZREPORT_CACHE_TTL_MINUTES":  0,
	"JOURNAL_CASH_SALES_DEFAULT": false,
	"READMODEL_TIMEOUT_MS":       2000,
	"BREAKER_FAILURE_THRESHOLD":  5,
	"BREAKER_OPEN_SECONDS":       30,
	"LOG_LEVEL":                  "info",
	"LOG_FORMAT":                 "console",
}

// Load reads configuration from the environment and an optional .env file.
// Auth secrets get no default: an unset value stays empty so startup
// validation can refuse it.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize trims secrets and replaces out-of-range numbers with defaults.
func (c *Config) normalize() {
	c.AuthSecret = strings.TrimSpace(c.AuthSecret)
	c.ManagerPIN = strings.TrimSpace(c.ManagerPIN)
	c.BootstrapAdminUsername = strings.ToLower(strings.TrimSpace(c.BootstrapAdminUsername))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	if c.AccessTokenTTLMinutes < 1 {
		c.AccessTokenTTLMinutes = 480
	}
	if c.DifferenceThresholdCents < 0 {
		c.DifferenceThresholdCents = 1000
	}
	if c.ZReportCacheTTLMinutes < 0 {
		c.ZReportCacheTTLMinutes = 0
	}
	if c.ReadModelTimeoutMS < 1 {
		c.ReadModelTimeoutMS = 2000
	}
	if c.BreakerFailureThreshold < 1 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerOpenSeconds < 1 {
		c.BreakerOpenSeconds = 30
	}
	if strings.TrimSpace(c.ReportTimezone) == "" {
		c.ReportTimezone = "UTC"
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) ZReportCacheTTL() time.Duration {
	return time.Duration(c.ZReportCacheTTLMinutes) * time.Minute
}

func (c Config) ReadModelTimeout() time.Duration {
	return time.Duration(c.ReadModelTimeoutMS) * time.Millisecond
}

func (c Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenSeconds) * time.Second
}

// ReportLocation resolves REPORT_TIMEZONE, the zone that defines a Z-report
// calendar day.
func (c Config) ReportLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("REPORT_TIMEZONE %q: %w", c.ReportTimezone, err)
	}
	return loc, nil
}
