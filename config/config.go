// Package config loads the service configuration: a YAML file, struct-tag
// defaults, an optional .env file and environment overrides, validated
// before use.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"oventime/internal/alert"
	"oventime/internal/dayahead"
	"oventime/internal/diagnostic"
	"oventime/internal/logger"
	"oventime/internal/model"
	"oventime/internal/provider/eco2mix"
	"oventime/internal/provider/entsoe"
	"oventime/internal/syncer"
)

// Config holds all application configuration.
type Config struct {
	DataDir     string `yaml:"data_dir" default:"data" validate:"required"`
	SQLitePath  string `yaml:"sqlite_path" default:"data/oventime.db" validate:"required"`
	HTTPAddr    string `yaml:"http_addr" default:":8080" validate:"required"`
	MetricsAddr string `yaml:"metrics_addr" default:":9090"`

	Log    logger.Config `yaml:"log"`
	Redis  RedisConfig   `yaml:"redis"`
	Engine EngineConfig  `yaml:"engine"`

	Eco2mix    Eco2mixConfig    `yaml:"eco2mix"`
	Entsoe     EntsoeConfig     `yaml:"entsoe"`
	Diagnostic DiagnosticConfig `yaml:"diagnostic"`
	Window     WindowConfig     `yaml:"window"`

	Alerts   alert.Thresholds `yaml:"alerts"`
	Telegram TelegramConfig   `yaml:"telegram"`
	Webhook  WebhookConfig    `yaml:"webhook"`
}

// RedisConfig enables the live mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// EngineConfig drives the periodic cycle.
type EngineConfig struct {
	Interval        time.Duration `yaml:"interval" default:"5m" validate:"gt=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" default:"60s" validate:"gt=0"`
	BreakerFailures int           `yaml:"breaker_failures" default:"3" validate:"gte=1"`
	BreakerReset    time.Duration `yaml:"breaker_reset" default:"10m" validate:"gt=0"`
}

// Eco2mixConfig configures the grid-mix source.
type Eco2mixConfig struct {
	BaseURL       string        `yaml:"base_url" default:"https://odre.opendatasoft.com/api/explore/v2.1/catalog/datasets/eco2mix-national-tr/records" validate:"url"`
	PageSize      int           `yaml:"page_size" default:"100" validate:"gte=1,lte=100"`
	RPS           float64       `yaml:"rps" default:"2" validate:"gt=0"`
	RetentionDays int           `yaml:"retention_days" default:"22" validate:"gte=8"`
	MinStaleness  time.Duration `yaml:"min_staleness" default:"20m"`
}

// EntsoeConfig configures the day-ahead price source. Prices are not synced
// without an API key.
type EntsoeConfig struct {
	BaseURL       string        `yaml:"base_url" default:"https://web-api.tp.entsoe.eu/api" validate:"url"`
	APIKey        string        `yaml:"api_key"`
	Domain        string        `yaml:"domain" default:"10YFR-RTE------C"`
	RPS           float64       `yaml:"rps" default:"1" validate:"gt=0"`
	RetentionDays int           `yaml:"retention_days" default:"22" validate:"gte=1"`
	Overshoot     time.Duration `yaml:"overshoot" default:"48h"`
	MinForesight  time.Duration `yaml:"min_foresight" default:"12h"`
}

// DiagnosticConfig sets the normalization windows, in 15-minute rows.
type DiagnosticConfig struct {
	GasWindow     int                   `yaml:"gas_window" default:"672" validate:"gte=2"`
	StorageWindow int                   `yaml:"storage_window" default:"672" validate:"gte=2"`
	NuclearWindow int                   `yaml:"nuclear_window" default:"144" validate:"gte=2"`
	Thresholds    diagnostic.Thresholds `yaml:"thresholds"`
}

// WindowConfig configures the low-price window search.
type WindowConfig struct {
	Horizon     time.Duration `yaml:"horizon" default:"24h" validate:"gte=1h"`
	Method      string        `yaml:"method" default:"otsu" validate:"oneof=otsu arbitrary"`
	Severity    float64       `yaml:"severity" default:"1" validate:"gt=0"`
	RelativeLow float64       `yaml:"relative_low" default:"0.3" validate:"gte=0,lte=1"`
	AbsoluteLow float64       `yaml:"absolute_low" default:"10"`
}

// TelegramConfig configures the bot and alert delivery.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"` // default chat for alerts without a recipient
	APIBase string `yaml:"api_base" default:"https://api.telegram.org"`
}

// WebhookConfig mirrors alerts to an HTTP endpoint when URL is set.
type WebhookConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

// Load reads path (optional), applies defaults, .env and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Entsoe.APIKey = getEnv("ENTSOE_API_KEY", c.Entsoe.APIKey)
	c.Telegram.Token = getEnv("TELEGRAM_TOKEN", c.Telegram.Token)
	c.Telegram.ChatID = getEnv("TELEGRAM_CHAT_ID", c.Telegram.ChatID)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Webhook.URL = getEnv("WEBHOOK_URL", c.Webhook.URL)
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		} else {
			log.Printf("[config] skipping invalid REDIS_DB value: %q", v)
		}
	}
}

// Validate checks field constraints and the cross-field rules tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if c.Alerts.Low >= c.Alerts.High {
		return fmt.Errorf("config invalid: alerts.low (%v) must be below alerts.high (%v)", c.Alerts.Low, c.Alerts.High)
	}
	th := c.Diagnostic.Thresholds
	if !(th.Leaf > th.Green && th.Green > th.Orange && th.Orange > th.Red) {
		return fmt.Errorf("config invalid: diagnostic thresholds must decrease from leaf to red")
	}
	return nil
}

// ScorerConfig returns the diagnostic scorer settings.
func (c *Config) ScorerConfig() diagnostic.Config {
	out := diagnostic.DefaultConfig()
	out.GasWindow = c.Diagnostic.GasWindow
	out.StorageWindow = c.Diagnostic.StorageWindow
	out.NuclearWindow = c.Diagnostic.NuclearWindow
	out.Thresholds = c.Diagnostic.Thresholds
	return out
}

// WindowParams returns the segmenter settings.
func (c *Config) WindowParams() dayahead.Params {
	p := dayahead.DefaultParams()
	p.Horizon = c.Window.Horizon
	p.Method = c.Window.Method
	p.Severity = c.Window.Severity
	p.RelativeLow = c.Window.RelativeLow
	p.AbsoluteLow = c.Window.AbsoluteLow
	return p
}

// GridSource describes the eco2mix source backed by the ODRE client.
func (c *Config) GridSource() syncer.Source {
	return syncer.Source{
		Name:   "eco2mix",
		Fields: model.GridFields,
		Fetcher: eco2mix.New(eco2mix.Config{
			BaseURL:  c.Eco2mix.BaseURL,
			PageSize: c.Eco2mix.PageSize,
			RPS:      c.Eco2mix.RPS,
		}),
		Kind:         syncer.FixedCadence,
		Cadence:      model.GridStep,
		Retention:    time.Duration(c.Eco2mix.RetentionDays) * 24 * time.Hour,
		MinStaleness: c.Eco2mix.MinStaleness,
	}
}

// PriceSource describes the day-ahead price source backed by ENTSO-E.
func (c *Config) PriceSource() syncer.Source {
	return syncer.Source{
		Name:   "prices",
		Fields: model.PriceFields,
		Fetcher: entsoe.New(entsoe.Config{
			BaseURL: c.Entsoe.BaseURL,
			APIKey:  c.Entsoe.APIKey,
			Domain:  c.Entsoe.Domain,
			RPS:     c.Entsoe.RPS,
		}),
		Kind:         syncer.DayAhead,
		Cadence:      model.GridStep,
		Retention:    time.Duration(c.Entsoe.RetentionDays) * 24 * time.Hour,
		Overshoot:    c.Entsoe.Overshoot,
		MinForesight: c.Entsoe.MinForesight,
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
