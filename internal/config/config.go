// Package config loads the engine settings from a TOML file, fills defaults
// and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

// Duration is a time.Duration written as a Go duration string ("30s", "24h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the engine configuration.
type Config struct {
	Server struct {
		Port string `toml:"port"`
	} `toml:"server"`

	Storage struct {
		DatabaseURL string   `toml:"database_url"`
		RedisURL    string   `toml:"redis_url"`
		SQLitePath  string   `toml:"sqlite_path"`
		CacheTTL    Duration `toml:"cache_ttl"`
	} `toml:"storage"`

	Account struct {
		ID          string  `toml:"id"`
		InitialCash float64 `toml:"initial_cash"`
	} `toml:"account"`

	Risk struct {
		MaxPositionFraction float64 `toml:"max_position_fraction"`
		MaxSectorFraction   float64 `toml:"max_sector_fraction"`
		StopLossFraction    float64 `toml:"stop_loss_fraction"`

		// TrailingStopFraction of zero disables trailing stops.
		TrailingStopFraction    float64  `toml:"trailing_stop_fraction"`
		MaxHoldingDuration      Duration `toml:"max_holding_duration"`
		TimeExitProfitThreshold float64  `toml:"time_exit_profit_threshold"`
	} `toml:"risk"`

	// Sectors maps symbol to sector name.
	Sectors map[string]string `toml:"sectors"`

	Orders struct {
		MaxSubmitAttempts int      `toml:"max_submit_attempts"`
		BackoffMin        Duration `toml:"backoff_min"`
		BackoffMax        Duration `toml:"backoff_max"`
		CallTimeout       Duration `toml:"call_timeout"`
		AckTimeout        Duration `toml:"ack_timeout"`
		MarketBuffer      float64  `toml:"market_buffer"`
	} `toml:"orders"`

	MarketData struct {
		StreamURL        string   `toml:"stream_url"`
		QuoteURL         string   `toml:"quote_url"`
		Symbols          []string `toml:"symbols"`
		Staleness        Duration `toml:"staleness"`
		SubscriberBuffer int      `toml:"subscriber_buffer"`
		PollInterval     Duration `toml:"poll_interval"`
	} `toml:"marketdata"`

	Schedule struct {
		Cadence           string   `toml:"cadence"`
		At                string   `toml:"at"`
		Timezone          string   `toml:"timezone"`
		Weekday           string   `toml:"weekday"`
		ReconcileInterval Duration `toml:"reconcile_interval"`

		// MarketOpen and MarketClose bound the trading session (HH:MM in
		// timezone, weekdays only).
		MarketOpen  string `toml:"market_open"`
		MarketClose string `toml:"market_close"`
	} `toml:"schedule"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var c Config
	applyDefaults(&c)
	return &c
}

// Load reads path (if non-empty), applies defaults and the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	applyEnv(&cfg, getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Storage.CacheTTL.Duration <= 0 {
		c.Storage.CacheTTL.Duration = 30 * time.Second
	}
	if c.Account.ID == "" {
		c.Account.ID = "default"
	}
	if c.Risk.MaxPositionFraction == 0 {
		c.Risk.MaxPositionFraction = 0.10
	}
	if c.Risk.MaxSectorFraction == 0 {
		c.Risk.MaxSectorFraction = 0.25
	}
	if c.Risk.StopLossFraction == 0 {
		c.Risk.StopLossFraction = 0.05
	}
	if c.Risk.TimeExitProfitThreshold == 0 {
		c.Risk.TimeExitProfitThreshold = 0.02
	}
	if c.Orders.MaxSubmitAttempts == 0 {
		c.Orders.MaxSubmitAttempts = 4
	}
	if c.Orders.BackoffMin.Duration == 0 {
		c.Orders.BackoffMin.Duration = 200 * time.Millisecond
	}
	if c.Orders.BackoffMax.Duration == 0 {
		c.Orders.BackoffMax.Duration = 5 * time.Second
	}
	if c.Orders.CallTimeout.Duration == 0 {
		c.Orders.CallTimeout.Duration = 5 * time.Second
	}
	if c.Orders.AckTimeout.Duration == 0 {
		c.Orders.AckTimeout.Duration = time.Minute
	}
	if c.Orders.MarketBuffer == 0 {
		c.Orders.MarketBuffer = 0.01
	}
	if c.MarketData.Staleness.Duration == 0 {
		c.MarketData.Staleness.Duration = 5 * time.Minute
	}
	if c.MarketData.SubscriberBuffer <= 0 {
		c.MarketData.SubscriberBuffer = 256
	}
	if c.MarketData.PollInterval.Duration == 0 {
		c.MarketData.PollInterval.Duration = 15 * time.Second
	}
	if c.Schedule.Cadence == "" {
		c.Schedule.Cadence = "daily"
	}
	if c.Schedule.At == "" {
		c.Schedule.At = "15:30"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if c.Schedule.Weekday == "" {
		c.Schedule.Weekday = "monday"
	}
	if c.Schedule.ReconcileInterval.Duration == 0 {
		c.Schedule.ReconcileInterval.Duration = 30 * time.Second
	}
	if c.Schedule.MarketOpen == "" {
		c.Schedule.MarketOpen = "09:30"
	}
	if c.Schedule.MarketClose == "" {
		c.Schedule.MarketClose = "16:00"
	}
}

func applyEnv(c *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "PORT")
	set(&c.Storage.DatabaseURL, "DATABASE_URL")
	set(&c.Storage.RedisURL, "REDIS_URL")
	set(&c.Storage.SQLitePath, "SQLITE_PATH")
	set(&c.MarketData.StreamURL, "STREAM_URL")
	set(&c.MarketData.QuoteURL, "QUOTE_URL")
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Account.InitialCash < 0 {
		errs = append(errs, errors.New("account.initial_cash must not be negative"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("risk: %w", err))
	}
	if c.Risk.TimeExitProfitThreshold < 0 {
		errs = append(errs, errors.New("risk.time_exit_profit_threshold must not be negative"))
	}
	if c.Orders.MaxSubmitAttempts < 1 || c.Orders.MaxSubmitAttempts > 20 {
		errs = append(errs, errors.New("orders.max_submit_attempts must be in [1,20]"))
	}
	if c.Orders.BackoffMax.Duration < c.Orders.BackoffMin.Duration {
		errs = append(errs, errors.New("orders.backoff_max must be at least backoff_min"))
	}
	if c.Orders.MarketBuffer < 0 || c.Orders.MarketBuffer >= 1 {
		errs = append(errs, errors.New("orders.market_buffer must be in [0,1)"))
	}
	if c.MarketData.StreamURL == "" && c.MarketData.QuoteURL == "" {
		// The paper broker quotes from the hub, so it cannot be the feed.
		errs = append(errs, errors.New("marketdata: stream_url or quote_url is required"))
	}
	for _, sym := range c.MarketData.Symbols {
		if !model.ValidTicker(sym) {
			errs = append(errs, fmt.Errorf("marketdata.symbols: invalid symbol %q", sym))
		}
	}
	switch strings.ToLower(c.Schedule.Cadence) {
	case "daily", "weekly":
	default:
		errs = append(errs, fmt.Errorf("schedule.cadence must be daily or weekly, got %q", c.Schedule.Cadence))
	}
	if _, _, err := c.ClockTime(); err != nil {
		errs = append(errs, err)
	}
	if openAt, closeAt, err := c.Session(); err != nil {
		errs = append(errs, err)
	} else if closeAt <= openAt {
		errs = append(errs, errors.New("schedule.market_close must be after market_open"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	if _, err := c.ScheduleWeekday(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Policy converts the risk section to a model.RiskPolicy.
func (c *Config) Policy() model.RiskPolicy {
	p := model.RiskPolicy{
		MaxPositionFraction:     decimal.NewFromFloat(c.Risk.MaxPositionFraction),
		MaxSectorFraction:       decimal.NewFromFloat(c.Risk.MaxSectorFraction),
		StopLossFraction:        decimal.NewFromFloat(c.Risk.StopLossFraction),
		MaxHoldingDuration:      c.Risk.MaxHoldingDuration.Duration,
		TimeExitProfitThreshold: decimal.NewFromFloat(c.Risk.TimeExitProfitThreshold),
	}
	if c.Risk.TrailingStopFraction != 0 {
		t := decimal.NewFromFloat(c.Risk.TrailingStopFraction)
		p.TrailingStopFraction = &t
	}
	return p
}

// ClockTime parses schedule.at as HH:MM.
func (c *Config) ClockTime() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.Schedule.At)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.at must be HH:MM, got %q", c.Schedule.At)
	}
	return t.Hour(), t.Minute(), nil
}

// Session parses the market session bounds as minutes after midnight.
func (c *Config) Session() (openAt, closeAt int, err error) {
	o, err := time.Parse("15:04", c.Schedule.MarketOpen)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.market_open must be HH:MM, got %q", c.Schedule.MarketOpen)
	}
	cl, err := time.Parse("15:04", c.Schedule.MarketClose)
	if err != nil {
		return 0, 0, fmt.Errorf("schedule.market_close must be HH:MM, got %q", c.Schedule.MarketClose)
	}
	return o.Hour()*60 + o.Minute(), cl.Hour()*60 + cl.Minute(), nil
}

// Location loads schedule.timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Schedule.Timezone)
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ScheduleWeekday parses schedule.weekday for weekly cadences.
func (c *Config) ScheduleWeekday() (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(c.Schedule.Weekday)]
	if !ok {
		return 0, fmt.Errorf("schedule.weekday: unknown day %q", c.Schedule.Weekday)
	}
	return wd, nil
}
