package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) string { return "" }

func streamEnv(k string) string {
	if k == "STREAM_URL" {
		return "wss://quotes.example.test/ws"
	}
	return ""
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("", streamEnv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Orders.MaxSubmitAttempts != 4 {
		t.Errorf("unexpected defaults: port %s attempts %d", cfg.Server.Port, cfg.Orders.MaxSubmitAttempts)
	}
	p := cfg.Policy()
	if !p.StopLossFraction.Equal(decimal.NewFromFloat(0.05)) || p.TrailingStopFraction != nil {
		t.Errorf("unexpected default policy %+v", p)
	}
	openAt, closeAt, err := cfg.Session()
	if err != nil || openAt != 9*60+30 || closeAt != 16*60 {
		t.Errorf("expected 09:30-16:00 session, got %d-%d (%v)", openAt, closeAt, err)
	}
}

func TestLoad_RequiresQuoteFeed(t *testing.T) {
	_, err := load("", noEnv)
	if err == nil || !strings.Contains(err.Error(), "stream_url or quote_url") {
		t.Fatalf("expected a missing feed error, got %v", err)
	}

	env := map[string]string{"QUOTE_URL": "https://quotes.example.test/v1/quotes"}
	cfg, err := load("", func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("quote_url alone should be enough: %v", err)
	}
	if cfg.MarketData.QuoteURL != env["QUOTE_URL"] {
		t.Errorf("QUOTE_URL not applied, got %q", cfg.MarketData.QuoteURL)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
[server]
port = "9000"

[account]
id = "ira"
initial_cash = 25000.0

[risk]
max_position_fraction = 0.2
trailing_stop_fraction = 0.1
max_holding_duration = "720h"

[sectors]
AAPL = "Technology"
XOM = "Energy"

[orders]
ack_timeout = "45s"

[marketdata]
stream_url = "wss://quotes.example.test/ws"
symbols = ["AAPL", "XOM"]

[schedule]
cadence = "weekly"
at = "09:45"
weekday = "Friday"
`)
	env := map[string]string{"PORT": "7000", "DATABASE_URL": "postgres://x"}
	cfg, err := load(path, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "7000" {
		t.Errorf("PORT should override the file, got %s", cfg.Server.Port)
	}
	if cfg.Storage.DatabaseURL != "postgres://x" {
		t.Errorf("DATABASE_URL not applied, got %q", cfg.Storage.DatabaseURL)
	}
	if cfg.Account.ID != "ira" || cfg.Account.InitialCash != 25000 {
		t.Errorf("unexpected account %+v", cfg.Account)
	}
	if cfg.Orders.AckTimeout.Duration != 45*time.Second {
		t.Errorf("expected ack_timeout 45s, got %s", cfg.Orders.AckTimeout)
	}
	if cfg.Sectors["XOM"] != "Energy" {
		t.Errorf("sectors not loaded: %v", cfg.Sectors)
	}

	p := cfg.Policy()
	if p.TrailingStopFraction == nil || !p.TrailingStopFraction.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("trailing stop not loaded: %+v", p.TrailingStopFraction)
	}
	if p.MaxHoldingDuration != 30*24*time.Hour {
		t.Errorf("expected 30 days holding, got %s", p.MaxHoldingDuration)
	}

	h, m, _ := cfg.ClockTime()
	wd, _ := cfg.ScheduleWeekday()
	if h != 9 || m != 45 || wd != time.Friday {
		t.Errorf("unexpected schedule %02d:%02d %s", h, m, wd)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
[risk]
max_position_fraction = 1.5

[schedule]
cadence = "hourly"
at = "25:00"
market_open = "16:00"
market_close = "09:30"
`)
	_, err := load(path, noEnv)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"max_position_fraction", "schedule.cadence", "schedule.at", "market_close", "stream_url"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
[orders]
call_timeout = "soon"
`)
	if _, err := load(path, streamEnv); err == nil {
		t.Error("unparseable duration should fail")
	}
}
