package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestTradeModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for trade mode without credentials")
	}
	if !strings.Contains(err.Error(), "api_key or encrypted_key_path") {
		t.Errorf("unexpected error: %v", err)
	}

	cfg.Broker.ApiKey = "AKTEST"
	cfg.Broker.ApiSecret = "secret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("trade mode with api_key should validate: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Risk.MaxPositions = 0
	cfg.Exits.StopLossR = 0.5
	cfg.Batch.Size = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"unknown mode", "max_positions", "stop_loss_r", "batch: size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "paper"

[trading]
symbol = "QQQ"
cycle_interval = "2s"

[risk]
max_trades_per_day = 3
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ST0CK_TRADING_SYMBOL", "IWM")
	t.Setenv("ST0CK_RISK_MAX_PORTFOLIO_HEAT", "0.10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Env beats file beats defaults.
	if cfg.Trading.Symbol != "IWM" {
		t.Errorf("symbol = %q, want env override IWM", cfg.Trading.Symbol)
	}
	if cfg.Trading.CycleInterval.Duration != 2*time.Second {
		t.Errorf("cycle_interval = %v, want 2s from file", cfg.Trading.CycleInterval.Duration)
	}
	if cfg.Risk.MaxTradesPerDay != 3 {
		t.Errorf("max_trades_per_day = %d, want 3 from file", cfg.Risk.MaxTradesPerDay)
	}
	if cfg.Risk.MaxPortfolioHeat != 0.10 {
		t.Errorf("max_portfolio_heat = %v, want 0.10 from env", cfg.Risk.MaxPortfolioHeat)
	}
	// Untouched fields keep defaults.
	if cfg.Batch.Size != 10 {
		t.Errorf("batch size = %d, want default 10", cfg.Batch.Size)
	}
}

func TestTradingWindow(t *testing.T) {
	cfg := Defaults()
	start, end, loc, err := cfg.Trading.Window()
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if start.Minutes() != 9*60+30 || end.Minutes() != 11*60 {
		t.Errorf("window = %v..%v", start, end)
	}
	if loc.String() != "America/New_York" {
		t.Errorf("loc = %v", loc)
	}
}
