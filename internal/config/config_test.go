package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultRuntimeConfigDerivesSubdirsFromDataDir(t *testing.T) {
	cfg := DefaultRuntimeConfig("/var/lib/bibank")
	if cfg.JournalDir != filepath.Join("/var/lib/bibank", "journal") {
		t.Errorf("unexpected journal dir: %s", cfg.JournalDir)
	}
	if cfg.ComplianceDir != filepath.Join("/var/lib/bibank", "compliance") {
		t.Errorf("unexpected compliance dir: %s", cfg.ComplianceDir)
	}
	if cfg.ApprovalDir != filepath.Join("/var/lib/bibank", "approval") {
		t.Errorf("unexpected approval dir: %s", cfg.ApprovalDir)
	}
	if cfg.WebsocketAddr == "" {
		t.Error("expected a default websocket address")
	}
}

func TestLoadRuntimeConfigCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadRuntimeConfig(dir)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %s", cfg.LogLevel)
	}

	if _, err := os.Stat(ConfigPath(dir)); err != nil {
		t.Errorf("expected config file to have been created: %v", err)
	}
}

func TestLoadRuntimeConfigRoundTripsSavedValues(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultRuntimeConfig(dir)
	cfg.LogLevel = "debug"
	cfg.WebsocketAddr = ":9999"
	if err := cfg.Save(ConfigPath(dir)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadRuntimeConfig(dir)
	if err != nil {
		t.Fatalf("LoadRuntimeConfig: %v", err)
	}
	if reloaded.LogLevel != "debug" {
		t.Errorf("expected log level debug, got %s", reloaded.LogLevel)
	}
	if reloaded.WebsocketAddr != ":9999" {
		t.Errorf("expected websocket addr :9999, got %s", reloaded.WebsocketAddr)
	}
}

func TestDefaultParametersMatchRiskDefaults(t *testing.T) {
	p := DefaultParameters()

	if p.InitialMargin.Cmp(big.NewRat(1, 10)) != 0 {
		t.Errorf("expected initial margin 0.10, got %s", p.InitialMargin.RatString())
	}
	if p.MaintenanceMargin.Cmp(big.NewRat(5, 100)) != 0 {
		t.Errorf("expected maintenance margin 0.05, got %s", p.MaintenanceMargin.RatString())
	}
	if p.LiquidationThreshold.Cmp(big.NewRat(1, 1)) != 0 {
		t.Errorf("expected liquidation threshold 1.0, got %s", p.LiquidationThreshold.RatString())
	}
}

func TestDefaultParametersMatchLiquidationDefaults(t *testing.T) {
	p := DefaultParameters()

	if p.MaxLiquidationRatio.Cmp(big.NewRat(1, 2)) != 0 {
		t.Errorf("expected max liquidation ratio 0.5, got %s", p.MaxLiquidationRatio.RatString())
	}
	if p.PenaltyRate.Cmp(big.NewRat(5, 100)) != 0 {
		t.Errorf("expected penalty rate 0.05, got %s", p.PenaltyRate.RatString())
	}
	if p.LiquidatorBonusShare.Cmp(big.NewRat(1, 2)) != 0 {
		t.Errorf("expected liquidator bonus share 0.5, got %s", p.LiquidatorBonusShare.RatString())
	}
}

func TestTotalFeeBPSSumsMakerAndTaker(t *testing.T) {
	p := DefaultParameters()
	if p.TotalFeeBPS() != p.MakerFeeBPS+p.TakerFeeBPS {
		t.Errorf("expected total fee bps to be the sum of maker and taker")
	}
}

func TestGetPriceFeedsReturnsRegisteredAddresses(t *testing.T) {
	feeds := GetPriceFeeds(1)
	if feeds == nil {
		t.Fatal("expected mainnet feeds to be registered")
	}
	if _, ok := feeds["ETH-USD"]; !ok {
		t.Error("expected an ETH-USD feed on mainnet")
	}
}

func TestRegisterPriceFeedAddsToUnknownChain(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	RegisterPriceFeed(999999, "TEST-USD", addr)

	feeds := GetPriceFeeds(999999)
	if feeds["TEST-USD"] != addr {
		t.Error("expected the registered feed address to be retrievable")
	}
}
