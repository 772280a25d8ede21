package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func TestStaticOracleReturnsSetPrice(t *testing.T) {
	o := NewStaticOracle()
	now := time.Now()
	o.Set("BTC-USDT", big.NewRat(50000, 1), now)

	p, err := o.GetPrice(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if p.Value.Cmp(big.NewRat(50000, 1)) != 0 {
		t.Errorf("expected 50000, got %s", p.Value.RatString())
	}
	if !p.AsOf.Equal(now) {
		t.Errorf("expected AsOf %s, got %s", now, p.AsOf)
	}
}

func TestStaticOracleUnknownPairFails(t *testing.T) {
	o := NewStaticOracle()
	if _, err := o.GetPrice(context.Background(), "ETH-USDT"); err == nil {
		t.Error("expected an error for an unconfigured pair")
	}
}

func TestStaticOracleSetOverwritesPreviousPrice(t *testing.T) {
	o := NewStaticOracle()
	t1 := time.Now()
	t2 := t1.Add(time.Minute)
	o.Set("BTC-USDT", big.NewRat(50000, 1), t1)
	o.Set("BTC-USDT", big.NewRat(51000, 1), t2)

	p, err := o.GetPrice(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if p.Value.Cmp(big.NewRat(51000, 1)) != 0 {
		t.Errorf("expected the latest price 51000, got %s", p.Value.RatString())
	}
}
