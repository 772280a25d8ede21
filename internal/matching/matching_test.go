package matching

import (
	"math/big"
	"testing"
)

func rat(s string) *big.Rat {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		panic("bad rat literal: " + s)
	}
	return r
}

func TestMatchedTradeFillsBothOrders(t *testing.T) {
	book := NewBook("BTC/USDT")

	sellOrder, sellFills, err := book.Place("bob", Sell, rat("50000"), rat("1"))
	if err != nil {
		t.Fatalf("sell place: %v", err)
	}
	if len(sellFills) != 0 {
		t.Fatalf("expected resting sell with no fills, got %d", len(sellFills))
	}
	if sellOrder.Status != StatusOpen {
		t.Errorf("expected resting sell order to be open, got %s", sellOrder.Status)
	}

	buyOrder, buyFills, err := book.Place("alice", Buy, rat("50000"), rat("1"))
	if err != nil {
		t.Fatalf("buy place: %v", err)
	}
	if len(buyFills) != 1 {
		t.Fatalf("expected exactly one fill, got %d", len(buyFills))
	}
	fill := buyFills[0]
	if fill.Price.Cmp(rat("50000")) != 0 {
		t.Errorf("expected fill price 50000, got %s", fill.Price.RatString())
	}
	if fill.Quantity.Cmp(rat("1")) != 0 {
		t.Errorf("expected fill quantity 1, got %s", fill.Quantity.RatString())
	}
	if fill.MakerUserID != "bob" || fill.TakerUserID != "alice" {
		t.Errorf("expected maker bob / taker alice, got maker=%s taker=%s", fill.MakerUserID, fill.TakerUserID)
	}
	if buyOrder.Status != StatusFilled {
		t.Errorf("expected taker order filled, got %s", buyOrder.Status)
	}
	if book.OrderCount() != 0 {
		t.Errorf("expected both books empty after a full match, got %d resting orders", book.OrderCount())
	}
}

func TestSelfTradePreventionLeavesBookUnchanged(t *testing.T) {
	book := NewBook("BTC/USDT")

	_, _, err := book.Place("alice", Sell, rat("5000"), rat("0.01"))
	if err != nil {
		t.Fatalf("sell place: %v", err)
	}
	if book.OrderCount() != 1 {
		t.Fatalf("expected 1 resting order before self-trade attempt, got %d", book.OrderCount())
	}

	_, _, err = book.Place("alice", Buy, rat("5000"), rat("0.01"))
	if err == nil {
		t.Fatal("expected SelfTradeNotAllowed error")
	}

	if book.OrderCount() != 1 {
		t.Errorf("expected book unchanged after self-trade rejection, got %d resting orders", book.OrderCount())
	}
	bids, asks := book.Depth(10)
	if len(bids) != 0 {
		t.Errorf("expected no resting bids after rejected self-trade, got %d", len(bids))
	}
	if len(asks) != 1 {
		t.Errorf("expected the original resting ask still present, got %d", len(asks))
	}
}

func TestCancelUnlocksResting(t *testing.T) {
	book := NewBook("BTC/USDT")
	order, _, err := book.Place("alice", Buy, rat("100"), rat("1"))
	if err != nil {
		t.Fatal(err)
	}
	if book.OrderCount() != 1 {
		t.Fatalf("expected 1 resting order, got %d", book.OrderCount())
	}

	cancelled, err := book.Cancel(order.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled status, got %s", cancelled.Status)
	}
	if book.OrderCount() != 0 {
		t.Errorf("expected order_count == 0 after place+cancel round trip, got %d", book.OrderCount())
	}
}

func TestCancelUnknownOrderFails(t *testing.T) {
	book := NewBook("BTC/USDT")
	if _, err := book.Cancel("nonexistent"); err == nil {
		t.Error("expected error cancelling an unknown order")
	}
}

func TestPartialFillLeavesTakerResting(t *testing.T) {
	book := NewBook("BTC/USDT")
	if _, _, err := book.Place("bob", Sell, rat("100"), rat("1")); err != nil {
		t.Fatal(err)
	}
	taker, fills, err := book.Place("alice", Buy, rat("100"), rat("2.5"))
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if taker.Status != StatusPartiallyFilled {
		t.Errorf("expected taker partially filled, got %s", taker.Status)
	}
	if taker.Remaining().Cmp(rat("1.5")) != 0 {
		t.Errorf("expected remaining 1.5, got %s", taker.Remaining().RatString())
	}
	if book.OrderCount() != 1 {
		t.Errorf("expected the remainder of the taker order resting, got %d orders", book.OrderCount())
	}
}

func TestDepthAggregatesQuantityPerLevel(t *testing.T) {
	book := NewBook("BTC/USDT")
	if _, _, err := book.Place("bob", Sell, rat("100"), rat("1")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := book.Place("carol", Sell, rat("100"), rat("2")); err != nil {
		t.Fatal(err)
	}
	_, asks := book.Depth(5)
	if len(asks) != 1 {
		t.Fatalf("expected 1 price level, got %d", len(asks))
	}
	if asks[0].Quantity.Cmp(rat("3")) != 0 {
		t.Errorf("expected aggregated quantity 3, got %s", asks[0].Quantity.RatString())
	}
}
