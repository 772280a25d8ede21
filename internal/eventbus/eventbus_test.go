package eventbus

import (
	"math/big"
	"testing"
	"time"

	"github.com/bibank-exchange/bibank/internal/compliance"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/matching"
	"github.com/bibank-exchange/bibank/pkg/obslog"
)

func newTestBus() *Bus {
	return New(obslog.Default())
}

func TestPublishEntryCommittedDeliversToSubscriber(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	ch := make(chan EntryCommitted, 1)
	sub := b.SubscribeEntryCommitted(ch)
	defer sub.Unsubscribe()

	b.PublishEntryCommitted(EntryCommitted{Entry: ledger.JournalEntry{Sequence: 42, CorrelationID: "corr-1"}})

	select {
	case got := <-ch:
		if got.Entry.Sequence != 42 {
			t.Errorf("expected sequence 42, got %d", got.Entry.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EntryCommitted delivery")
	}
}

func TestPublishOrderMatchedDeliversToMultipleSubscribers(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	ch1 := make(chan OrderMatched, 1)
	ch2 := make(chan OrderMatched, 1)
	sub1 := b.SubscribeOrderMatched(ch1)
	sub2 := b.SubscribeOrderMatched(ch2)
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	b.PublishOrderMatched(OrderMatched{Pair: "BTC-USDT", Fill: matching.Fill{
		MakerOrderID: "m1", TakerOrderID: "t1", Price: big.NewRat(50000, 1), Quantity: big.NewRat(1, 1),
	}})

	for _, ch := range []chan OrderMatched{ch1, ch2} {
		select {
		case got := <-ch:
			if got.Pair != "BTC-USDT" {
				t.Errorf("expected pair BTC-USDT, got %s", got.Pair)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for OrderMatched delivery")
		}
	}
}

func TestPublishComplianceFlaggedDelivery(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	ch := make(chan ComplianceFlagged, 1)
	sub := b.SubscribeComplianceFlagged(ch)
	defer sub.Unsubscribe()

	b.PublishComplianceFlagged(ComplianceFlagged{
		UserID:        "alice",
		CorrelationID: "corr-2",
		Outcome:       compliance.Outcome{Kind: compliance.Flagged, Level: compliance.LevelL2},
	})

	select {
	case got := <-ch:
		if got.Outcome.Level != compliance.LevelL2 {
			t.Errorf("expected level L2, got %s", got.Outcome.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ComplianceFlagged delivery")
	}
}

func TestUnsubscribedChannelReceivesNothing(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	ch := make(chan EntryCommitted, 1)
	sub := b.SubscribeEntryCommitted(ch)
	sub.Unsubscribe()

	b.PublishEntryCommitted(EntryCommitted{Entry: ledger.JournalEntry{Sequence: 1}})

	select {
	case <-ch:
		t.Fatal("expected no delivery after unsubscribing")
	case <-time.After(100 * time.Millisecond):
	}
}
