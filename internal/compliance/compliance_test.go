package compliance

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bibank-exchange/bibank/internal/money"
)

func newTestEngine(t *testing.T) (*Engine, *DecisionLog) {
	t.Helper()
	dir := t.TempDir()
	log, err := OpenDecisionLog(filepath.Join(dir, "compliance"))
	if err != nil {
		t.Fatalf("OpenDecisionLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return NewEngine(log, NewStaticLookup(), FailClosed), log
}

func TestPreCheckBlocksWatchlistedUser(t *testing.T) {
	engine, log := newTestEngine(t)
	lookup := NewStaticLookup()
	lookup.Watchlisted["bob"] = true
	engine.lookup = lookup

	engine.AddRule(Rule{
		ID:        "sanctions",
		Type:      RuleBlock,
		Condition: IsWatchlisted(),
		Action:    RuleAction{Block: &BlockAction{Code: "SANCTIONS_BLOCKED", Reason: "user is on the sanctions watchlist"}},
		Priority:  1,
		Enabled:   true,
	})

	outcome, err := engine.PreCheck("bob", "corr-1", money.MustFromDecimalString("100"), "USDT", time.Now())
	if err != nil {
		t.Fatalf("PreCheck: %v", err)
	}
	if outcome.Kind != Blocked {
		t.Fatalf("expected Blocked, got %s", outcome.Kind)
	}
	if outcome.Code != "SANCTIONS_BLOCKED" {
		t.Errorf("expected code SANCTIONS_BLOCKED, got %s", outcome.Code)
	}

	records, err := log.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	found := false
	for _, r := range records {
		if r.EventType == EventCheckPerformed && r.Decision == Blocked && r.Code == "SANCTIONS_BLOCKED" {
			found = true
		}
	}
	if !found {
		t.Error("expected a CheckPerformed{decision=Blocked, code=SANCTIONS_BLOCKED} record in the decision log")
	}
}

func TestPreCheckApprovesUnflaggedUser(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AddRule(Rule{
		ID:        "sanctions",
		Type:      RuleBlock,
		Condition: IsWatchlisted(),
		Action:    RuleAction{Block: &BlockAction{Code: "SANCTIONS_BLOCKED"}},
		Priority:  1,
		Enabled:   true,
	})

	outcome, err := engine.PreCheck("alice", "corr-1", money.MustFromDecimalString("100"), "USDT", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Kind != Approved {
		t.Errorf("expected Approved, got %s", outcome.Kind)
	}
}

func TestPostCheckFlagsLargeTransaction(t *testing.T) {
	engine, log := newTestEngine(t)
	engine.AddRule(Rule{
		ID:        "large-tx",
		Type:      RuleFlag,
		Condition: AmountGte(money.MustFromDecimalString("10000")),
		Action:    RuleAction{Flag: &FlagAction{Score: RiskHigh, Level: LevelL2, Reason: "large transaction"}},
		Priority:  1,
		Enabled:   true,
	})

	now := time.Now()
	engine.PreCheck("alice", "corr-1", money.MustFromDecimalString("15000"), "USDT", now)
	outcome := engine.PostCheck("alice", "corr-1", money.MustFromDecimalString("15000"), "USDT", now)
	if outcome.Kind != Flagged {
		t.Fatalf("expected Flagged, got %s", outcome.Kind)
	}
	if outcome.Level != LevelL2 {
		t.Errorf("expected level L2, got %s", outcome.Level)
	}

	records, err := log.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	var hasCheckPerformed, hasFlagged bool
	for _, r := range records {
		if r.EventType == EventCheckPerformed {
			hasCheckPerformed = true
		}
		if r.EventType == EventTransactionFlagged {
			hasFlagged = true
		}
	}
	if !hasCheckPerformed || !hasFlagged {
		t.Errorf("expected both CheckPerformed and TransactionFlagged records, got checkPerformed=%v flagged=%v", hasCheckPerformed, hasFlagged)
	}
}

func TestMaxLatticeAggregatesMostSevereFlag(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.AddRule(Rule{
		ID:        "mild",
		Type:      RuleFlag,
		Condition: AmountGte(money.MustFromDecimalString("100")),
		Action:    RuleAction{Flag: &FlagAction{Score: RiskLow, Level: LevelL1}},
		Priority:  1,
		Enabled:   true,
	})
	engine.AddRule(Rule{
		ID:        "severe",
		Type:      RuleFlag,
		Condition: AmountGte(money.MustFromDecimalString("10000")),
		Action:    RuleAction{Flag: &FlagAction{Score: RiskCritical, Level: LevelL4}},
		Priority:  2,
		Enabled:   true,
	})

	outcome := engine.PostCheck("alice", "corr-1", money.MustFromDecimalString("15000"), "USDT", time.Now())
	if outcome.Level != LevelL4 {
		t.Errorf("expected the most severe level L4 to win the aggregation, got %s", outcome.Level)
	}
}

func TestSlidingWindowCountsWithinWindow(t *testing.T) {
	w := NewSlidingWindow()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.Record("alice", base.Add(time.Duration(i)*time.Minute), money.MustFromDecimalString("10"))
	}
	count := w.CountInWindow("alice", base.Add(4*time.Minute), 10*time.Minute)
	if count != 5 {
		t.Errorf("expected 5 transactions in window, got %d", count)
	}
	volume := w.VolumeInWindow("alice", base.Add(4*time.Minute), 10*time.Minute)
	if volume.Cmp(money.MustFromDecimalString("50")) != 0 {
		t.Errorf("expected volume 50, got %s", volume)
	}
}

func TestSlidingWindowExcludesStaleObservations(t *testing.T) {
	w := NewSlidingWindow()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w.Record("alice", base, money.MustFromDecimalString("10"))
	count := w.CountInWindow("alice", base.Add(90*time.Minute), 5*time.Minute)
	if count != 0 {
		t.Errorf("expected stale observation to be excluded from a 5-minute window, got %d", count)
	}
}

func TestReplayWindowRebuildsFromDecisionLog(t *testing.T) {
	engine, _ := newTestEngine(t)
	now := time.Now()
	records := []DecisionRecord{
		{EventType: EventCheckPerformed, UserID: "alice", Amount: "100", Asset: "USDT", Timestamp: now},
		{EventType: EventCheckPerformed, UserID: "alice", Amount: "200", Asset: "USDT", Timestamp: now},
	}
	if err := engine.ReplayWindow(records); err != nil {
		t.Fatalf("ReplayWindow: %v", err)
	}
	count := engine.window.CountInWindow("alice", now, time.Hour)
	if count != 2 {
		t.Errorf("expected 2 replayed observations, got %d", count)
	}
}
