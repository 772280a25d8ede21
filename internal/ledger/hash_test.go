package ledger

import (
	"testing"
	"time"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/money"
)

func sampleEntry(t *testing.T) JournalEntry {
	t.Helper()
	return JournalEntry{
		Sequence:      1,
		PrevHash:      GenesisPrevHash,
		Timestamp:     time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC),
		Intent:        IntentDeposit,
		CorrelationID: "corr-1",
		Postings: []Posting{
			{Account: account.SystemVault("USDT"), Amount: money.MustFromDecimalString("100"), Side: account.Debit},
			{Account: account.UserAvailable("alice", "USDT"), Amount: money.MustFromDecimalString("100"), Side: account.Credit},
		},
		Metadata: map[string]interface{}{"note": "test"},
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	e := sampleEntry(t)
	h1, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	h2, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected deterministic hash, got %q and %q", h1, h2)
	}
}

func TestComputeHashChangesWithMetadataOrder(t *testing.T) {
	e1 := sampleEntry(t)
	e1.Metadata = map[string]interface{}{"a": 1, "b": 2}
	e2 := sampleEntry(t)
	e2.Metadata = map[string]interface{}{"b": 2, "a": 1}

	h1, _ := ComputeHash(e1)
	h2, _ := ComputeHash(e2)
	if h1 != h2 {
		t.Errorf("hash must be independent of Go map iteration order: %q != %q", h1, h2)
	}
}

func TestComputeHashSensitiveToPostings(t *testing.T) {
	e1 := sampleEntry(t)
	e2 := sampleEntry(t)
	e2.Postings[0].Amount = money.MustFromDecimalString("200")

	h1, _ := ComputeHash(e1)
	h2, _ := ComputeHash(e2)
	if h1 == h2 {
		t.Error("expected different hashes for different posting amounts")
	}
}

func TestVerifyChainAcceptsValidChain(t *testing.T) {
	e1 := sampleEntry(t)
	h1, err := ComputeHash(e1)
	if err != nil {
		t.Fatal(err)
	}
	e1.Hash = h1

	e2 := sampleEntry(t)
	e2.Sequence = 2
	e2.PrevHash = h1
	e2.CorrelationID = "corr-2"
	h2, err := ComputeHash(e2)
	if err != nil {
		t.Fatal(err)
	}
	e2.Hash = h2

	if err := VerifyChain([]JournalEntry{e1, e2}); err != nil {
		t.Errorf("expected valid chain, got error: %v", err)
	}
}

func TestVerifyChainRejectsBrokenLink(t *testing.T) {
	e1 := sampleEntry(t)
	h1, _ := ComputeHash(e1)
	e1.Hash = h1

	e2 := sampleEntry(t)
	e2.Sequence = 2
	e2.PrevHash = "tampered"
	h2, _ := ComputeHash(e2)
	e2.Hash = h2

	if err := VerifyChain([]JournalEntry{e1, e2}); err == nil {
		t.Error("expected error for broken prev_hash link")
	}
}

func TestVerifyChainRejectsSequenceGap(t *testing.T) {
	e1 := sampleEntry(t)
	h1, _ := ComputeHash(e1)
	e1.Hash = h1

	e2 := sampleEntry(t)
	e2.Sequence = 3
	e2.PrevHash = h1
	h2, _ := ComputeHash(e2)
	e2.Hash = h2

	if err := VerifyChain([]JournalEntry{e1, e2}); err == nil {
		t.Error("expected error for sequence gap")
	}
}

func TestVerifyChainRejectsTamperedHash(t *testing.T) {
	e1 := sampleEntry(t)
	h1, _ := ComputeHash(e1)
	e1.Hash = h1 + "ff"

	if err := VerifyChain([]JournalEntry{e1}); err == nil {
		t.Error("expected error for tampered stored hash")
	}
}
