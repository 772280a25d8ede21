package risk

import (
	"testing"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/money"
)

func posting(k account.Key, amt string, side account.Side) ledger.Posting {
	return ledger.Posting{Account: k, Amount: money.MustFromDecimalString(amt), Side: side}
}

func depositEntry(user, asset, amt string) ledger.JournalEntry {
	return ledger.JournalEntry{
		Intent: ledger.IntentDeposit,
		Postings: []ledger.Posting{
			posting(account.SystemVault(asset), amt, account.Debit),
			posting(account.UserAvailable(user, asset), amt, account.Credit),
		},
	}
}

func withdrawEntry(user, asset, amt string) ledger.JournalEntry {
	return ledger.JournalEntry{
		Intent: ledger.IntentWithdrawal,
		Postings: []ledger.Posting{
			posting(account.SystemVault(asset), amt, account.Credit),
			posting(account.UserAvailable(user, asset), amt, account.Debit),
		},
	}
}

func ratString(t *testing.T, balance interface{ FloatString(int) string }) string {
	t.Helper()
	return balance.FloatString(2)
}

func TestDepositThenWithdrawLeavesBalanceUnchanged(t *testing.T) {
	s := New(DefaultMargin())
	dep := depositEntry("alice", "USDT", "100")
	if err := s.Apply(dep); err != nil {
		t.Fatal(err)
	}
	wd := withdrawEntry("alice", "USDT", "30")
	if err := s.Apply(wd); err != nil {
		t.Fatal(err)
	}

	bal := s.Balance(account.UserAvailable("alice", "USDT"))
	if got := ratString(t, bal); got != "70.00" {
		t.Errorf("expected balance 70.00, got %s", got)
	}
}

func TestBorrowThenRepayLeavesBalancesUnchanged(t *testing.T) {
	s := New(DefaultMargin())
	if err := s.Apply(depositEntry("alice", "USDT", "100")); err != nil {
		t.Fatal(err)
	}

	borrow := ledger.JournalEntry{
		Intent: ledger.IntentBorrow,
		Postings: []ledger.Posting{
			posting(account.UserLoan("alice", "USDT"), "500", account.Debit),
			posting(account.UserAvailable("alice", "USDT"), "500", account.Credit),
		},
	}
	if err := s.CheckBorrow("alice", "USDT", money.MustFromDecimalString("500")); err != nil {
		t.Fatalf("expected borrow within leverage limit to be allowed: %v", err)
	}
	if err := s.Apply(borrow); err != nil {
		t.Fatal(err)
	}

	repay := ledger.JournalEntry{
		Intent: ledger.IntentRepay,
		Postings: []ledger.Posting{
			posting(account.UserAvailable("alice", "USDT"), "500", account.Debit),
			posting(account.UserLoan("alice", "USDT"), "500", account.Credit),
		},
	}
	if err := s.Apply(repay); err != nil {
		t.Fatal(err)
	}

	availBal := ratString(t, s.Balance(account.UserAvailable("alice", "USDT")))
	loanBal := ratString(t, s.Balance(account.UserLoan("alice", "USDT")))
	if availBal != "100.00" {
		t.Errorf("expected available 100.00, got %s", availBal)
	}
	if loanBal != "0.00" {
		t.Errorf("expected loan 0.00, got %s", loanBal)
	}
}

func TestCheckRejectsWithdrawalBeyondBalance(t *testing.T) {
	s := New(DefaultMargin())
	if err := s.Apply(depositEntry("alice", "USDT", "100")); err != nil {
		t.Fatal(err)
	}

	over := ledger.UnsignedEntry{
		Intent: ledger.IntentWithdrawal,
		Postings: []ledger.Posting{
			posting(account.SystemVault("USDT"), "100.000000000000000001", account.Credit),
			posting(account.UserAvailable("alice", "USDT"), "100.000000000000000001", account.Debit),
		},
	}
	if err := s.Check(over); err == nil {
		t.Error("expected InsufficientBalance for withdraw of balance+epsilon")
	}
}

func TestCheckBorrowRejectsBeyondTenTimesLeverage(t *testing.T) {
	s := New(DefaultMargin())
	if err := s.Apply(depositEntry("alice", "USDT", "100")); err != nil {
		t.Fatal(err)
	}
	// equity 100, borrowing 900 => ratio 100/900 ~= 0.111 >= 0.10, allowed
	if err := s.CheckBorrow("alice", "USDT", money.MustFromDecimalString("900")); err != nil {
		t.Errorf("expected borrow below 10x leverage to be allowed, got: %v", err)
	}
	// borrowing 1000 => ratio 100/1000 = 0.10, still allowed (>=)
	if err := s.CheckBorrow("alice", "USDT", money.MustFromDecimalString("1000")); err != nil {
		t.Errorf("expected borrow exactly at 10x leverage to be allowed, got: %v", err)
	}
	// borrowing 1001 => ratio < 0.10, rejected
	if err := s.CheckBorrow("alice", "USDT", money.MustFromDecimalString("1001")); err == nil {
		t.Error("expected ExceedsMaxLeverage for borrow beyond 10x leverage")
	}
}

func TestReplayMatchesForwardExecution(t *testing.T) {
	entries := []ledger.JournalEntry{
		depositEntry("alice", "USDT", "100"),
		withdrawEntry("alice", "USDT", "30"),
	}
	for i := range entries {
		entries[i].Sequence = uint64(i + 1)
	}

	forward := New(DefaultMargin())
	for _, e := range entries {
		if err := forward.Apply(e); err != nil {
			t.Fatal(err)
		}
	}

	replayed := New(DefaultMargin())
	if err := replayed.Replay(entries); err != nil {
		t.Fatal(err)
	}

	fwdBal := ratString(t, forward.Balance(account.UserAvailable("alice", "USDT")))
	replayBal := ratString(t, replayed.Balance(account.UserAvailable("alice", "USDT")))
	if fwdBal != replayBal {
		t.Errorf("replay balance %s does not match forward-execution balance %s", replayBal, fwdBal)
	}
}

func TestLiquidationCandidateDetectsUnderwaterPosition(t *testing.T) {
	s := New(DefaultMargin())
	if err := s.Apply(depositEntry("alice", "USDT", "100")); err != nil {
		t.Fatal(err)
	}
	borrow := ledger.JournalEntry{
		Intent: ledger.IntentBorrow,
		Postings: []ledger.Posting{
			posting(account.UserLoan("alice", "USDT"), "500", account.Debit),
			posting(account.UserAvailable("alice", "USDT"), "500", account.Credit),
		},
	}
	if err := s.Apply(borrow); err != nil {
		t.Fatal(err)
	}

	if candidate, _, _ := s.LiquidationCandidate("alice", "USDT"); candidate {
		t.Error("available 600 / loan 500 should not be a liquidation candidate")
	}

	loss := ledger.JournalEntry{
		Intent: ledger.IntentTransfer,
		Postings: []ledger.Posting{
			posting(account.UserAvailable("alice", "USDT"), "550", account.Debit),
			posting(account.UserAvailable("bob", "USDT"), "550", account.Credit),
		},
	}
	if err := s.Apply(loss); err != nil {
		t.Fatal(err)
	}

	candidate, available, loan := s.LiquidationCandidate("alice", "USDT")
	if !candidate {
		t.Errorf("expected liquidation candidate: available=%s loan=%s", available.FloatString(2), loan.FloatString(2))
	}
}
