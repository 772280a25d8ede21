package account

import "testing"

func TestParseValid(t *testing.T) {
	k, err := Parse("LIAB:USER:alice:USDT:AVAILABLE")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if k.Category != Liab || k.Segment != "USER" || k.ID != "alice" || k.Asset != "USDT" || k.Sub != "AVAILABLE" {
		t.Errorf("unexpected parse result: %+v", k)
	}
	if k.String() != "LIAB:USER:alice:USDT:AVAILABLE" {
		t.Errorf("round trip mismatch: %s", k.String())
	}
}

func TestParseRejectsWrongSegmentCount(t *testing.T) {
	if _, err := Parse("LIAB:USER:alice:USDT"); err == nil {
		t.Fatal("expected error for 4-segment key")
	}
	if _, err := Parse("LIAB:USER:alice:USDT:AVAILABLE:EXTRA"); err == nil {
		t.Fatal("expected error for 6-segment key")
	}
}

func TestParseRejectsUnknownCategory(t *testing.T) {
	if _, err := Parse("BOGUS:USER:alice:USDT:AVAILABLE"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestParseRejectsEmptySegment(t *testing.T) {
	if _, err := Parse("LIAB::alice:USDT:AVAILABLE"); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestNormalSide(t *testing.T) {
	cases := []struct {
		cat  Category
		want Side
	}{
		{Asset, Debit},
		{Expense, Debit},
		{Liab, Credit},
		{Equity, Credit},
		{Revenue, Credit},
	}
	for _, c := range cases {
		got, err := c.cat.NormalSide()
		if err != nil {
			t.Fatalf("NormalSide(%s): %v", c.cat, err)
		}
		if got != c.want {
			t.Errorf("NormalSide(%s) = %s, want %s", c.cat, got, c.want)
		}
	}
}

func TestConventionalConstructors(t *testing.T) {
	if got := UserAvailable("alice", "USDT").String(); got != "LIAB:USER:alice:USDT:AVAILABLE" {
		t.Errorf("UserAvailable = %s", got)
	}
	if got := SystemVault("BTC").String(); got != "ASSET:SYSTEM:VAULT:BTC:MAIN" {
		t.Errorf("SystemVault = %s", got)
	}
	if got := UserLoan("bob", "USDT").String(); got != "ASSET:USER:bob:USDT:LOAN" {
		t.Errorf("UserLoan = %s", got)
	}
}
