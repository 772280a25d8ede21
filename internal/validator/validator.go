// Package validator implements BiBank's intent-specific posting-shape
// rules: the checks evaluated on an UnsignedEntry before the risk gate
// ever sees it (spec.md §4.3, §4.4).
package validator

import (
	"fmt"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/money"
	"github.com/bibank-exchange/bibank/internal/obserr"
)

const (
	CodeEmptyCorrelationID obserr.Code = "EMPTY_CORRELATION_ID"
	CodeUnbalancedEntry    obserr.Code = "UNBALANCED_ENTRY"
	CodeInvalidIntent      obserr.Code = "INVALID_INTENT"
	CodeShapeViolation     obserr.Code = "INTENT_SHAPE_VIOLATION"
)

// Validate runs the intent-independent checks (spec.md §4.4's invariant
// list) followed by the per-intent shape rule for e.Intent.
func Validate(e ledger.UnsignedEntry) error {
	if e.CorrelationID == "" {
		return obserr.New(CodeEmptyCorrelationID, "correlation_id must be non-empty")
	}
	if !e.Intent.Valid() {
		return obserr.New(CodeInvalidIntent, fmt.Sprintf("unknown intent %q", e.Intent))
	}
	if len(e.Postings) < 2 {
		return obserr.New(CodeShapeViolation, "every entry must have at least 2 postings")
	}
	if err := validateBalance(e); err != nil {
		return err
	}
	return shapeRule(e)
}

// validateBalance checks the intent-independent double-entry invariant:
// for every asset, debits equal credits.
func validateBalance(e ledger.UnsignedEntry) error {
	sums := map[string]*sumState{}
	for _, p := range e.Postings {
		s := sums[p.Account.Asset]
		if s == nil {
			s = &sumState{}
			sums[p.Account.Asset] = s
		}
		switch p.Side {
		case account.Debit:
			s.debit = s.debit.CheckedAdd(p.Amount)
		case account.Credit:
			s.credit = s.credit.CheckedAdd(p.Amount)
		default:
			return obserr.New(CodeShapeViolation, fmt.Sprintf("posting against %s has unknown side %q", p.Account, p.Side))
		}
	}
	for asset, s := range sums {
		if s.debit.Cmp(s.credit) != 0 {
			return obserr.New(CodeUnbalancedEntry, fmt.Sprintf("asset %s is unbalanced: debits %s, credits %s", asset, s.debit, s.credit))
		}
	}
	return nil
}

type sumState struct {
	debit  money.Amount
	credit money.Amount
}

func shapeRule(e ledger.UnsignedEntry) error {
	switch e.Intent {
	case ledger.IntentGenesis:
		return checkGenesis(e)
	case ledger.IntentDeposit:
		return checkDeposit(e)
	case ledger.IntentWithdrawal:
		return checkWithdrawal(e)
	case ledger.IntentTransfer:
		return checkTransfer(e)
	case ledger.IntentTrade:
		return checkTrade(e)
	case ledger.IntentFee:
		return checkFee(e)
	case ledger.IntentAdjustment:
		return nil // unrestricted shape; multi-sig is enforced by the approval gate
	case ledger.IntentBorrow:
		return checkBorrow(e)
	case ledger.IntentRepay:
		return checkRepay(e)
	case ledger.IntentInterest:
		return checkInterest(e)
	case ledger.IntentLiquidation:
		return checkLiquidation(e)
	case ledger.IntentOrderPlace:
		return checkOrderPlace(e)
	case ledger.IntentOrderCancel:
		return checkOrderCancel(e)
	default:
		return obserr.New(CodeInvalidIntent, fmt.Sprintf("unknown intent %q", e.Intent))
	}
}

func shapeErr(intent ledger.Intent, reason string) error {
	return obserr.New(CodeShapeViolation, fmt.Sprintf("%s: %s", intent, reason))
}

func checkGenesis(e ledger.UnsignedEntry) error {
	for _, p := range e.Postings {
		if p.Account.Category != account.Asset && p.Account.Category != account.Equity {
			return shapeErr(e.Intent, "all postings must be ASSET or EQUITY")
		}
	}
	return nil
}

func checkDeposit(e ledger.UnsignedEntry) error {
	var hasAssetDebit, hasLiabCredit bool
	for _, p := range e.Postings {
		if p.Account.Category == account.Asset && p.Side == account.Debit {
			hasAssetDebit = true
		}
		if p.Account.Category == account.Liab && p.Side == account.Credit {
			hasLiabCredit = true
		}
	}
	if !hasAssetDebit || !hasLiabCredit {
		return shapeErr(e.Intent, "requires at least one ASSET debit and one LIAB credit")
	}
	return nil
}

func checkWithdrawal(e ledger.UnsignedEntry) error {
	var hasAssetCredit, hasLiabDebit bool
	for _, p := range e.Postings {
		if p.Account.Category == account.Asset && p.Side == account.Credit {
			hasAssetCredit = true
		}
		if p.Account.Category == account.Liab && p.Side == account.Debit {
			hasLiabDebit = true
		}
	}
	if !hasAssetCredit || !hasLiabDebit {
		return shapeErr(e.Intent, "requires at least one ASSET credit and one LIAB debit")
	}
	return nil
}

func checkTransfer(e ledger.UnsignedEntry) error {
	for _, p := range e.Postings {
		if p.Account.Category != account.Liab {
			return shapeErr(e.Intent, "all postings must be LIAB")
		}
	}
	return nil
}

func checkTrade(e ledger.UnsignedEntry) error {
	if len(e.Postings) < 4 {
		return shapeErr(e.Intent, "requires at least 4 postings")
	}
	assets := map[string]bool{}
	for _, p := range e.Postings {
		if p.Account.Category != account.Liab {
			return shapeErr(e.Intent, "all postings must be LIAB")
		}
		assets[p.Account.Asset] = true
	}
	if len(assets) != 2 {
		return shapeErr(e.Intent, fmt.Sprintf("requires exactly 2 distinct assets, got %d", len(assets)))
	}
	// validateBalance already enforces zero-sum per asset.
	return nil
}

func checkFee(e ledger.UnsignedEntry) error {
	for _, p := range e.Postings {
		switch {
		case p.Account.Category == account.Liab && p.Side == account.Debit:
		case p.Account.Category == account.Revenue && p.Side == account.Credit:
		default:
			return shapeErr(e.Intent, "only LIAB debit and REV credit postings are allowed")
		}
	}
	return nil
}

func checkBorrow(e ledger.UnsignedEntry) error {
	var hasLoanDebit, hasAvailableCredit bool
	for _, p := range e.Postings {
		switch {
		case p.Account.Category == account.Asset && p.Side == account.Debit && p.Account.Sub == "LOAN":
			hasLoanDebit = true
		case p.Account.Category == account.Liab && p.Side == account.Credit && p.Account.Sub == "AVAILABLE":
			hasAvailableCredit = true
		default:
			return shapeErr(e.Intent, "only ASSET:...:LOAN debit and LIAB:...:AVAILABLE credit postings are allowed")
		}
	}
	if !hasLoanDebit || !hasAvailableCredit {
		return shapeErr(e.Intent, "requires at least one ASSET:...:LOAN debit and one LIAB:...:AVAILABLE credit")
	}
	return nil
}

func checkRepay(e ledger.UnsignedEntry) error {
	var hasAvailableDebit, hasLoanCredit bool
	for _, p := range e.Postings {
		if p.Account.Category == account.Liab && p.Side == account.Debit && p.Account.Sub == "AVAILABLE" {
			hasAvailableDebit = true
		}
		if p.Account.Category == account.Asset && p.Side == account.Credit && p.Account.Sub == "LOAN" {
			hasLoanCredit = true
		}
	}
	if !hasAvailableDebit || !hasLoanCredit {
		return shapeErr(e.Intent, "requires a LIAB:...:AVAILABLE debit and an ASSET:...:LOAN credit")
	}
	return nil
}

func checkInterest(e ledger.UnsignedEntry) error {
	var hasLoanDebit, hasRevCredit bool
	for _, p := range e.Postings {
		if p.Account.Category == account.Asset && p.Side == account.Debit && p.Account.Sub == "LOAN" {
			hasLoanDebit = true
		}
		if p.Account.Category == account.Revenue && p.Side == account.Credit {
			hasRevCredit = true
		}
	}
	if !hasLoanDebit || !hasRevCredit {
		return shapeErr(e.Intent, "requires an ASSET:...:LOAN debit and a REV credit")
	}
	return nil
}

func checkLiquidation(e ledger.UnsignedEntry) error {
	if len(e.Postings) < 4 {
		return shapeErr(e.Intent, "requires at least 4 postings")
	}
	return nil // mixed categories permitted
}

func checkOrderPlace(e ledger.UnsignedEntry) error {
	var hasAvailableDebit, hasLockedCredit bool
	for _, p := range e.Postings {
		if p.Account.Category != account.Liab {
			return shapeErr(e.Intent, "all postings must be LIAB")
		}
		if p.Side == account.Debit && p.Account.Sub == "AVAILABLE" {
			hasAvailableDebit = true
		}
		if p.Side == account.Credit && p.Account.Sub == "LOCKED" {
			hasLockedCredit = true
		}
	}
	if !hasAvailableDebit || !hasLockedCredit {
		return shapeErr(e.Intent, "requires a LIAB:...:AVAILABLE debit and a LIAB:...:LOCKED credit")
	}
	return nil
}

func checkOrderCancel(e ledger.UnsignedEntry) error {
	var hasLockedDebit, hasAvailableCredit bool
	for _, p := range e.Postings {
		if p.Account.Category != account.Liab {
			return shapeErr(e.Intent, "all postings must be LIAB")
		}
		if p.Side == account.Debit && p.Account.Sub == "LOCKED" {
			hasLockedDebit = true
		}
		if p.Side == account.Credit && p.Account.Sub == "AVAILABLE" {
			hasAvailableCredit = true
		}
	}
	if !hasLockedDebit || !hasAvailableCredit {
		return shapeErr(e.Intent, "requires a LIAB:...:LOCKED debit and a LIAB:...:AVAILABLE credit")
	}
	return nil
}
