// Package risk owns BiBank's in-memory balance and margin state: the
// shadow projection used by the pre-commit gate, and the post-commit
// apply step that keeps it in sync with the journal (spec.md §4.5).
package risk

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/money"
	"github.com/bibank-exchange/bibank/internal/obserr"
	"github.com/bibank-exchange/bibank/internal/oracle"
)

const (
	CodeInsufficientBalance obserr.Code = "INSUFFICIENT_BALANCE"
	CodeExceedsMaxLeverage  obserr.Code = "EXCEEDS_MAX_LEVERAGE"
)

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(money.Scale), nil)

// Margin holds the configurable leverage and liquidation constants
// (spec.md §4.5's margin math).
type Margin struct {
	InitialMargin      *big.Rat // default 0.10 => <=10x leverage
	MaintenanceMargin  *big.Rat // default 0.05
	LiquidationThresh  *big.Rat // default 1.0
}

// DefaultMargin returns spec.md's default margin constants.
func DefaultMargin() Margin {
	return Margin{
		InitialMargin:     big.NewRat(10, 100),
		MaintenanceMargin: big.NewRat(5, 100),
		LiquidationThresh: big.NewRat(1, 1),
	}
}

// signedAmount is a balance that may go negative during projection,
// unlike money.Amount which forbids negative values outright.
type signedAmount struct {
	v *big.Int // scaled by money.Scale, matching money.Amount's own encoding
}

func zeroSigned() signedAmount { return signedAmount{v: big.NewInt(0)} }

func (s signedAmount) add(delta *big.Int) signedAmount {
	return signedAmount{v: new(big.Int).Add(s.v, delta)}
}

func (s signedAmount) sign() int { return s.v.Sign() }

func (s signedAmount) toRat() *big.Rat {
	return new(big.Rat).SetFrac(new(big.Int).Set(s.v), scaleFactor)
}

// State is the in-memory AccountKey -> signed balance mapping.
type State struct {
	mu       sync.RWMutex
	balances map[string]signedAmount
	margin   Margin
}

// New creates an empty risk state with the given margin configuration.
func New(margin Margin) *State {
	return &State{balances: map[string]signedAmount{}, margin: margin}
}

func (s *State) get(key string) signedAmount {
	if b, ok := s.balances[key]; ok {
		return b
	}
	return zeroSigned()
}

// Balance returns the current signed balance for an account, as a
// *big.Rat, for read-only queries.
func (s *State) Balance(k account.Key) *big.Rat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(k.String()).toRat()
}

// delta returns the signed posting delta scaled like money.Amount: positive
// if the posting's side matches the account's normal-balance side.
func delta(p ledger.Posting) (*big.Int, error) {
	amount, isNormal, err := p.SignedDelta()
	if err != nil {
		return nil, err
	}
	v := new(big.Int).Set(amountScaled(amount))
	if !isNormal {
		v.Neg(v)
	}
	return v, nil
}

// amountScaled extracts the internal scaled integer a money.Amount wraps,
// via its canonical decimal string round-trip (money.Amount does not
// export its internal representation, and risk state deliberately does not
// reach into money's internals to keep the signed/unsigned boundary
// explicit at this package seam).
func amountScaled(a money.Amount) *big.Int {
	r := a.Rat()
	v := new(big.Int).Mul(r.Num(), scaleFactor)
	v.Div(v, r.Denom())
	return v
}

// Project returns a shadow mapping of account -> projected signed balance
// after applying the entry's postings, without mutating state.
func (s *State) Project(e ledger.UnsignedEntry) (map[string]*big.Rat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shadow := map[string]*big.Int{}
	for _, p := range e.Postings {
		key := p.Account.String()
		base, ok := shadow[key]
		if !ok {
			base = new(big.Int).Set(s.get(key).v)
		}
		d, err := delta(p)
		if err != nil {
			return nil, err
		}
		shadow[key] = new(big.Int).Add(base, d)
	}

	out := map[string]*big.Rat{}
	for k, v := range shadow {
		out[k] = new(big.Rat).SetFrac(new(big.Int).Set(v), scaleFactor)
	}
	return out, nil
}

// Check enforces that every LIAB posting's projected balance is >= 0
// (spec.md §4.4 invariant 4, §4.5's "Check").
func (s *State) Check(e ledger.UnsignedEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	running := map[string]*big.Int{}
	for _, p := range e.Postings {
		if p.Account.Category != account.Liab {
			continue
		}
		key := p.Account.String()
		base, ok := running[key]
		if !ok {
			base = new(big.Int).Set(s.get(key).v)
		}
		d, err := delta(p)
		if err != nil {
			return err
		}
		projected := new(big.Int).Add(base, d)
		running[key] = projected
		if projected.Sign() < 0 {
			available := s.get(key).toRat().FloatString(money.Scale)
			return obserr.New(CodeInsufficientBalance, fmt.Sprintf(
				"account %s: projected balance would be negative (available %s, delta %s)",
				key, available, d.String()))
		}
	}
	return nil
}

// Apply mutates balances by the entry's posting deltas. Callers MUST only
// call this after a successful journal append (spec.md §4.5 step 10). It
// returns an error only when a posting's account category has no
// normal-balance side; postings before that one have already been applied.
func (s *State) Apply(e ledger.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range e.Postings {
		d, err := delta(p)
		if err != nil {
			return err
		}
		key := p.Account.String()
		s.balances[key] = s.get(key).add(d)
	}
	return nil
}

// Replay rebuilds the balance map from a full ordered journal read,
// applying every entry's deltas in sequence (spec.md §4.5's "Startup").
func (s *State) Replay(entries []ledger.JournalEntry) error {
	s.mu.Lock()
	s.balances = map[string]signedAmount{}
	s.mu.Unlock()
	for _, e := range entries {
		if err := s.Apply(e); err != nil {
			return fmt.Errorf("risk: replay failed at sequence %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// CheckBorrow enforces the initial-margin leverage limit: equity / (loan +
// delta) >= initial_margin, where equity = available - loan (pre-borrow).
func (s *State) CheckBorrow(userID, asset string, delta money.Amount) error {
	s.mu.RLock()
	available := s.get(account.UserAvailable(userID, asset).String()).toRat()
	loan := s.get(account.UserLoan(userID, asset).String()).toRat()
	s.mu.RUnlock()

	equity := new(big.Rat).Sub(available, loan)
	newLoan := new(big.Rat).Add(loan, delta.Rat())
	if newLoan.Sign() <= 0 {
		return nil
	}
	ratio := new(big.Rat).Quo(equity, newLoan)
	if ratio.Cmp(s.margin.InitialMargin) < 0 {
		return obserr.New(CodeExceedsMaxLeverage, fmt.Sprintf(
			"borrow of %s for user %s asset %s would bring margin ratio to %s, below initial margin %s",
			delta, userID, asset, ratio.FloatString(4), s.margin.InitialMargin.FloatString(4)))
	}
	return nil
}

// LoanBalances returns every ASSET:*:LOAN account key string carrying a
// positive balance, for the interest accrual batch job (spec.md §4.7).
func (s *State) LoanBalances() map[string]*big.Rat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]*big.Rat{}
	for k, v := range s.balances {
		if !strings.HasSuffix(k, ":LOAN") || v.sign() <= 0 {
			continue
		}
		out[k] = v.toRat()
	}
	return out
}

// LiquidationCandidate reports whether available/loan < liquidation
// threshold for a user/asset pair, and the current available/loan amounts.
func (s *State) LiquidationCandidate(userID, asset string) (candidate bool, available, loan *big.Rat) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	available = s.get(account.UserAvailable(userID, asset).String()).toRat()
	loan = s.get(account.UserLoan(userID, asset).String()).toRat()
	if loan.Sign() <= 0 {
		return false, available, loan
	}
	ratio := new(big.Rat).Quo(available, loan)
	return ratio.Cmp(s.margin.LiquidationThresh) < 0, available, loan
}

// PortfolioEquity values a user's net position (available minus loan) across
// every asset they hold a balance in, converted to quote terms via prices
// (spec.md §1's external price-oracle trait). CheckBorrow and
// LiquidationCandidate deliberately stay same-asset, matching spec.md §4.4's
// literal worked examples; this is the separate, explicitly out-of-scope
// "mark-price valued collateral" reporting path spec.md §1 describes as
// consumed through the trait, not a replacement for the core margin gate.
func (s *State) PortfolioEquity(ctx context.Context, userID, quote string, prices oracle.PriceOracle) (*big.Rat, error) {
	s.mu.RLock()
	assets := map[string]struct{}{}
	for k := range s.balances {
		key, err := account.Parse(k)
		if err != nil || key.Segment != "USER" || key.ID != userID {
			continue
		}
		isAvailable := key.Category == account.Liab && key.Sub == "AVAILABLE"
		isLoan := key.Category == account.Asset && key.Sub == "LOAN"
		if isAvailable || isLoan {
			assets[key.Asset] = struct{}{}
		}
	}
	net := make(map[string]*big.Rat, len(assets))
	for asset := range assets {
		available := s.get(account.UserAvailable(userID, asset).String()).toRat()
		loan := s.get(account.UserLoan(userID, asset).String()).toRat()
		net[asset] = new(big.Rat).Sub(available, loan)
	}
	s.mu.RUnlock()

	total := new(big.Rat)
	for asset, amount := range net {
		if asset == quote {
			total.Add(total, amount)
			continue
		}
		price, err := prices.GetPrice(ctx, asset+"-"+quote)
		if err != nil {
			return nil, fmt.Errorf("risk: failed to price %s for user %s portfolio: %w", asset, userID, err)
		}
		total.Add(total, new(big.Rat).Mul(amount, price.Value))
	}
	return total, nil
}
