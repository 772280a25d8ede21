// Package engine orchestrates BiBank's 12-step commit pipeline (spec.md
// §4.5): validation, compliance pre-hooks, the multi-sig approval gate, the
// risk check, sequencing and signing, the journal append, the risk apply,
// the event-bus publish, and compliance post-hooks. Engine is the single
// writer every mutating command funnels through; read-only queries may run
// concurrently against the post-apply state (spec.md §5).
package engine

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/approval"
	"github.com/bibank-exchange/bibank/internal/compliance"
	"github.com/bibank-exchange/bibank/internal/config"
	"github.com/bibank-exchange/bibank/internal/eventbus"
	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/matching"
	"github.com/bibank-exchange/bibank/internal/money"
	"github.com/bibank-exchange/bibank/internal/obserr"
	"github.com/bibank-exchange/bibank/internal/oracle"
	"github.com/bibank-exchange/bibank/internal/risk"
	"github.com/bibank-exchange/bibank/internal/validator"
	"github.com/bibank-exchange/bibank/pkg/obslog"
)

const (
	// CodeGenesisSequence fires if a Genesis intent is submitted to a
	// journal that is not empty (spec.md §8's Genesis-must-be-first rule).
	CodeGenesisSequence obserr.Code = "GENESIS_NOT_FIRST"

	// CodeLiquidationNotEligible fires when Liquidate is called for a
	// user/asset pair whose available/loan ratio has not crossed the
	// liquidation threshold.
	CodeLiquidationNotEligible obserr.Code = "LIQUIDATION_NOT_ELIGIBLE"

	// CodeOracleUnavailable fires when PortfolioEquity is called on an
	// engine opened without a price oracle configured.
	CodeOracleUnavailable obserr.Code = "ORACLE_UNAVAILABLE"
)

// Config wires every dependency Engine needs. Callers are expected to have
// already opened the journal-backed stores; Engine does not own their
// lifecycle beyond what it opens itself via Open.
type Config struct {
	JournalDir    string
	ComplianceDir string
	ApprovalDir   string

	Margin risk.Margin
	Params config.Parameters

	// Signer is optional. Its absence means commits are unsigned,
	// permitted for bootstrap and refused in production mode (spec.md
	// §6) — that refusal is a deployment-level policy enforced by the
	// caller, not by Engine itself.
	Signer ledger.Signer

	Lookup     compliance.Lookup
	FailPolicy compliance.FailPolicy

	// Oracle is optional. When set, it backs PortfolioEquity's cross-asset
	// valuation (spec.md §1's price-oracle trait); the core margin gate
	// (CheckBorrow/LiquidationCandidate) never consults it, staying on
	// spec.md §4.4's literal same-asset ratios.
	Oracle oracle.PriceOracle

	Bus *eventbus.Bus
	Log *obslog.Logger
}

// CommitResult is what a command method returns: either a fully committed
// entry, or the id of a pending multi-sig approval the entry is now waiting
// on (spec.md §4.5 step 4).
type CommitResult struct {
	Entry             *ledger.JournalEntry
	PendingApprovalID string
}

// Pending reports whether the command was deferred behind an approval gate
// instead of committing immediately.
func (r *CommitResult) Pending() bool { return r != nil && r.PendingApprovalID != "" }

// Engine is BiBank's financial state machine: the journal, the in-memory
// risk projection, the compliance pipeline, the approval queue, and one
// order book per trading pair, all reachable only through the single-writer
// commit pipeline.
type Engine struct {
	mu sync.Mutex // serializes the commit pipeline (spec.md §5)

	journal     *ledger.Journal
	risk        *risk.State
	compliance  *compliance.Engine
	decisionLog *compliance.DecisionLog
	approvals   *approval.Store
	bus         *eventbus.Bus
	signer      ledger.Signer
	params      config.Parameters
	log         *obslog.Logger
	oracle      oracle.PriceOracle

	approvalIntents map[ledger.Intent]bool

	booksMu sync.Mutex
	books   map[string]*matching.Book

	orderPairsMu sync.Mutex
	orderPairs   map[string]string
}

// Open opens every on-disk store under cfg's directories, replays the
// journal into the risk projection and the decision log into the
// compliance sliding window, and returns a ready Engine (spec.md §4.5's
// "Startup" replay).
func Open(cfg Config) (*Engine, error) {
	journal, err := ledger.Open(cfg.JournalDir)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open journal: %w", err)
	}

	decisionLog, err := compliance.OpenDecisionLog(cfg.ComplianceDir)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open decision log: %w", err)
	}

	approvals, err := approval.Open(cfg.ApprovalDir)
	if err != nil {
		return nil, fmt.Errorf("engine: failed to open approval store: %w", err)
	}

	complianceEngine := compliance.NewEngine(decisionLog, cfg.Lookup, cfg.FailPolicy)
	riskState := risk.New(cfg.Margin)

	entries, err := journal.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to read journal for replay: %w", err)
	}
	if err := riskState.Replay(entries); err != nil {
		return nil, fmt.Errorf("engine: failed to replay risk state: %w", err)
	}

	records, err := decisionLog.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("engine: failed to read decision log for replay: %w", err)
	}
	if err := complianceEngine.ReplayWindow(records); err != nil {
		return nil, fmt.Errorf("engine: failed to replay compliance window: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = obslog.Default()
	}

	return &Engine{
		journal:         journal,
		risk:            riskState,
		compliance:      complianceEngine,
		decisionLog:     decisionLog,
		approvals:       approvals,
		bus:             cfg.Bus,
		signer:          cfg.Signer,
		params:          cfg.Params,
		log:             log.Component("engine"),
		oracle:          cfg.Oracle,
		approvalIntents: map[ledger.Intent]bool{ledger.IntentAdjustment: true},
		books:           map[string]*matching.Book{},
		orderPairs:      map[string]string{},
	}, nil
}

// Close closes every store Engine opened. The event bus and logger are
// owned by the caller and are not closed here.
func (e *Engine) Close() error {
	if err := e.approvals.Close(); err != nil {
		return err
	}
	if err := e.decisionLog.Close(); err != nil {
		return err
	}
	return e.journal.Close()
}

// AddComplianceRule registers a Block or Flag rule with the engine's
// compliance pipeline.
func (e *Engine) AddComplianceRule(r compliance.Rule) { e.compliance.AddRule(r) }

// Balance returns an account's current signed balance for read-only
// queries (spec.md §5: reads may proceed concurrently against post-apply
// state, without taking the commit-pipeline lock).
func (e *Engine) Balance(key account.Key) *big.Rat { return e.risk.Balance(key) }

// Depth returns the top n price levels of the order book for pair.
func (e *Engine) Depth(pair string, n int) (bids, asks []matching.DepthLevel) {
	return e.bookFor(pair).Depth(n)
}

// ExpireApprovals transitions every pending approval past its window into
// Expired (spec.md §4.9's expire_old, idempotent per spec.md §5).
func (e *Engine) ExpireApprovals(now time.Time) (int, error) {
	return e.approvals.ExpireOld(now)
}

// SignApproval appends an operator signature to a pending approval.
func (e *Engine) SignApproval(approvalID string, sig ledger.Signature) (*approval.Approval, error) {
	return e.approvals.Sign(approvalID, sig, time.Now().UTC())
}

// RejectApproval rejects a pending approval with a recorded reason.
func (e *Engine) RejectApproval(approvalID, reason string) (*approval.Approval, error) {
	return e.approvals.Reject(approvalID, reason)
}

// ---- the 12-step commit pipeline (spec.md §4.5) ----

func (e *Engine) commit(unsigned ledger.UnsignedEntry, preApproved []ledger.Signature) (*CommitResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitLocked(unsigned, preApproved)
}

func (e *Engine) commitLocked(unsigned ledger.UnsignedEntry, preApproved []ledger.Signature) (*CommitResult, error) {
	now := time.Now().UTC()

	// steps 1-2: validate_balance + validate_intent
	if err := validator.Validate(unsigned); err != nil {
		return nil, err
	}

	// step 3: compliance.pre_hooks
	preOutcome, err := e.preHooks(unsigned, now)
	if err != nil {
		return nil, err
	}
	if preOutcome.Kind == compliance.Blocked {
		return nil, obserr.New(obserr.Code(preOutcome.Code), preOutcome.Reason)
	}

	// step 4: approval_gate
	if e.approvalIntents[unsigned.Intent] && len(preApproved) == 0 {
		pending, err := e.approvals.CreateApproval(unsigned, e.params.AdjustmentRequiredSignatures, now)
		if err != nil {
			return nil, err
		}
		return &CommitResult{PendingApprovalID: pending.ID}, nil
	}

	// step 5: risk.check
	if err := e.risk.Check(unsigned); err != nil {
		return nil, err
	}
	if unsigned.Intent == ledger.IntentBorrow {
		userID, asset, delta, err := borrowDelta(unsigned)
		if err != nil {
			return nil, err
		}
		if err := e.risk.CheckBorrow(userID, asset, delta); err != nil {
			return nil, err
		}
	}

	// step 6: sequence / prev_hash / timestamp
	seq, prevHash := e.journal.Tip()
	if unsigned.Intent == ledger.IntentGenesis && seq+1 != 1 {
		return nil, obserr.New(CodeGenesisSequence, "genesis must be the journal's first entry")
	}
	entry := ledger.JournalEntry{
		Sequence:      seq + 1,
		PrevHash:      prevHash,
		Timestamp:     now,
		Intent:        unsigned.Intent,
		CorrelationID: unsigned.CorrelationID,
		CausalityID:   unsigned.CausalityID,
		Postings:      unsigned.Postings,
		Metadata:      unsigned.Metadata,
	}

	// step 7: compute hash
	hash, err := ledger.ComputeHash(entry)
	if err != nil {
		return nil, err
	}
	entry.Hash = hash

	// step 8: signer.sign
	entry.Signatures = append([]ledger.Signature{}, preApproved...)
	if e.signer != nil {
		sig, err := e.signer.Sign(entry, now)
		if err != nil {
			return nil, err
		}
		entry.Signatures = append(entry.Signatures, sig)
	}

	// step 9: journal.append (fsync)
	if err := e.journal.Append(entry); err != nil {
		return nil, err
	}

	// step 10: risk.apply — advisory past this point, never fails the commit
	if err := e.risk.Apply(entry); err != nil {
		e.log.Error("risk apply failed after journal append, in-memory state now diverges from the ledger",
			"sequence", entry.Sequence, "error", err)
	}

	// step 11: bus.publish — non-blocking, subscriber failures never abort
	if e.bus != nil {
		e.bus.PublishEntryCommitted(eventbus.EntryCommitted{Entry: entry})
	}

	// step 12: compliance.post_hooks
	e.runPostHooks(entry, now)

	return &CommitResult{Entry: &entry}, nil
}

// affectedUser is one LIAB:USER account the compliance pipeline evaluates
// for a given entry, carrying the largest posting amount touching that
// user as the representative amount for the check.
type affectedUser struct {
	userID string
	amount money.Amount
	asset  string
}

// affectedUsers extracts the distinct users an entry's LIAB:USER postings
// touch, in posting order. Multi-party intents (Trade, Transfer,
// Liquidation) evaluate compliance once per affected user rather than once
// per entry.
func affectedUsers(postings []ledger.Posting) []affectedUser {
	byUser := map[string]*affectedUser{}
	order := make([]string, 0, len(postings))
	for _, p := range postings {
		if p.Account.Category != account.Liab || p.Account.Segment != "USER" {
			continue
		}
		au, ok := byUser[p.Account.ID]
		if !ok {
			au = &affectedUser{userID: p.Account.ID, amount: p.Amount, asset: p.Account.Asset}
			byUser[p.Account.ID] = au
			order = append(order, p.Account.ID)
			continue
		}
		if p.Amount.Cmp(au.amount) > 0 {
			au.amount = p.Amount
			au.asset = p.Account.Asset
		}
	}
	out := make([]affectedUser, 0, len(order))
	for _, id := range order {
		out = append(out, *byUser[id])
	}
	return out
}

func (e *Engine) preHooks(unsigned ledger.UnsignedEntry, now time.Time) (compliance.Outcome, error) {
	worst := compliance.Outcome{Kind: compliance.Approved}
	for _, au := range affectedUsers(unsigned.Postings) {
		out, err := e.compliance.PreCheck(au.userID, unsigned.CorrelationID, au.amount, au.asset, now)
		if err != nil {
			return compliance.Outcome{}, err
		}
		if out.Kind == compliance.Blocked {
			return out, nil
		}
		worst = compliance.Max(worst, out)
	}
	return worst, nil
}

// runPostHooks evaluates post-commit compliance for every affected user. A
// Flagged outcome publishes a ComplianceFlagged event and triggers a
// follow-up lock entry moving that user's affected amount from AVAILABLE to
// LOCKED, recursively committed with causality_id set to the triggering
// entry's sequence (spec.md §4.8's "id" — JournalEntry has no separate
// identifier beyond sequence+hash).
func (e *Engine) runPostHooks(entry ledger.JournalEntry, now time.Time) {
	for _, au := range affectedUsers(entry.Postings) {
		outcome := e.compliance.PostCheck(au.userID, entry.CorrelationID, au.amount, au.asset, now)
		if outcome.Kind != compliance.Flagged {
			continue
		}
		if e.bus != nil {
			e.bus.PublishComplianceFlagged(eventbus.ComplianceFlagged{
				UserID: au.userID, CorrelationID: entry.CorrelationID, Outcome: outcome,
			})
		}

		causality := strconv.FormatUint(entry.Sequence, 10)
		lockEntry := ledger.UnsignedEntry{
			Intent:        ledger.IntentTransfer,
			CorrelationID: entry.CorrelationID + "-compliance-lock",
			CausalityID:   &causality,
			Postings: []ledger.Posting{
				{Account: account.UserAvailable(au.userID, au.asset), Amount: au.amount, Side: account.Debit},
				{Account: account.UserLocked(au.userID, au.asset), Amount: au.amount, Side: account.Credit},
			},
		}
		if _, err := e.commitLocked(lockEntry, nil); err != nil {
			e.log.Error("failed to commit compliance lock entry", "user_id", au.userID, "error", err)
		}
	}
}

func borrowDelta(e ledger.UnsignedEntry) (userID, asset string, delta money.Amount, err error) {
	for _, p := range e.Postings {
		if p.Account.Category == account.Asset && p.Account.Sub == "LOAN" && p.Side == account.Debit {
			return p.Account.ID, p.Account.Asset, p.Amount, nil
		}
	}
	return "", "", money.Amount{}, fmt.Errorf("engine: borrow entry is missing a LOAN debit posting")
}

func ratToAmount(r *big.Rat) (money.Amount, error) {
	if r.Sign() < 0 {
		return money.Amount{}, fmt.Errorf("engine: cannot convert negative value %s to an amount", r.FloatString(money.Scale))
	}
	return money.FromDecimalString(r.FloatString(money.Scale))
}

func splitPair(pair string) (base, quote string, err error) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("engine: pair %q must be in BASE-QUOTE form", pair)
	}
	return parts[0], parts[1], nil
}

func (e *Engine) bookFor(pair string) *matching.Book {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	b, ok := e.books[pair]
	if !ok {
		b = matching.NewBook(pair)
		e.books[pair] = b
	}
	return b
}

func (e *Engine) trackResting(orderID, pair string) {
	e.orderPairsMu.Lock()
	defer e.orderPairsMu.Unlock()
	e.orderPairs[orderID] = pair
}

func (e *Engine) untrackResting(orderID string) {
	e.orderPairsMu.Lock()
	defer e.orderPairsMu.Unlock()
	delete(e.orderPairs, orderID)
}

func (e *Engine) pairForOrder(orderID string) (string, bool) {
	e.orderPairsMu.Lock()
	defer e.orderPairsMu.Unlock()
	p, ok := e.orderPairs[orderID]
	return p, ok
}

// ---- command surface (spec.md §6) ----

// Genesis mints asset into existence: SystemVault debit, EquityCapital
// credit. Must be the journal's first entry.
func (e *Engine) Genesis(correlationID, asset string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentGenesis,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.SystemVault(asset), Amount: amount, Side: account.Debit},
			{Account: account.EquityCapital(asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// Deposit credits userID's available balance from the system vault.
func (e *Engine) Deposit(correlationID, userID, asset string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentDeposit,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.SystemVault(asset), Amount: amount, Side: account.Debit},
			{Account: account.UserAvailable(userID, asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// Withdrawal debits userID's available balance back into the system vault.
func (e *Engine) Withdrawal(correlationID, userID, asset string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentWithdrawal,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.UserAvailable(userID, asset), Amount: amount, Side: account.Debit},
			{Account: account.SystemVault(asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// Transfer moves available balance between two users.
func (e *Engine) Transfer(correlationID, fromUserID, toUserID, asset string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentTransfer,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.UserAvailable(fromUserID, asset), Amount: amount, Side: account.Debit},
			{Account: account.UserAvailable(toUserID, asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// Fee charges userID a fee into system revenue.
func (e *Engine) Fee(correlationID, userID, asset, feeType string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentFee,
		CorrelationID: correlationID,
		Metadata:      map[string]interface{}{"fee_type": feeType},
		Postings: []ledger.Posting{
			{Account: account.UserAvailable(userID, asset), Amount: amount, Side: account.Debit},
			{Account: account.SystemFeeIncome(asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// Borrow increases userID's loan and credits the borrowed amount into their
// available balance, subject to the initial-margin leverage check.
func (e *Engine) Borrow(correlationID, userID, asset string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentBorrow,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.UserLoan(userID, asset), Amount: amount, Side: account.Debit},
			{Account: account.UserAvailable(userID, asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// Repay reduces userID's loan from their available balance.
func (e *Engine) Repay(correlationID, userID, asset string, amount money.Amount) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentRepay,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.UserAvailable(userID, asset), Amount: amount, Side: account.Debit},
			{Account: account.UserLoan(userID, asset), Amount: amount, Side: account.Credit},
		},
	}, nil)
}

// SubmitAdjustment submits an operator-authored unsigned Adjustment entry.
// Since Adjustment always requires multi-sig approval, this always returns
// a pending CommitResult; call ResubmitApproval once the approval reaches
// quorum.
func (e *Engine) SubmitAdjustment(correlationID string, postings []ledger.Posting, metadata map[string]interface{}) (*CommitResult, error) {
	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentAdjustment,
		CorrelationID: correlationID,
		Postings:      postings,
		Metadata:      metadata,
	}, nil)
}

// ResubmitApproval verifies that an approval has reached quorum over the
// exact entry being resubmitted, then runs it through the commit pipeline
// carrying the collected operator signatures.
func (e *Engine) ResubmitApproval(approvalID string, correlationID string, postings []ledger.Posting, metadata map[string]interface{}) (*CommitResult, error) {
	unsigned := ledger.UnsignedEntry{
		Intent:        ledger.IntentAdjustment,
		CorrelationID: correlationID,
		Postings:      postings,
		Metadata:      metadata,
	}
	sigs, err := e.approvals.VerifyForCommit(approvalID, unsigned)
	if err != nil {
		return nil, err
	}
	return e.commit(unsigned, sigs)
}

// Interest accrues interest on every outstanding loan balance, debiting
// each loan and crediting system interest income (spec.md §4.7). Failures
// on individual accounts are logged and skipped rather than aborting the
// whole batch.
func (e *Engine) Interest(now time.Time) ([]*CommitResult, error) {
	loans := e.risk.LoanBalances()
	keys := make([]string, 0, len(loans))
	for k := range loans {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var results []*CommitResult
	for _, key := range keys {
		k, err := account.Parse(key)
		if err != nil {
			e.log.Error("interest: skipping malformed loan account key", "key", key, "error", err)
			continue
		}
		interestRat := new(big.Rat).Mul(loans[key], e.params.InterestRatePerPeriod)
		if interestRat.Sign() <= 0 {
			continue
		}
		interestAmt, err := ratToAmount(interestRat)
		if err != nil {
			e.log.Error("interest: failed to convert interest amount", "user_id", k.ID, "asset", k.Asset, "error", err)
			continue
		}
		correlationID := fmt.Sprintf("interest-%s-%s-%s", now.UTC().Format("2006-01-02"), k.ID, k.Asset)
		res, err := e.commit(ledger.UnsignedEntry{
			Intent:        ledger.IntentInterest,
			CorrelationID: correlationID,
			Postings: []ledger.Posting{
				{Account: account.UserLoan(k.ID, k.Asset), Amount: interestAmt, Side: account.Debit},
				{Account: account.SystemInterestIncome(k.Asset), Amount: interestAmt, Side: account.Credit},
			},
		}, nil)
		if err != nil {
			e.log.Error("interest: failed to commit interest entry", "correlation_id", correlationID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Liquidate resolves part of a margin-eligible loan (spec.md §4.7):
// liquidation_amount = loan * max_liquidation_ratio, penalty =
// liquidation_amount * penalty_rate, collateral_to_seize = liquidation_amount
// + penalty, liquidator_bonus = penalty * liquidator_bonus_share, and any
// shortfall between available collateral and collateral_to_seize is
// absorbed by the insurance fund in-line.
func (e *Engine) Liquidate(correlationID, userID, asset, liquidatorID string) (*CommitResult, error) {
	candidate, available, loan := e.risk.LiquidationCandidate(userID, asset)
	if !candidate {
		return nil, obserr.New(CodeLiquidationNotEligible, fmt.Sprintf(
			"user %s asset %s is not eligible for liquidation", userID, asset))
	}

	liquidationAmount := new(big.Rat).Mul(loan, e.params.MaxLiquidationRatio)
	penalty := new(big.Rat).Mul(liquidationAmount, e.params.PenaltyRate)
	collateralToSeize := new(big.Rat).Add(liquidationAmount, penalty)
	liquidatorBonus := new(big.Rat).Mul(penalty, e.params.LiquidatorBonusShare)
	insurancePortion := new(big.Rat).Sub(penalty, liquidatorBonus)

	seize := new(big.Rat).Set(collateralToSeize)
	if available.Cmp(collateralToSeize) < 0 {
		seize.Set(available)
	}
	shortfall := new(big.Rat).Sub(collateralToSeize, seize)
	insuranceNet := new(big.Rat).Sub(insurancePortion, shortfall)

	liquidationAmt, err := ratToAmount(liquidationAmount)
	if err != nil {
		return nil, err
	}
	liquidatorBonusAmt, err := ratToAmount(liquidatorBonus)
	if err != nil {
		return nil, err
	}
	seizeAmt, err := ratToAmount(seize)
	if err != nil {
		return nil, err
	}

	insuranceSide := account.Debit
	insuranceAbs := insuranceNet
	if insuranceNet.Sign() < 0 {
		insuranceSide = account.Credit
		insuranceAbs = new(big.Rat).Neg(insuranceNet)
	}
	insuranceAmt, err := ratToAmount(insuranceAbs)
	if err != nil {
		return nil, err
	}

	return e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentLiquidation,
		CorrelationID: correlationID,
		Metadata: map[string]interface{}{
			"liquidator":         liquidatorID,
			"liquidation_amount": liquidationAmt.String(),
			"collateral_seized":  seizeAmt.String(),
		},
		Postings: []ledger.Posting{
			{Account: account.UserAvailable(userID, asset), Amount: seizeAmt, Side: account.Credit},
			{Account: account.UserLoan(userID, asset), Amount: liquidationAmt, Side: account.Debit},
			{Account: account.SystemInsuranceFund(asset), Amount: insuranceAmt, Side: insuranceSide},
			{Account: account.UserAvailable(liquidatorID, asset), Amount: liquidatorBonusAmt, Side: account.Debit},
		},
	}, nil)
}

// ---- matching engine integration (spec.md §4.6) ----

// PlaceOrder locks the order's full collateral (quote for a buy, base for a
// sell), then submits it to the pair's order book. A rejected self-trade
// compensates by unlocking the collateral it just committed; otherwise each
// fill produced by the match is committed as its own Trade entry.
func (e *Engine) PlaceOrder(correlationID, userID, pair string, side matching.Side, price, quantity *big.Rat) (*matching.Order, []matching.Fill, error) {
	base, quote, err := splitPair(pair)
	if err != nil {
		return nil, nil, err
	}

	var lockAsset string
	var lockAmount money.Amount
	switch side {
	case matching.Buy:
		lockAsset = quote
		lockAmount, err = ratToAmount(new(big.Rat).Mul(price, quantity))
	case matching.Sell:
		lockAsset = base
		lockAmount, err = ratToAmount(quantity)
	default:
		err = fmt.Errorf("engine: unknown order side %q", side)
	}
	if err != nil {
		return nil, nil, err
	}

	if _, err := e.commit(ledger.UnsignedEntry{
		Intent:        ledger.IntentOrderPlace,
		CorrelationID: correlationID,
		Postings: []ledger.Posting{
			{Account: account.UserAvailable(userID, lockAsset), Amount: lockAmount, Side: account.Debit},
			{Account: account.UserLocked(userID, lockAsset), Amount: lockAmount, Side: account.Credit},
		},
	}, nil); err != nil {
		return nil, nil, err
	}

	book := e.bookFor(pair)
	order, fills, err := book.Place(userID, side, price, quantity)
	if err != nil {
		if _, uerr := e.commit(ledger.UnsignedEntry{
			Intent:        ledger.IntentOrderCancel,
			CorrelationID: correlationID + "-selftrade-unlock",
			Postings: []ledger.Posting{
				{Account: account.UserLocked(userID, lockAsset), Amount: lockAmount, Side: account.Debit},
				{Account: account.UserAvailable(userID, lockAsset), Amount: lockAmount, Side: account.Credit},
			},
		}, nil); uerr != nil {
			e.log.Error("failed to unlock collateral after a rejected order placement", "user_id", userID, "error", uerr)
		}
		return nil, nil, err
	}

	if order.Status.Active() {
		e.trackResting(order.ID, pair)
	}

	for i, f := range fills {
		tradeEntry, terr := e.buildTradeEntry(base, quote, side, f, fmt.Sprintf("%s-fill-%d", correlationID, i))
		if terr != nil {
			e.log.Error("failed to build trade entry for fill", "error", terr)
			continue
		}
		if _, err := e.commit(tradeEntry, nil); err != nil {
			e.log.Error("failed to commit trade entry for fill", "error", err)
			continue
		}
		if e.bus != nil {
			e.bus.PublishOrderMatched(eventbus.OrderMatched{Pair: pair, Fill: f})
		}
	}

	return order, fills, nil
}

// buildTradeEntry produces the classic 4-posting, 2-asset, zero-sum Trade
// entry for one fill: the buyer's locked quote pays the seller, and the
// seller's locked base is delivered to the buyer. Fills execute at the
// maker's resting price; a taker whose limit price improves on the maker's
// price leaves the unconsumed difference locked until cancellation unlocks
// it.
func (e *Engine) buildTradeEntry(base, quote string, takerSide matching.Side, f matching.Fill, correlationID string) (ledger.UnsignedEntry, error) {
	quoteAmount, err := ratToAmount(new(big.Rat).Mul(f.Price, f.Quantity))
	if err != nil {
		return ledger.UnsignedEntry{}, err
	}
	baseAmount, err := ratToAmount(f.Quantity)
	if err != nil {
		return ledger.UnsignedEntry{}, err
	}

	buyerID, sellerID := f.TakerUserID, f.MakerUserID
	if takerSide == matching.Sell {
		buyerID, sellerID = f.MakerUserID, f.TakerUserID
	}

	return ledger.UnsignedEntry{
		Intent:        ledger.IntentTrade,
		CorrelationID: correlationID,
		Metadata: map[string]interface{}{
			"maker": f.MakerUserID, "taker": f.TakerUserID,
			"base_asset": base, "quote_asset": quote,
			"price": f.Price.RatString(),
		},
		Postings: []ledger.Posting{
			{Account: account.UserLocked(buyerID, quote), Amount: quoteAmount, Side: account.Debit},
			{Account: account.UserAvailable(sellerID, quote), Amount: quoteAmount, Side: account.Credit},
			{Account: account.UserLocked(sellerID, base), Amount: baseAmount, Side: account.Debit},
			{Account: account.UserAvailable(buyerID, base), Amount: baseAmount, Side: account.Credit},
		},
	}, nil
}

// CancelOrder removes a resting order from its book and unlocks whatever
// quantity remains unfilled.
func (e *Engine) CancelOrder(correlationID, orderID string) (*matching.Order, error) {
	pair, ok := e.pairForOrder(orderID)
	if !ok {
		return nil, obserr.New(matching.CodeOrderNotFound, fmt.Sprintf("order %s is not resting", orderID))
	}

	order, err := e.bookFor(pair).Cancel(orderID)
	if err != nil {
		return nil, err
	}
	e.untrackResting(orderID)

	base, quote, err := splitPair(pair)
	if err != nil {
		return nil, err
	}

	var asset string
	var amount money.Amount
	switch order.Side {
	case matching.Buy:
		asset = quote
		amount, err = ratToAmount(new(big.Rat).Mul(order.Price, order.Remaining()))
	case matching.Sell:
		asset = base
		amount, err = ratToAmount(order.Remaining())
	}
	if err != nil {
		return nil, err
	}

	if !amount.IsZero() {
		if _, err := e.commit(ledger.UnsignedEntry{
			Intent:        ledger.IntentOrderCancel,
			CorrelationID: correlationID,
			Postings: []ledger.Posting{
				{Account: account.UserLocked(order.UserID, asset), Amount: amount, Side: account.Debit},
				{Account: account.UserAvailable(order.UserID, asset), Amount: amount, Side: account.Credit},
			},
		}, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// PortfolioEquity reports a user's net position across every asset they
// hold, valued in quote terms via the configured price oracle (spec.md §1's
// price-oracle trait). This is a read-only reporting query outside the
// commit pipeline; it never feeds back into CheckBorrow or
// LiquidationCandidate, which stay on spec.md §4.4's same-asset ratios.
func (e *Engine) PortfolioEquity(ctx context.Context, userID, quote string) (*big.Rat, error) {
	if e.oracle == nil {
		return nil, obserr.New(CodeOracleUnavailable, "engine was opened without a price oracle")
	}
	return e.risk.PortfolioEquity(ctx, userID, quote, e.oracle)
}
