package compliance

import (
	"time"

	"github.com/bibank-exchange/bibank/internal/money"
)

// ConditionKind is the closed set of condition predicates (spec.md §4.8).
type ConditionKind string

const (
	CondAmountGte      ConditionKind = "amount_gte"
	CondAmountLt       ConditionKind = "amount_lt"
	CondAmountInRange  ConditionKind = "amount_in_range"
	CondAccountAgeLt   ConditionKind = "account_age_lt"
	CondAccountAgeGte  ConditionKind = "account_age_gte"
	CondIsWatchlisted  ConditionKind = "is_watchlisted"
	CondIsPEP          ConditionKind = "is_pep"
	CondTxCountGte     ConditionKind = "tx_count_gte"
	CondVolumeGte      ConditionKind = "volume_gte"
	CondAll            ConditionKind = "all"
	CondAny            ConditionKind = "any"
	CondCustom         ConditionKind = "custom"
)

// Condition is a tagged-union predicate; Rule evaluation dispatches on
// Kind and reads only the fields that kind uses.
type Condition struct {
	Kind ConditionKind

	Amount      money.Amount // amount_gte, amount_lt
	AmountLow   money.Amount // amount_in_range
	AmountHigh  money.Amount // amount_in_range
	AgeThresh   time.Duration // account_age_lt, account_age_gte
	Count       int           // tx_count_gte
	Volume      money.Amount  // volume_gte
	Window      time.Duration // tx_count_gte, volume_gte

	Sub []Condition // all, any

	CustomName string                      // custom
	CustomFn   func(ctx EvalContext) bool // custom
}

func AmountGte(amt money.Amount) Condition { return Condition{Kind: CondAmountGte, Amount: amt} }
func AmountLt(amt money.Amount) Condition  { return Condition{Kind: CondAmountLt, Amount: amt} }
func AmountInRange(low, high money.Amount) Condition {
	return Condition{Kind: CondAmountInRange, AmountLow: low, AmountHigh: high}
}
func AccountAgeLt(d time.Duration) Condition  { return Condition{Kind: CondAccountAgeLt, AgeThresh: d} }
func AccountAgeGte(d time.Duration) Condition { return Condition{Kind: CondAccountAgeGte, AgeThresh: d} }
func IsWatchlisted() Condition                { return Condition{Kind: CondIsWatchlisted} }
func IsPEP() Condition                        { return Condition{Kind: CondIsPEP} }
func TxCountGte(count int, window time.Duration) Condition {
	return Condition{Kind: CondTxCountGte, Count: count, Window: window}
}
func VolumeGte(threshold money.Amount, window time.Duration) Condition {
	return Condition{Kind: CondVolumeGte, Volume: threshold, Window: window}
}
func All(conds ...Condition) Condition { return Condition{Kind: CondAll, Sub: conds} }
func Any(conds ...Condition) Condition { return Condition{Kind: CondAny, Sub: conds} }
func Custom(name string, fn func(ctx EvalContext) bool) Condition {
	return Condition{Kind: CondCustom, CustomName: name, CustomFn: fn}
}

// Evaluate reports whether the condition holds for ctx.
func (c Condition) Evaluate(ctx EvalContext) bool {
	switch c.Kind {
	case CondAmountGte:
		return ctx.Amount.Cmp(c.Amount) >= 0
	case CondAmountLt:
		return ctx.Amount.Cmp(c.Amount) < 0
	case CondAmountInRange:
		return ctx.Amount.Cmp(c.AmountLow) >= 0 && ctx.Amount.Cmp(c.AmountHigh) <= 0
	case CondAccountAgeLt:
		if ctx.Lookup == nil {
			return false
		}
		return ctx.Lookup.AccountAge(ctx.UserID, ctx.Now) < c.AgeThresh
	case CondAccountAgeGte:
		if ctx.Lookup == nil {
			return false
		}
		return ctx.Lookup.AccountAge(ctx.UserID, ctx.Now) >= c.AgeThresh
	case CondIsWatchlisted:
		return ctx.Lookup != nil && ctx.Lookup.IsWatchlisted(ctx.UserID)
	case CondIsPEP:
		return ctx.Lookup != nil && ctx.Lookup.IsPEP(ctx.UserID)
	case CondTxCountGte:
		if ctx.Window == nil {
			return false
		}
		return ctx.Window.CountInWindow(ctx.UserID, ctx.Now, c.Window) >= c.Count
	case CondVolumeGte:
		if ctx.Window == nil {
			return false
		}
		return ctx.Window.VolumeInWindow(ctx.UserID, ctx.Now, c.Window).Cmp(c.Volume) >= 0
	case CondAll:
		for _, sub := range c.Sub {
			if !sub.Evaluate(ctx) {
				return false
			}
		}
		return true
	case CondAny:
		for _, sub := range c.Sub {
			if sub.Evaluate(ctx) {
				return true
			}
		}
		return false
	case CondCustom:
		return c.CustomFn != nil && c.CustomFn(ctx)
	default:
		return false
	}
}

// RuleType is the closed set of rule kinds: Block rules run as pre-hooks,
// Flag rules run as post-hooks.
type RuleType string

const (
	RuleBlock RuleType = "block"
	RuleFlag  RuleType = "flag"
)

// RuleAction is the tagged-union action a Rule takes when its condition
// holds (spec.md §4.8).
type RuleAction struct {
	Block  *BlockAction
	Flag   *FlagAction
	Approve bool
}

type BlockAction struct {
	Code   string
	Reason string
}

type FlagAction struct {
	Score  RiskScore
	Level  ApprovalLevel
	Reason string
}

// Rule is a registered condition/action pair evaluated in priority order
// (lower number first).
type Rule struct {
	ID        string
	Type      RuleType
	Condition Condition
	Action    RuleAction
	Priority  int
	Enabled   bool
}

// evaluate turns a matching rule into an Outcome, or Approved if the
// condition does not hold or the rule is disabled.
func (r Rule) evaluate(ctx EvalContext) Outcome {
	if !r.Enabled || !r.Condition.Evaluate(ctx) {
		return Outcome{Kind: Approved}
	}
	switch {
	case r.Action.Block != nil:
		return Outcome{Kind: Blocked, Code: r.Action.Block.Code, Reason: r.Action.Block.Reason, RuleID: r.ID}
	case r.Action.Flag != nil:
		return Outcome{Kind: Flagged, Level: r.Action.Flag.Level, Score: r.Action.Flag.Score, Reason: r.Action.Flag.Reason, RuleID: r.ID}
	default:
		return Outcome{Kind: Approved}
	}
}
