package compliance

import (
	"sort"
	"sync"
	"time"

	"github.com/bibank-exchange/bibank/internal/money"
	"github.com/bibank-exchange/bibank/internal/obserr"
)

const CodeHookFailure obserr.Code = "HOOK_FAILURE"

// FailPolicy decides what a pre-hook's internal error becomes (spec.md
// §4.8).
type FailPolicy string

const (
	FailClosed FailPolicy = "fail_closed" // hook error -> Block{HOOK_FAILURE}
	FailOpen   FailPolicy = "fail_open"   // hook error -> continue as Approved; the error is not logged
)

// Engine owns the rule registries, the sliding-window state, and the
// decision log. Pre-hooks run before the risk gate (spec.md §4.5 step 3);
// post-hooks run after a successful commit (step 12).
type Engine struct {
	mu         sync.RWMutex
	preRules   []Rule
	postRules  []Rule
	failPolicy FailPolicy
	lookup     Lookup
	window     *SlidingWindow
	log        *DecisionLog
}

// NewEngine wires a compliance engine against an already-open decision log
// and identity lookup.
func NewEngine(log *DecisionLog, lookup Lookup, failPolicy FailPolicy) *Engine {
	return &Engine{
		failPolicy: failPolicy,
		lookup:     lookup,
		window:     NewSlidingWindow(),
		log:        log,
	}
}

// AddRule registers a Block or Flag rule into the corresponding registry,
// keeping each registry sorted by ascending priority (spec.md §4.8:
// "lower number first").
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch r.Type {
	case RuleBlock:
		e.preRules = append(e.preRules, r)
		sort.SliceStable(e.preRules, func(i, j int) bool { return e.preRules[i].Priority < e.preRules[j].Priority })
	case RuleFlag:
		e.postRules = append(e.postRules, r)
		sort.SliceStable(e.postRules, func(i, j int) bool { return e.postRules[i].Priority < e.postRules[j].Priority })
	}
	if e.log != nil {
		_ = e.log.Append(DecisionRecord{EventType: EventRuleSetChanged, Timestamp: time.Now().UTC(), RuleID: r.ID, Reason: string(r.Type)})
	}
}

func (e *Engine) buildContext(userID, correlationID string, amount money.Amount, asset string, now time.Time) EvalContext {
	return EvalContext{
		UserID:        userID,
		CorrelationID: correlationID,
		Amount:        amount,
		Asset:         asset,
		Now:           now,
		Lookup:        e.lookup,
		Window:        e.window,
	}
}

// PreCheck runs every registered Block rule in priority order. The first
// rule whose condition holds short-circuits the rest. A CheckPerformed
// record is always written, carrying amount and asset so a restart can
// rebuild the sliding window faithfully (spec.md §9's fix). Window
// recording happens regardless of outcome: the transaction was observed
// even if it is ultimately blocked.
func (e *Engine) PreCheck(userID, correlationID string, amount money.Amount, asset string, now time.Time) (Outcome, error) {
	e.mu.RLock()
	rules := append([]Rule(nil), e.preRules...)
	e.mu.RUnlock()

	e.window.Record(userID, now, amount)

	ctx := e.buildContext(userID, correlationID, amount, asset, now)
	outcome := Outcome{Kind: Approved}
	for _, r := range rules {
		out := e.evaluateWithFailPolicy(r, ctx)
		if out.Kind == Blocked {
			outcome = out
			break
		}
	}

	if e.log != nil {
		_ = e.log.Append(DecisionRecord{
			EventType:     EventCheckPerformed,
			Timestamp:     now,
			UserID:        userID,
			CorrelationID: correlationID,
			Amount:        amount.String(),
			Asset:         asset,
			Decision:      outcome.Kind,
			Code:          outcome.Code,
			Reason:        outcome.Reason,
			RuleID:        outcome.RuleID,
		})
	}
	return outcome, nil
}

// evaluateWithFailPolicy evaluates a rule's condition, translating a panic
// or internal failure per the configured fail policy. Condition.Evaluate
// never itself returns an error in this implementation (all predicates are
// pure), so this seam exists for custom conditions that might fail in the
// future without changing PreCheck's signature.
func (e *Engine) evaluateWithFailPolicy(r Rule, ctx EvalContext) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			if e.failPolicy == FailClosed {
				out = Outcome{Kind: Blocked, Code: string(CodeHookFailure), Reason: "compliance hook failed", RuleID: r.ID}
			} else {
				out = Outcome{Kind: Approved}
			}
		}
	}()
	return r.evaluate(ctx)
}

// PostCheck runs every registered Flag rule and aggregates the results by
// the max-lattice (spec.md §4.8). Post-hooks cannot block; the most
// severe outcome wins. A TransactionFlagged record is written only when
// the aggregate is Flagged.
func (e *Engine) PostCheck(userID, correlationID string, amount money.Amount, asset string, now time.Time) Outcome {
	e.mu.RLock()
	rules := append([]Rule(nil), e.postRules...)
	e.mu.RUnlock()

	ctx := e.buildContext(userID, correlationID, amount, asset, now)
	aggregate := Outcome{Kind: Approved}
	for _, r := range rules {
		out := r.evaluate(ctx)
		if out.Kind == Blocked {
			// post-hooks cannot block (spec.md §4.8); downgrade to the
			// highest flag level instead of surfacing a block this late.
			out = Outcome{Kind: Flagged, Level: LevelL4, Score: RiskCritical, Reason: out.Reason, RuleID: out.RuleID}
		}
		aggregate = Max(aggregate, out)
	}

	if aggregate.Kind == Flagged && e.log != nil {
		_ = e.log.Append(DecisionRecord{
			EventType:     EventTransactionFlagged,
			Timestamp:     now,
			UserID:        userID,
			CorrelationID: correlationID,
			Amount:        amount.String(),
			Asset:         asset,
			Decision:      aggregate.Kind,
			Level:         aggregate.Level,
			Score:         aggregate.Score,
			Reason:        aggregate.Reason,
			RuleID:        aggregate.RuleID,
		})
	}
	return aggregate
}

// ReplayWindow rebuilds the sliding-window state from the decision log's
// CheckPerformed records (spec.md §9's fix: these records carry
// amount/asset so this reconstruction is faithful).
func (e *Engine) ReplayWindow(records []DecisionRecord) error {
	for _, r := range records {
		if r.EventType != EventCheckPerformed || r.Amount == "" {
			continue
		}
		amt, err := money.FromDecimalString(r.Amount)
		if err != nil {
			return err
		}
		e.window.Record(r.UserID, r.Timestamp, amt)
	}
	return nil
}
