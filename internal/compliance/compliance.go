// Package compliance implements BiBank's dual compliance pipeline:
// pre-validation BLOCK hooks, post-commit FLAG hooks aggregated by a
// max-lattice, a small rule DSL, sliding-window velocity state, and a
// separate append-only decision log (spec.md §4.8).
package compliance

import (
	"time"

	"github.com/bibank-exchange/bibank/internal/money"
)

// RiskScore is the severity a Flag action assigns.
type RiskScore string

const (
	RiskLow      RiskScore = "low"
	RiskMedium   RiskScore = "medium"
	RiskHigh     RiskScore = "high"
	RiskCritical RiskScore = "critical"
)

// ApprovalLevel is the escalation tier a Flag assigns (spec.md §4.8).
type ApprovalLevel string

const (
	LevelL1 ApprovalLevel = "L1"
	LevelL2 ApprovalLevel = "L2"
	LevelL3 ApprovalLevel = "L3"
	LevelL4 ApprovalLevel = "L4"
)

// levelRank orders levels for the max-lattice aggregation.
var levelRank = map[ApprovalLevel]int{LevelL1: 1, LevelL2: 2, LevelL3: 3, LevelL4: 4}

// OutcomeKind is the closed set of decision kinds, ordered
// Approved < Flagged < Blocked for the post-hook max-lattice (spec.md §4.8).
type OutcomeKind string

const (
	Approved OutcomeKind = "approved"
	Flagged  OutcomeKind = "flagged"
	Blocked  OutcomeKind = "blocked"
)

// Outcome is the result of evaluating one hook.
type Outcome struct {
	Kind   OutcomeKind
	Level  ApprovalLevel // meaningful only when Kind == Flagged
	Score  RiskScore     // meaningful only when Kind == Flagged
	Code   string        // meaningful only when Kind == Blocked
	Reason string
	RuleID string
}

// rank gives Outcome a total order for the max-lattice aggregation:
// Approved < Flagged{L1..L4} < Blocked.
func (o Outcome) rank() int {
	switch o.Kind {
	case Approved:
		return 0
	case Flagged:
		return levelRank[o.Level]
	case Blocked:
		return 100
	default:
		return -1
	}
}

// Max returns the more severe of two outcomes under the lattice order.
func Max(a, b Outcome) Outcome {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// EvalContext carries everything a Condition needs to evaluate against one
// candidate entry.
type EvalContext struct {
	UserID        string
	CorrelationID string
	Amount        money.Amount
	Asset         string
	Now           time.Time

	Lookup Lookup
	Window *SlidingWindow
}

// Lookup answers the identity-bound predicates a Condition may reference.
// Implementations are owned by the caller (e.g. a KYC/sanctions store);
// compliance itself only evaluates the boolean/age answers it returns.
type Lookup interface {
	IsWatchlisted(userID string) bool
	IsPEP(userID string) bool
	AccountAge(userID string, now time.Time) time.Duration
}

// StaticLookup is a map-backed Lookup for tests and simple deployments.
type StaticLookup struct {
	Watchlisted map[string]bool
	PEP         map[string]bool
	OpenedAt    map[string]time.Time
}

func NewStaticLookup() *StaticLookup {
	return &StaticLookup{Watchlisted: map[string]bool{}, PEP: map[string]bool{}, OpenedAt: map[string]time.Time{}}
}

func (l *StaticLookup) IsWatchlisted(userID string) bool { return l.Watchlisted[userID] }
func (l *StaticLookup) IsPEP(userID string) bool          { return l.PEP[userID] }
func (l *StaticLookup) AccountAge(userID string, now time.Time) time.Duration {
	opened, ok := l.OpenedAt[userID]
	if !ok {
		return 0
	}
	return now.Sub(opened)
}
