package compliance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType is the closed set of decision-log record kinds (spec.md §4.8).
type EventType string

const (
	EventCheckPerformed      EventType = "CheckPerformed"
	EventTransactionFlagged  EventType = "TransactionFlagged"
	EventReviewCompleted     EventType = "ReviewCompleted"
	EventRuleSetChanged      EventType = "RuleSetChanged"
	EventWatchlistUpdated    EventType = "WatchlistUpdated"
)

// DecisionRecord is one line of the compliance decision log. Fields are a
// superset across all five event types; a given EventType populates only
// the fields relevant to it. CheckPerformed always carries Amount/Asset so
// a sliding window can be rebuilt faithfully on restart (spec.md §9).
type DecisionRecord struct {
	EventType     EventType              `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	UserID        string                 `json:"user_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Amount        string                 `json:"amount,omitempty"`
	Asset         string                 `json:"asset,omitempty"`
	Decision      OutcomeKind            `json:"decision,omitempty"`
	Code          string                 `json:"code,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Level         ApprovalLevel          `json:"approval_level,omitempty"`
	Score         RiskScore              `json:"risk_score,omitempty"`
	RuleID        string                 `json:"rule_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// DecisionLog is the separate append-only newline-delimited compliance
// audit trail (spec.md §4.8: "separate from the financial journal").
// Unlike internal/ledger's Journal, these records are not hash-chained —
// spec.md mandates hash-chaining only for the financial journal.
type DecisionLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenDecisionLog opens (creating if necessary) a single append-only file
// at dir/decisions.jsonl.
func OpenDecisionLog(dir string) (*DecisionLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("compliance: failed to create decision log directory: %w", err)
	}
	path := filepath.Join(dir, "decisions.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to open decision log: %w", err)
	}
	return &DecisionLog{file: f}, nil
}

// Append writes one record and fsyncs before returning, matching the
// financial journal's durability guarantee.
func (l *DecisionLog) Append(r DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("compliance: failed to marshal decision record: %w", err)
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("compliance: failed to write decision record: %w", err)
	}
	return l.file.Sync()
}

// ReadAll reads every record in file order, for startup sliding-window
// reconstruction.
func (l *DecisionLog) ReadAll() ([]DecisionRecord, error) {
	l.mu.Lock()
	path := l.file.Name()
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("compliance: failed to reopen decision log for reading: %w", err)
	}
	defer f.Close()

	var records []DecisionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r DecisionRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("compliance: corrupted decision log record: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("compliance: failed to scan decision log: %w", err)
	}
	return records, nil
}

// Close closes the underlying file.
func (l *DecisionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
