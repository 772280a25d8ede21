package approval

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/obserr"
)

// Store is the persistent multi-sig approval queue, one SQLite database per
// node, adapted from internal/storage.Storage's single-writer WAL pattern.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (if necessary) and opens the approval store at dir/approvals.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("approval: failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, "approvals.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("approval: failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("approval: failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		unsigned_entry TEXT NOT NULL,
		digest TEXT NOT NULL,
		required INTEGER NOT NULL,
		signatures TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
	`)
	if err != nil {
		return fmt.Errorf("approval: failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func scanApproval(row interface {
	Scan(dest ...interface{}) error
}) (*Approval, error) {
	var (
		id, unsignedJSON, digest, status, reason, sigsJSON string
		required                                           int
		createdAt, expiresAt                                int64
	)
	if err := row.Scan(&id, &unsignedJSON, &digest, &required, &sigsJSON, &status, &reason, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	var unsigned ledger.UnsignedEntry
	if err := json.Unmarshal([]byte(unsignedJSON), &unsigned); err != nil {
		return nil, fmt.Errorf("approval: corrupted unsigned entry for %s: %w", id, err)
	}
	var sigs []ledger.Signature
	if err := json.Unmarshal([]byte(sigsJSON), &sigs); err != nil {
		return nil, fmt.Errorf("approval: corrupted signature list for %s: %w", id, err)
	}
	return &Approval{
		ID:              id,
		UnsignedEntry:   unsigned,
		Digest:          digest,
		Required:        required,
		Signatures:      sigs,
		Status:          Status(status),
		RejectionReason: reason,
		CreatedAt:       time.Unix(createdAt, 0).UTC(),
		ExpiresAt:       time.Unix(expiresAt, 0).UTC(),
	}, nil
}

// CreateApproval stores a new pending approval request over unsigned,
// requiring `required` distinct operator signatures before it can be
// resubmitted to the commit pipeline.
func (s *Store) CreateApproval(unsigned ledger.UnsignedEntry, required int, now time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, err := Digest(unsigned)
	if err != nil {
		return nil, err
	}
	entryJSON, err := json.Marshal(unsigned)
	if err != nil {
		return nil, fmt.Errorf("approval: failed to serialize unsigned entry: %w", err)
	}
	id, err := newID()
	if err != nil {
		return nil, err
	}
	a := &Approval{
		ID:            id,
		UnsignedEntry: unsigned,
		Digest:        digest,
		Required:      required,
		Signatures:    []ledger.Signature{},
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(DefaultWindow),
	}
	_, err = s.db.Exec(
		`INSERT INTO approvals (id, unsigned_entry, digest, required, signatures, status, rejection_reason, created_at, expires_at)
		 VALUES (?, ?, ?, ?, '[]', ?, '', ?, ?)`,
		a.ID, string(entryJSON), a.Digest, a.Required, string(a.Status), a.CreatedAt.Unix(), a.ExpiresAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("approval: failed to insert approval: %w", err)
	}
	return a, nil
}

// Get loads one approval by id.
func (s *Store) Get(id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Approval, error) {
	row := s.db.QueryRow(
		`SELECT id, unsigned_entry, digest, required, signatures, status, rejection_reason, created_at, expires_at
		 FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, obserr.New(CodeApprovalNotFound, fmt.Sprintf("no approval with id %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("approval: failed to load approval %s: %w", id, err)
	}
	return a, nil
}

func (s *Store) saveLocked(a *Approval) error {
	entryJSON, err := json.Marshal(a.UnsignedEntry)
	if err != nil {
		return fmt.Errorf("approval: failed to serialize unsigned entry: %w", err)
	}
	sigsJSON, err := json.Marshal(a.Signatures)
	if err != nil {
		return fmt.Errorf("approval: failed to serialize signatures: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE approvals SET unsigned_entry = ?, digest = ?, required = ?, signatures = ?, status = ?, rejection_reason = ?, created_at = ?, expires_at = ?
		 WHERE id = ?`,
		string(entryJSON), a.Digest, a.Required, string(sigsJSON), string(a.Status), a.RejectionReason, a.CreatedAt.Unix(), a.ExpiresAt.Unix(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("approval: failed to save approval %s: %w", a.ID, err)
	}
	return nil
}

// Sign appends sig to the approval's collected signature set (spec.md
// §4.9). An approval past its expires_at is transitioned to Expired and
// rejected rather than signed. A signer_id that has already signed is
// rejected to prevent one operator being counted twice toward quorum. Once
// the collected count reaches Required, the approval transitions to
// Approved.
func (s *Store) Sign(id string, sig ledger.Signature, now time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusPending && !now.Before(a.ExpiresAt) {
		a.Status = StatusExpired
		if saveErr := s.saveLocked(a); saveErr != nil {
			return nil, saveErr
		}
		return a, obserr.New(CodeApprovalExpired, fmt.Sprintf("approval %s expired at %s", id, a.ExpiresAt))
	}
	if a.Status != StatusPending {
		return a, obserr.New(CodeApprovalNotOpen, fmt.Sprintf("approval %s is %s, not pending", id, a.Status))
	}
	if a.hasSigner(sig.SignerID) {
		return a, obserr.New(CodeDuplicateSigner, fmt.Sprintf("signer %s has already signed approval %s", sig.SignerID, id))
	}

	a.Signatures = append(a.Signatures, sig)
	if a.HasQuorum() {
		a.Status = StatusApproved
	}
	if err := s.saveLocked(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Reject moves a Pending approval to Rejected with a recorded reason.
func (s *Store) Reject(id, reason string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return a, obserr.New(CodeApprovalNotOpen, fmt.Sprintf("approval %s is %s, not pending", id, a.Status))
	}
	a.Status = StatusRejected
	a.RejectionReason = reason
	if err := s.saveLocked(a); err != nil {
		return nil, err
	}
	return a, nil
}

// ExpireOld transitions every Pending approval whose expires_at has passed
// into Expired, and returns how many were transitioned. Intended to be
// called periodically (e.g. on a timer alongside journal maintenance).
func (s *Store) ExpireOld(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE approvals SET status = ? WHERE status = ? AND expires_at <= ?`,
		string(StatusExpired), string(StatusPending), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("approval: failed to expire stale approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("approval: failed to count expired approvals: %w", err)
	}
	return int(n), nil
}

// VerifyForCommit checks that resubmitted has the same digest the
// operators signed off on, and that the collected signature set meets
// quorum. Call this immediately before resubmitting an Adjustment entry to
// the commit pipeline, so a caller cannot swap in different postings after
// approval.
func (s *Store) VerifyForCommit(id string, resubmitted ledger.UnsignedEntry) ([]ledger.Signature, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusApproved {
		return nil, obserr.New(CodeApprovalNotOpen, fmt.Sprintf("approval %s is %s, not approved", id, a.Status))
	}
	digest, err := Digest(resubmitted)
	if err != nil {
		return nil, err
	}
	if digest != a.Digest {
		return nil, obserr.New(CodeDigestMismatch, fmt.Sprintf("approval %s was signed for a different entry", id))
	}
	if !a.HasQuorum() {
		return nil, obserr.New(CodeInsufficientQuota, fmt.Sprintf("approval %s has %d of %d required signatures", id, len(a.Signatures), a.Required))
	}
	return a.Signatures, nil
}
