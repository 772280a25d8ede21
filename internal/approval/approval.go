// Package approval implements BiBank's multi-signature approval workflow
// (spec.md §4.9): an Adjustment intent cannot reach the journal until a
// quorum of operators have signed off on its exact, unsigned contents.
package approval

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bibank-exchange/bibank/internal/ledger"
	"github.com/bibank-exchange/bibank/internal/obserr"
)

const (
	CodeApprovalNotFound  obserr.Code = "APPROVAL_NOT_FOUND"
	CodeApprovalNotOpen   obserr.Code = "APPROVAL_NOT_PENDING"
	CodeApprovalExpired   obserr.Code = "APPROVAL_EXPIRED"
	CodeDuplicateSigner   obserr.Code = "DUPLICATE_SIGNER"
	CodeDigestMismatch    obserr.Code = "APPROVAL_DIGEST_MISMATCH"
	CodeInsufficientQuota obserr.Code = "INSUFFICIENT_SIGNATURES"
)

// DefaultWindow is how long a pending approval stays open before expire_old
// transitions it to Expired (spec.md §4.9).
const DefaultWindow = 24 * time.Hour

// Status is the closed set of approval lifecycle states.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Approval is one pending (or resolved) multi-sig request over a single
// unsigned journal entry.
type Approval struct {
	ID               string
	UnsignedEntry    ledger.UnsignedEntry
	Digest           string // hex sha256 over UnsignedEntry's canonical bytes
	Required         int
	Signatures       []ledger.Signature
	Status           Status
	RejectionReason  string
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// HasQuorum reports whether enough distinct signers have signed.
func (a *Approval) HasQuorum() bool { return len(a.Signatures) >= a.Required }

func (a *Approval) hasSigner(signerID string) bool {
	for _, s := range a.Signatures {
		if s.SignerID == signerID {
			return true
		}
	}
	return false
}

// Digest computes the deterministic SHA-256 digest of an unsigned entry,
// the same way internal/ledger.ComputeHash digests a committed JournalEntry
// (field-length-prefixed, postings in order, metadata keys sorted) minus the
// sequence/prev_hash/timestamp fields that do not exist until commit time.
// Binding the approval to this digest means a caller cannot alter the
// entry's postings after operators have signed off on it.
func Digest(e ledger.UnsignedEntry) (string, error) {
	h := sha256.New()
	writeField(h, string(e.Intent))
	writeField(h, e.CorrelationID)
	if e.CausalityID != nil {
		writeField(h, *e.CausalityID)
	} else {
		writeField(h, "")
	}
	for _, p := range e.Postings {
		writeField(h, p.Account.String())
		writeField(h, p.Amount.String())
		writeField(h, string(p.Side))
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, k)
		val, err := json.Marshal(e.Metadata[k])
		if err != nil {
			return "", fmt.Errorf("approval: failed to serialize metadata key %q: %w", k, err)
		}
		h.Write(val)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

// newID generates an "APPR-xxxxxxxx" identifier from 4 random bytes.
func newID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("approval: failed to generate id: %w", err)
	}
	return "APPR-" + hex.EncodeToString(b[:]), nil
}
