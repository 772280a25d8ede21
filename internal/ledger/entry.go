// Package ledger implements BiBank's append-only, hash-chained journal:
// postings, intents, unsigned/sealed entries, the signature chain, the
// deterministic hash digest, and the per-day JSONL journal file itself.
package ledger

import (
	"time"

	"github.com/bibank-exchange/bibank/internal/account"
	"github.com/bibank-exchange/bibank/internal/money"
)

// Intent is BiBank's closed set of money-moving operation classes
// (spec.md §3). Values are the snake_case wire tags spec.md §6 mandates
// for the journal's "intent" field.
type Intent string

const (
	IntentGenesis     Intent = "genesis"
	IntentDeposit     Intent = "deposit"
	IntentWithdrawal  Intent = "withdrawal"
	IntentTransfer    Intent = "transfer"
	IntentTrade       Intent = "trade"
	IntentFee         Intent = "fee"
	IntentAdjustment  Intent = "adjustment"
	IntentBorrow      Intent = "borrow"
	IntentRepay       Intent = "repay"
	IntentInterest    Intent = "interest"
	IntentLiquidation Intent = "liquidation"
	IntentOrderPlace  Intent = "order_place"
	IntentOrderCancel Intent = "order_cancel"
)

// Valid reports whether i is one of the closed set of intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentGenesis, IntentDeposit, IntentWithdrawal, IntentTransfer, IntentTrade,
		IntentFee, IntentAdjustment, IntentBorrow, IntentRepay, IntentInterest,
		IntentLiquidation, IntentOrderPlace, IntentOrderCancel:
		return true
	default:
		return false
	}
}

// Posting is one debit or credit line against one account.
type Posting struct {
	Account account.Key   `json:"account"`
	Amount  money.Amount  `json:"amount"`
	Side    account.Side  `json:"side"`
}

// SignedDelta returns the signed value of the posting for balance
// projection math: positive if the posting's side matches the account
// category's normal-balance side, negative otherwise.
func (p Posting) SignedDelta() (money.Amount, bool, error) {
	normal, err := p.Account.Category.NormalSide()
	if err != nil {
		return money.Amount{}, false, err
	}
	return p.Amount, p.Side == normal, nil
}

// Signature covers (sequence, timestamp, intent, postings, metadata,
// prev_hash, hash, signed_at) per spec.md §3.
type Signature struct {
	SignerID  string    `json:"signer_id"`
	Algorithm string    `json:"algorithm"`
	PublicKey string    `json:"public_key"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signed_at"`
}

// UnsignedEntry is a candidate entry before the commit pipeline assigns
// ordering and signature fields.
type UnsignedEntry struct {
	Intent        Intent                 `json:"intent"`
	CorrelationID string                 `json:"correlation_id"`
	CausalityID   *string                `json:"causality_id,omitempty"`
	Postings      []Posting              `json:"postings"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// JournalEntry is a sealed, committed entry: immutable once appended.
type JournalEntry struct {
	Sequence      uint64                 `json:"sequence"`
	PrevHash      string                 `json:"prev_hash"`
	Hash          string                 `json:"hash"`
	Timestamp     time.Time              `json:"timestamp"`
	Intent        Intent                 `json:"intent"`
	CorrelationID string                 `json:"correlation_id"`
	CausalityID   *string                `json:"causality_id,omitempty"`
	Postings      []Posting              `json:"postings"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Signatures    []Signature            `json:"signatures"`
}
