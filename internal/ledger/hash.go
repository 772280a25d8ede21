package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// GenesisPrevHash is the literal prev_hash value for sequence 1.
const GenesisPrevHash = "GENESIS"

// ComputeHash computes the deterministic SHA-256 digest over every field of
// e except Hash itself, per spec.md §4.2: sequence (little-endian),
// prev_hash bytes, RFC3339 timestamp, intent tag, correlation_id, optional
// causality_id, then each posting's (account string, amount string, side
// tag), then metadata keys in sorted order with their serialized values.
func ComputeHash(e JournalEntry) (string, error) {
	h := sha256.New()

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], e.Sequence)
	h.Write(seqBuf[:])

	writeField(h, e.PrevHash)
	writeField(h, e.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))
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
			return "", fmt.Errorf("ledger: failed to serialize metadata key %q: %w", k, err)
		}
		h.Write(val)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeField writes a length-prefixed string into the hasher so that
// field boundaries can never be confused by a value that happens to
// contain the delimiter byte.
func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}
