package ledger

import "fmt"

// VerifyChain checks, for every entry, that prev_hash links to the prior
// entry's hash (or "GENESIS" for sequence 1), that the stored hash matches
// a fresh recomputation, and that sequence numbers are dense starting at 1
// (spec.md §4.2, §8 invariant 2/3). An empty slice trivially verifies.
func VerifyChain(entries []JournalEntry) error {
	var prevHash string = GenesisPrevHash
	var prevSeq uint64

	for i, e := range entries {
		wantSeq := prevSeq + 1
		if e.Sequence != wantSeq {
			return fmt.Errorf("ledger: sequence gap at index %d: expected %d, got %d", i, wantSeq, e.Sequence)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("ledger: broken hash link at sequence %d: expected prev_hash %q, got %q", e.Sequence, prevHash, e.PrevHash)
		}
		recomputed, err := ComputeHash(e)
		if err != nil {
			return fmt.Errorf("ledger: failed to recompute hash at sequence %d: %w", e.Sequence, err)
		}
		if recomputed != e.Hash {
			return fmt.Errorf("ledger: stored hash mismatch at sequence %d: stored %q, recomputed %q", e.Sequence, e.Hash, recomputed)
		}
		prevHash = e.Hash
		prevSeq = e.Sequence
	}
	return nil
}
