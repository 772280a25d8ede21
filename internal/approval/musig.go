package approval

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// sortedPubKeys returns keys in a deterministic order so every operator's
// session computes the same aggregate key regardless of submission order,
// matching the teacher's two-party sort-by-compressed-bytes convention
// (internal/swap/musig2.go's computeAggregatedKey), generalized to N keys.
func sortedPubKeys(keys []*btcec.PublicKey) []*btcec.PublicKey {
	out := append([]*btcec.PublicKey(nil), keys...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].SerializeCompressed(), out[j].SerializeCompressed()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// AggregatePublicKey computes the MuSig2 aggregate key for a quorum of
// operator public keys.
func AggregatePublicKey(keys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	agg, _, _, err := musig2.AggregateKeys(sortedPubKeys(keys), true)
	if err != nil {
		return nil, fmt.Errorf("approval: key aggregation failed: %w", err)
	}
	return agg.FinalKey, nil
}

// AggregateSign runs the MuSig2 two-round protocol (nonce commitment, then
// partial signing against the joint nonce) across every signer supplied,
// in a single pass, and combines the results into one compact Schnorr
// signature over digest. Adapted from the teacher's two-party
// MuSig2Session (internal/swap/musig2.go: GenerateNonces / SetRemoteNonce
// / computeAggregatedKey / Sign / CombineSignatures), generalized from an
// over-the-wire two-party nonce exchange into an N-operator collector
// running inside one process — BiBank's approval workflow has no remote
// peer, only operators acting on the same engine.
func AggregateSign(signers []*btcec.PrivateKey, digest [32]byte) (signature []byte, aggregateKey *btcec.PublicKey, err error) {
	if len(signers) == 0 {
		return nil, nil, fmt.Errorf("approval: at least one signer is required")
	}

	pubKeys := make([]*btcec.PublicKey, len(signers))
	bySerialized := map[string]*btcec.PrivateKey{}
	for i, s := range signers {
		pubKeys[i] = s.PubKey()
		bySerialized[string(s.PubKey().SerializeCompressed())] = s
	}
	sorted := sortedPubKeys(pubKeys)
	orderedSigners := make([]*btcec.PrivateKey, len(sorted))
	for i, pk := range sorted {
		orderedSigners[i] = bySerialized[string(pk.SerializeCompressed())]
	}

	var msgHash chainhash.Hash
	copy(msgHash[:], digest[:])

	nonces := make([]*musig2.Nonces, len(orderedSigners))
	for i, priv := range orderedSigners {
		n, genErr := musig2.GenNonces(musig2.WithPublicKey(priv.PubKey()))
		if genErr != nil {
			return nil, nil, fmt.Errorf("approval: failed to generate nonce for signer %d: %w", i, genErr)
		}
		nonces[i] = n
	}

	sessions := make([]*musig2.Session, len(orderedSigners))
	for i, priv := range orderedSigners {
		ctx, ctxErr := musig2.NewContext(priv, false, musig2.WithKnownSigners(sorted))
		if ctxErr != nil {
			return nil, nil, fmt.Errorf("approval: failed to create musig2 context for signer %d: %w", i, ctxErr)
		}
		sess, sessErr := ctx.NewSession(musig2.WithPreGeneratedNonce(nonces[i]))
		if sessErr != nil {
			return nil, nil, fmt.Errorf("approval: failed to create musig2 session for signer %d: %w", i, sessErr)
		}
		for j := range orderedSigners {
			if j == i {
				continue
			}
			if _, regErr := sess.RegisterPubNonce(nonces[j].PubNonce); regErr != nil {
				return nil, nil, fmt.Errorf("approval: failed to register nonce from signer %d onto signer %d: %w", j, i, regErr)
			}
		}
		sessions[i] = sess
	}

	partials := make([]*musig2.PartialSignature, len(sessions))
	for i, sess := range sessions {
		p, signErr := sess.Sign(msgHash)
		if signErr != nil {
			return nil, nil, fmt.Errorf("approval: signer %d failed to produce partial signature: %w", i, signErr)
		}
		partials[i] = p
	}

	final := sessions[0]
	var haveFinal bool
	for i := 1; i < len(partials); i++ {
		haveFinal, err = final.CombineSig(partials[i])
		if err != nil {
			return nil, nil, fmt.Errorf("approval: failed to combine partial signature from signer %d: %w", i, err)
		}
	}
	if len(partials) == 1 {
		haveFinal = true
	}
	if !haveFinal {
		return nil, nil, fmt.Errorf("approval: not enough partial signatures to finalize")
	}

	aggKey, err := AggregatePublicKey(pubKeys)
	if err != nil {
		return nil, nil, err
	}
	return final.FinalSig().Serialize(), aggKey, nil
}
