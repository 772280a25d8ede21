package ledger

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"filippo.io/edwards25519"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// AlgorithmEd25519 is the mandatory signature scheme (spec.md §3).
const AlgorithmEd25519 = "ed25519"

// Signer signs journal entries. The system signer and any approval
// operator signer both implement this narrow interface (spec.md §9:
// "interfaces over dynamic dispatch").
type Signer interface {
	SignerID() string
	Algorithm() string
	PublicKeyHex() string
	Sign(e JournalEntry, signedAt time.Time) (Signature, error)
}

// EdSigner is the mandatory Ed25519 signer.
type EdSigner struct {
	id   string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEdSigner builds an Ed25519 signer from a 32-byte seed, matching the
// "a single variable carries the system signing key seed (32 bytes hex)"
// environment contract of spec.md §6.
func NewEdSigner(id string, seed []byte) (*EdSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ledger: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if err := ValidatePublicKeyPoint(pub); err != nil {
		return nil, fmt.Errorf("ledger: derived public key is invalid: %w", err)
	}
	return &EdSigner{id: id, priv: priv, pub: pub}, nil
}

func (s *EdSigner) SignerID() string     { return s.id }
func (s *EdSigner) Algorithm() string    { return AlgorithmEd25519 }
func (s *EdSigner) PublicKeyHex() string { return hex.EncodeToString(s.pub) }

// Sign signs the canonical payload covering (sequence, timestamp, intent,
// postings, metadata, prev_hash, hash, signed_at), per spec.md §3.
func (s *EdSigner) Sign(e JournalEntry, signedAt time.Time) (Signature, error) {
	payload, err := CanonicalSignPayload(e, signedAt)
	if err != nil {
		return Signature{}, err
	}
	sig := ed25519.Sign(s.priv, payload)
	return Signature{
		SignerID:  s.id,
		Algorithm: AlgorithmEd25519,
		PublicKey: s.PublicKeyHex(),
		Signature: hex.EncodeToString(sig),
		SignedAt:  signedAt,
	}, nil
}

// CanonicalSignPayload builds the byte payload a signature covers: the
// entry's hash-chain fields (reusing ComputeHash's own canonical framing
// for sequence/timestamp/intent/postings/metadata/prev_hash) plus the
// already-computed hash and the signed_at timestamp.
func CanonicalSignPayload(e JournalEntry, signedAt time.Time) ([]byte, error) {
	base, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(base)
	buf.WriteByte(0)
	buf.WriteString(e.Hash)
	buf.WriteByte(0)
	buf.WriteString(signedAt.UTC().Format(time.RFC3339Nano))
	return buf.Bytes(), nil
}

// VerifySignature checks that sig was produced over e by the Ed25519 key
// embedded in sig.PublicKey. Any other algorithm is rejected with an
// error; it is not verified here.
func VerifySignature(e JournalEntry, sig Signature) (bool, error) {
	if sig.Algorithm != AlgorithmEd25519 {
		return false, fmt.Errorf("ledger: VerifySignature only handles %s, got %s", AlgorithmEd25519, sig.Algorithm)
	}
	pubBytes, err := hex.DecodeString(sig.PublicKey)
	if err != nil {
		return false, fmt.Errorf("ledger: invalid public key hex: %w", err)
	}
	if err := ValidatePublicKeyPoint(pubBytes); err != nil {
		return false, err
	}
	sigBytes, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("ledger: invalid signature hex: %w", err)
	}
	payload, err := CanonicalSignPayload(e, sig.SignedAt)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), payload, sigBytes), nil
}

// ValidatePublicKeyPoint rejects a malformed or invalid-curve-point
// Ed25519 public key before it is ever trusted for verification. Adapted
// from the teacher's ed25519-to-X25519 point-conversion code
// (internal/node/crypto.go), which decodes the same Edwards point for a
// different purpose; here the decode succeeding is itself the check.
func ValidatePublicKeyPoint(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("ledger: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("ledger: public key is not a valid curve point: %w", err)
	}
	return nil
}

// GenerateMnemonic produces a fresh 24-word BIP-39 mnemonic for a system
// or operator signing key.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("ledger: failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("ledger: failed to derive mnemonic: %w", err)
	}
	return mnemonic, nil
}

// SeedFromMnemonic derives a deterministic 32-byte Ed25519 seed from a
// BIP-39 mnemonic and optional passphrase, so an operator can back up one
// mnemonic instead of raw key bytes.
func SeedFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("ledger: invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return seed[:ed25519.SeedSize], nil
}

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	nonceSize    = 24
	scryptKeyLen = 32
)

// SealKeyFile encrypts key material at rest with a passphrase-derived
// secret (scrypt) over NaCl secretbox, adapted from the teacher's
// NaCl-box peer-message envelope (internal/node/crypto.go) from
// public-key box to passphrase-symmetric secretbox, since a key file has
// no remote peer to agree a shared secret with. Layout: salt || nonce ||
// ciphertext.
func SealKeyFile(seed []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("ledger: failed to generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to derive key-file encryption key: %w", err)
	}
	var secretKey [32]byte
	copy(secretKey[:], key)

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("ledger: failed to generate nonce: %w", err)
	}

	out := append([]byte{}, salt...)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, seed, &nonce, &secretKey)
	return out, nil
}

// OpenKeyFile reverses SealKeyFile.
func OpenKeyFile(data []byte, passphrase string) ([]byte, error) {
	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("ledger: key file too short")
	}
	salt := data[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], data[saltSize:saltSize+nonceSize])
	ciphertext := data[saltSize+nonceSize:]

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to derive key-file decryption key: %w", err)
	}
	var secretKey [32]byte
	copy(secretKey[:], key)

	seed, ok := secretbox.Open(nil, ciphertext, &nonce, &secretKey)
	if !ok {
		return nil, fmt.Errorf("ledger: failed to decrypt key file: wrong passphrase or corrupted data")
	}
	return seed, nil
}
