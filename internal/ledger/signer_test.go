package ledger

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"
)

func TestEdSignerSignAndVerify(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	signer, err := NewEdSigner("system", seed)
	if err != nil {
		t.Fatalf("NewEdSigner: %v", err)
	}

	e := sampleEntry(t)
	h, err := ComputeHash(e)
	if err != nil {
		t.Fatal(err)
	}
	e.Hash = h

	sig, err := signer.Sign(e, time.Now().UTC())
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	e.Signatures = append(e.Signatures, sig)

	ok, err := VerifySignature(e, sig)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if !ok {
		t.Error("expected signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedEntry(t *testing.T) {
	seed := bytes.Repeat([]byte{9}, ed25519.SeedSize)
	signer, err := NewEdSigner("system", seed)
	if err != nil {
		t.Fatalf("NewEdSigner: %v", err)
	}

	e := sampleEntry(t)
	h, _ := ComputeHash(e)
	e.Hash = h
	sig, err := signer.Sign(e, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	e.CorrelationID = "tampered"
	ok, err := VerifySignature(e, sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected signature verification to fail for a tampered entry")
	}
}

func TestNewEdSignerRejectsBadSeedLength(t *testing.T) {
	if _, err := NewEdSigner("system", []byte{1, 2, 3}); err == nil {
		t.Error("expected error for short seed")
	}
}

func TestSealAndOpenKeyFile(t *testing.T) {
	seed := bytes.Repeat([]byte{3}, ed25519.SeedSize)
	sealed, err := SealKeyFile(seed, "correct horse battery staple")
	if err != nil {
		t.Fatalf("SealKeyFile: %v", err)
	}
	opened, err := OpenKeyFile(sealed, "correct horse battery staple")
	if err != nil {
		t.Fatalf("OpenKeyFile: %v", err)
	}
	if !bytes.Equal(seed, opened) {
		t.Error("round-tripped seed does not match original")
	}
}

func TestOpenKeyFileRejectsWrongPassphrase(t *testing.T) {
	seed := bytes.Repeat([]byte{3}, ed25519.SeedSize)
	sealed, err := SealKeyFile(seed, "correct horse battery staple")
	if err != nil {
		t.Fatalf("SealKeyFile: %v", err)
	}
	if _, err := OpenKeyFile(sealed, "wrong passphrase"); err == nil {
		t.Error("expected error for wrong passphrase")
	}
}

func TestMnemonicSeedDerivationIsDeterministic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	s1, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	s2, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("expected deterministic seed derivation from the same mnemonic")
	}
	if len(s1) != ed25519.SeedSize {
		t.Errorf("expected seed of length %d, got %d", ed25519.SeedSize, len(s1))
	}
}
