// Package main provides bibank-keygen - generates the system signing key
// used to sign journal entries (spec.md §3's Signature, internal/ledger's
// Ed25519 signer).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bibank-exchange/bibank/internal/ledger"
)

func main() {
	var (
		outFile    = flag.String("out", "", "Write the sealed key file here (default: ./bibank-system.key)")
		passphrase = flag.String("passphrase", "", "Passphrase to seal the key with (prompted if empty)")
	)
	flag.Parse()

	mnemonic, err := ledger.GenerateMnemonic()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bibank-keygen: failed to generate mnemonic: %v\n", err)
		os.Exit(1)
	}

	pass := *passphrase
	if pass == "" {
		pass = promptPassphrase()
	}

	seed, err := ledger.SeedFromMnemonic(mnemonic, pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bibank-keygen: failed to derive seed: %v\n", err)
		os.Exit(1)
	}

	sealed, err := ledger.SealKeyFile(seed, pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bibank-keygen: failed to seal key: %v\n", err)
		os.Exit(1)
	}

	signer, err := ledger.NewEdSigner("system", seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bibank-keygen: failed to derive signer: %v\n", err)
		os.Exit(1)
	}

	path := *outFile
	if path == "" {
		path = "bibank-system.key"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "bibank-keygen: failed to create %s: %v\n", dir, err)
			os.Exit(1)
		}
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "bibank-keygen: failed to write %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("wrote sealed signing key to %s\n", path)
	fmt.Printf("public key: %s\n", signer.PublicKeyHex())
	fmt.Println()
	fmt.Println("RECOVERY MNEMONIC (write this down, it is never stored):")
	fmt.Println(mnemonic)
}

// promptPassphrase reads a passphrase from stdin. It is not hidden from the
// terminal; operators running this interactively should prefer -passphrase
// piped from a secrets manager.
func promptPassphrase() string {
	fmt.Fprint(os.Stderr, "passphrase: ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text()
}
