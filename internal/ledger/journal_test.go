package ledger

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func sealEntry(t *testing.T, prevSeq uint64, prevHash string, corr string, ts time.Time) JournalEntry {
	t.Helper()
	e := sampleEntry(t)
	e.Sequence = prevSeq + 1
	e.PrevHash = prevHash
	e.CorrelationID = corr
	e.Timestamp = ts
	h, err := ComputeHash(e)
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	e.Hash = h
	return e
}

func TestJournalAppendAndReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ts := time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)
	seq, hash := j.Tip()
	if seq != 0 || hash != GenesisPrevHash {
		t.Fatalf("expected empty tip, got (%d, %s)", seq, hash)
	}

	e1 := sealEntry(t, seq, hash, "corr-1", ts)
	if err := j.Append(e1); err != nil {
		t.Fatalf("Append: %v", err)
	}

	seq, hash = j.Tip()
	e2 := sealEntry(t, seq, hash, "corr-2", ts.Add(time.Minute))
	if err := j.Append(e2); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	all, err := reopened.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].CorrelationID != "corr-1" || all[1].CorrelationID != "corr-2" {
		t.Errorf("entries out of order: %+v", all)
	}
	gotSeq, gotHash := reopened.Tip()
	if gotSeq != 2 || gotHash != e2.Hash {
		t.Errorf("tip mismatch after reopen: (%d, %s)", gotSeq, gotHash)
	}
}

func TestJournalRejectsSequenceGap(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bad := sealEntry(t, 5, GenesisPrevHash, "corr-1", time.Now())
	if err := j.Append(bad); err == nil {
		t.Error("expected error for non-contiguous sequence")
	}
}

func TestJournalRejectsBrokenPrevHash(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	bad := sealEntry(t, 0, "not-genesis", "corr-1", time.Now())
	if err := j.Append(bad); err == nil {
		t.Error("expected error for wrong prev_hash")
	}
}

func TestJournalTornWriteTolerance(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts := time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)
	seq, hash := j.Tip()
	e1 := sealEntry(t, seq, hash, "corr-1", ts)
	if err := j.Append(e1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	path := j.dayFile(ts)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for torn write: %v", err)
	}
	if _, err := f.WriteString(`{"sequence":2,"prev_hash":"` + e1.Hash + `"`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Open should tolerate a torn trailing write, got: %v", err)
	}
	all, err := reopened.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected torn trailing line to be dropped, got %d entries", len(all))
	}
}

func TestJournalStartupRefusesBrokenChain(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts := time.Date(2025, 10, 14, 12, 0, 0, 0, time.UTC)
	seq, hash := j.Tip()
	e1 := sealEntry(t, seq, hash, "corr-1", ts)
	if err := j.Append(e1); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j.Close()

	path := j.dayFile(ts)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var stored JournalEntry
	trimmed := data[:len(data)-1] // drop trailing newline
	if err := json.Unmarshal(trimmed, &stored); err != nil {
		t.Fatal(err)
	}
	stored.CorrelationID = "tampered-after-the-fact"
	tampered, err := json.Marshal(stored)
	if err != nil {
		t.Fatal(err)
	}
	tampered = append(tampered, '\n')
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(dir); err == nil {
		t.Error("expected Open to refuse a journal with a broken hash chain")
	}
}
