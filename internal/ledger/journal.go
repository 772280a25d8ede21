package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bibank-exchange/bibank/internal/obserr"
)

// Error codes for journal/chain-integrity failures (spec.md §7).
const (
	CodeHashChainBroken   obserr.Code = "HASH_CHAIN_BROKEN"
	CodeSequenceGap       obserr.Code = "SEQUENCE_GAP"
	CodeJournalWriteFailed obserr.Code = "JOURNAL_WRITE_FAILED"
)

// Journal is the append-only, hash-chained, per-UTC-day JSONL log that is
// BiBank's sole source of truth. Grounded on the AppendOnlyLog interface
// shape from the reference storelog example (Append/Get/List/Verify/Flush)
// adapted to a day-rotating file layout instead of a single file.
type Journal struct {
	dir string

	mu       sync.Mutex
	curFile  *os.File
	curDate  string
	lastSeq  uint64
	lastHash string
}

// Open opens (or creates) the journal directory, replays every entry to
// find the current tip, and verifies the full hash chain. A broken chain
// is fatal: the engine must refuse to start until an operator resolves it
// (spec.md §4.1, §4.2).
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ledger: failed to create journal directory: %w", err)
	}
	j := &Journal{dir: dir, lastHash: GenesisPrevHash}

	entries, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	if err := VerifyChain(entries); err != nil {
		return nil, obserr.Wrap(CodeHashChainBroken, "journal failed chain verification on startup", err)
	}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		j.lastSeq = last.Sequence
		j.lastHash = last.Hash
	}
	return j, nil
}

// Tip returns (last_sequence, last_hash), used to prepare the next entry.
// last_hash is "GENESIS" when the journal is empty.
func (j *Journal) Tip() (uint64, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq, j.lastHash
}

// dayFile returns the journal file path for the UTC day of t.
func (j *Journal) dayFile(t time.Time) string {
	return filepath.Join(j.dir, t.UTC().Format("2006-01-02")+".jsonl")
}

// Append validates sequence == last+1 and prev_hash == last.hash, writes
// the record, fsyncs before returning, and advances the in-memory cursor.
// It must only be called by the commit pipeline's single writer.
func (j *Journal) Append(e JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.Sequence != j.lastSeq+1 {
		return obserr.New(CodeSequenceGap, fmt.Sprintf("expected sequence %d, got %d", j.lastSeq+1, e.Sequence))
	}
	if e.PrevHash != j.lastHash {
		return obserr.New(CodeHashChainBroken, fmt.Sprintf("expected prev_hash %q, got %q", j.lastHash, e.PrevHash))
	}

	date := e.Timestamp.UTC().Format("2006-01-02")
	if j.curFile == nil || j.curDate != date {
		if j.curFile != nil {
			j.curFile.Close()
		}
		f, err := os.OpenFile(j.dayFile(e.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return obserr.Wrap(CodeJournalWriteFailed, "failed to open journal file", err)
		}
		j.curFile = f
		j.curDate = date
	}

	line, err := json.Marshal(e)
	if err != nil {
		return obserr.Wrap(CodeJournalWriteFailed, "failed to serialize entry", err)
	}
	line = append(line, '\n')

	if _, err := j.curFile.Write(line); err != nil {
		return obserr.Wrap(CodeJournalWriteFailed, "failed to write journal entry", err)
	}
	if err := j.curFile.Sync(); err != nil {
		return obserr.Wrap(CodeJournalWriteFailed, "failed to fsync journal entry", err)
	}

	j.lastSeq = e.Sequence
	j.lastHash = e.Hash
	return nil
}

// ReadAll reads every entry from every day-file in lexicographic (= global
// sequence) order, tolerating a torn trailing write by stopping at the
// last well-formed line instead of erroring.
func (j *Journal) ReadAll() ([]JournalEntry, error) {
	files, err := j.sortedFiles()
	if err != nil {
		return nil, err
	}

	var out []JournalEntry
	for _, path := range files {
		entries, err := readEntriesTolerant(path)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

// Reader returns every entry with sequence >= fromSequence, for a
// restartable, lazy-in-spirit (materialized here for simplicity) replay.
func (j *Journal) Reader(fromSequence uint64) ([]JournalEntry, error) {
	all, err := j.ReadAll()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		if e.Sequence >= fromSequence {
			out = append(out, e)
		}
	}
	return out, nil
}

func (j *Journal) sortedFiles() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list journal directory: %w", err)
	}
	var files []string
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".jsonl") {
			continue
		}
		files = append(files, filepath.Join(j.dir, de.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// readEntriesTolerant parses newline-delimited JSON entries from path,
// stopping at (and discarding) a partial trailing line left by a torn
// write, per spec.md §4.1's failure-tolerance requirement.
func readEntriesTolerant(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open journal file %s: %w", path, err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}

	var out []JournalEntry
	for i, line := range lines {
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			if i == len(lines)-1 {
				// A malformed trailing line is a torn write; stop here
				// rather than failing the whole read.
				break
			}
			return nil, fmt.Errorf("ledger: corrupted journal record in %s at line %d: %w", path, i+1, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Close closes the currently open day-file, if any.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.curFile != nil {
		return j.curFile.Close()
	}
	return nil
}
