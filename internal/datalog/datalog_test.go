package datalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/work"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "mining_data.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := l.BestHash(); got != initialBestHash {
		t.Fatalf("BestHash() on fresh log = %d, want initial max %d", got, initialBestHash)
	}
}

func TestOpenCorruptFileResetsInsteadOfErroring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mining_data.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open of corrupt file should not error, got: %v", err)
	}
	if got := l.BestHash(); got != initialBestHash {
		t.Fatalf("BestHash() after corrupt-file recovery = %d, want initial max", got)
	}
}

func TestSuggestBestHashMonotonic(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "mining_data.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SuggestBestHash(500); err != nil {
		t.Fatal(err)
	}
	if got := l.BestHash(); got != 500 {
		t.Fatalf("BestHash() = %d, want 500", got)
	}
	if err := l.SuggestBestHash(900); err != nil {
		t.Fatal(err)
	}
	if got := l.BestHash(); got != 500 {
		t.Fatalf("BestHash() after a worse suggestion = %d, want unchanged 500", got)
	}
	if err := l.SuggestBestHash(10); err != nil {
		t.Fatal(err)
	}
	if got := l.BestHash(); got != 10 {
		t.Fatalf("BestHash() after a better suggestion = %d, want 10", got)
	}
}

func TestResetBestHash(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "mining_data.json"))
	l.SuggestBestHash(5)
	if err := l.ResetBestHash(); err != nil {
		t.Fatal(err)
	}
	if got := l.BestHash(); got != initialBestHash {
		t.Fatalf("BestHash() after Reset = %d, want initial max", got)
	}
}

func TestRecordAndRetrieveSolutions(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "mining_data.json"))
	rec := work.SolutionRecord{Date: time.Now(), Block: 7, State: work.Accepted, Stale: false, MinerID: 2}
	if err := l.RecordSolution(rec); err != nil {
		t.Fatal(err)
	}
	if got := l.SolutionCount(); got != 1 {
		t.Fatalf("SolutionCount() = %d, want 1", got)
	}

	out, err := l.RetrieveSolutions(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Block != 7 || out[0].State != work.Accepted || out[0].MinerID != 2 {
		t.Fatalf("RetrieveSolutions() = %+v, want one matching record", out)
	}
	if l.SolutionCount() != 1 {
		t.Fatal("RetrieveSolutions(false) must not clear the log")
	}

	out2, err := l.RetrieveSolutions(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(out2) != 1 {
		t.Fatalf("RetrieveSolutions(true) should still return the cleared records, got %d", len(out2))
	}
	if l.SolutionCount() != 0 {
		t.Fatal("RetrieveSolutions(true) should clear the log")
	}
}

func TestRecordCloseHitAndHashFault(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "mining_data.json"))
	if err := l.RecordCloseHit(work.CloseHit{Date: time.Now(), Value: 123, WorkAgeSec: 1.5, MinerID: 1}); err != nil {
		t.Fatal(err)
	}
	if l.CloseHitCount() != 1 {
		t.Fatalf("CloseHitCount() = %d, want 1", l.CloseHitCount())
	}
	if err := l.RecordHashFault(work.HashFault{Date: time.Now(), MinerID: 1}); err != nil {
		t.Fatal(err)
	}
	if l.HashFaultCount() != 1 {
		t.Fatalf("HashFaultCount() = %d, want 1", l.HashFaultCount())
	}

	hits, err := l.RetrieveCloseHits(true)
	if err != nil || len(hits) != 1 || hits[0].Value != 123 {
		t.Fatalf("RetrieveCloseHits() = %+v, err=%v", hits, err)
	}
	if l.CloseHitCount() != 0 {
		t.Fatal("RetrieveCloseHits(true) should clear the log")
	}

	faults, err := l.RetrieveHashFaults(false)
	if err != nil || len(faults) != 1 {
		t.Fatalf("RetrieveHashFaults() = %+v, err=%v", faults, err)
	}
}

func TestBalanceSnapshotRoundTrip(t *testing.T) {
	l, _ := Open(filepath.Join(t.TempDir(), "mining_data.json"))
	if err := l.SetBalanceSnapshot("1000000000000000000", 12); err != nil {
		t.Fatal(err)
	}
	bal, peers := l.BalanceSnapshot()
	if bal != "1000000000000000000" || peers != 12 {
		t.Fatalf("BalanceSnapshot() = (%s, %d), want (1000000000000000000, 12)", bal, peers)
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mining_data.json")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SuggestBestHash(77); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.BestHash(); got != 77 {
		t.Fatalf("BestHash() after reopen = %d, want 77", got)
	}
}
