// Package datalog persists best-hash, solutions, close-hits, and
// hash-faults to a single JSON document (mining_data.json), the durable
// record that survives restarts. Grounded on the append-only,
// mutex-serialized mutation style of server/blockchain.go's Blockchain
// (RWMutex-guarded slice, structured log line per mutation), adapted from
// an in-memory chain to a persisted document per spec §4.7. Per REDESIGN
// FLAGS, writes go through a temp-file-then-rename instead of the
// truncate-in-place the original source used, so a crash mid-write can
// never leave a half-written document.
package datalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/rlog"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

// Document is the on-disk shape, field names matching the schema in
// spec §6 exactly.
type Document struct {
	BestHash     uint64                `json:"BestHash"`
	BestHashDate string                `json:"BestHashDate"`
	Solutions    []solutionJSON        `json:"Solutions"`
	CloseHits    []closeHitJSON        `json:"CloseHits"`
	HashFaults   []hashFaultJSON       `json:"HashFaults"`
	LastBalance  string                `json:"LastBalance,omitempty"`
	LastPeerCount int                  `json:"LastPeerCount,omitempty"`
}

type solutionJSON struct {
	Date    string `json:"date"`
	Block   uint32 `json:"block"`
	State   string `json:"state"`
	Stale   bool   `json:"stale"`
	GPUMiner uint32 `json:"gpu_miner"`
}

type closeHitJSON struct {
	Date     string  `json:"date"`
	CloseHit uint64  `json:"close_hit"`
	Work     float64 `json:"work"`
	GPUMiner uint32  `json:"gpu_miner"`
}

type hashFaultJSON struct {
	Date     string `json:"date"`
	GPUMiner uint32 `json:"gpu_miner"`
}

const initialBestHash = ^uint64(0)

// Log is the mutex-serialized, file-backed document. Every mutation
// rewrites the whole file; there is no dedicated writer thread, matching
// the design's "mutations serialized under a mutex, not a dedicated
// thread" concurrency note.
type Log struct {
	mu   sync.Mutex
	path string
	doc  Document
}

// Open loads path if it exists, or starts from an empty document (with
// BestHash at its initial max value) if it doesn't exist or is corrupt —
// on corruption the bad file is logged and discarded, per §4.7.
func Open(path string) (*Log, error) {
	l := &Log{path: path, doc: Document{BestHash: initialBestHash}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		rlog.WithComponent("datalog").Warn("mining_data.json corrupt, resetting", "path", path, "error", err)
		return l, nil
	}
	if doc.BestHash == 0 {
		doc.BestHash = initialBestHash
	}
	l.doc = doc
	return l, nil
}

// persist rewrites the document via temp-file-then-rename. Caller must
// hold mu.
func (l *Log) persist() error {
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".mining_data-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, l.path)
}

// SuggestBestHash applies suggest_best_hash(v): BestHash becomes
// min(BestHash, v). Monotonically non-increasing, invariant 1.
func (l *Log) SuggestBestHash(v uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v >= l.doc.BestHash {
		return nil
	}
	l.doc.BestHash = v
	l.doc.BestHashDate = time.Now().UTC().Format(time.RFC3339)
	return l.persist()
}

// ResetBestHash sets BestHash back to its initial maximum.
func (l *Log) ResetBestHash() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.BestHash = initialBestHash
	l.doc.BestHashDate = ""
	return l.persist()
}

// BestHash returns the current best hash value.
func (l *Log) BestHash() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.BestHash
}

// RecordSolution appends a solution record.
func (l *Log) RecordSolution(r work.SolutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.Solutions = append(l.doc.Solutions, solutionJSON{
		Date:     r.Date.UTC().Format(time.RFC3339),
		Block:    r.Block,
		State:    r.State.String(),
		Stale:    r.Stale,
		GPUMiner: r.MinerID,
	})
	return l.persist()
}

// RetrieveSolutions returns the current solutions list in insertion
// order; if clear is true, the key is emptied and persisted.
func (l *Log) RetrieveSolutions(clear bool) ([]work.SolutionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]work.SolutionRecord, 0, len(l.doc.Solutions))
	for _, s := range l.doc.Solutions {
		out = append(out, fromSolutionJSON(s))
	}
	if clear && len(l.doc.Solutions) > 0 {
		l.doc.Solutions = nil
		if err := l.persist(); err != nil {
			return out, err
		}
	}
	return out, nil
}

func fromSolutionJSON(s solutionJSON) work.SolutionRecord {
	t, _ := time.Parse(time.RFC3339, s.Date)
	state := work.Accepted
	switch s.State {
	case "Rejected":
		state = work.Rejected
	case "Failed":
		state = work.Failed
	}
	return work.SolutionRecord{Date: t, Block: s.Block, State: state, Stale: s.Stale, MinerID: s.GPUMiner}
}

// RecordCloseHit appends a close-hit record.
func (l *Log) RecordCloseHit(c work.CloseHit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.CloseHits = append(l.doc.CloseHits, closeHitJSON{
		Date:     c.Date.UTC().Format(time.RFC3339),
		CloseHit: c.Value,
		Work:     c.WorkAgeSec,
		GPUMiner: c.MinerID,
	})
	return l.persist()
}

// RetrieveCloseHits returns close-hit records, optionally clearing them.
func (l *Log) RetrieveCloseHits(clear bool) ([]work.CloseHit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]work.CloseHit, 0, len(l.doc.CloseHits))
	for _, c := range l.doc.CloseHits {
		t, _ := time.Parse(time.RFC3339, c.Date)
		out = append(out, work.CloseHit{Date: t, Value: c.CloseHit, WorkAgeSec: c.Work, MinerID: c.GPUMiner})
	}
	if clear && len(l.doc.CloseHits) > 0 {
		l.doc.CloseHits = nil
		if err := l.persist(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// RecordHashFault appends a hash-fault record.
func (l *Log) RecordHashFault(f work.HashFault) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.HashFaults = append(l.doc.HashFaults, hashFaultJSON{
		Date:     f.Date.UTC().Format(time.RFC3339),
		GPUMiner: f.MinerID,
	})
	return l.persist()
}

// RetrieveHashFaults returns hash-fault records, optionally clearing them.
func (l *Log) RetrieveHashFaults(clear bool) ([]work.HashFault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]work.HashFault, 0, len(l.doc.HashFaults))
	for _, f := range l.doc.HashFaults {
		t, _ := time.Parse(time.RFC3339, f.Date)
		out = append(out, work.HashFault{Date: t, MinerID: f.GPUMiner})
	}
	if clear && len(l.doc.HashFaults) > 0 {
		l.doc.HashFaults = nil
		if err := l.persist(); err != nil {
			return out, err
		}
	}
	return out, nil
}

// SolutionCount, CloseHitCount, HashFaultCount are O(1) counts over the
// in-memory tree, per §4.7.
func (l *Log) SolutionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.Solutions)
}

func (l *Log) CloseHitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.CloseHits)
}

func (l *Log) HashFaultCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.doc.HashFaults)
}

// SetBalanceSnapshot overwrites the denormalized last-known balance/peer
// count fields used to serve Telemetry's account_balance/peer_count
// commands before the first SoloDriver push (supplemented feature, see
// SPEC_FULL.md).
func (l *Log) SetBalanceSnapshot(balanceWei string, peerCount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.doc.LastBalance = balanceWei
	l.doc.LastPeerCount = peerCount
	return l.persist()
}

// BalanceSnapshot returns the last persisted balance/peer count.
func (l *Log) BalanceSnapshot() (balanceWei string, peerCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.LastBalance, l.doc.LastPeerCount
}
