// Package work defines the data types shared by the Farm, every Miner, and
// the two work-source drivers: the work package miners search against, the
// solutions they produce, and the bookkeeping types derived from them.
package work

import (
	"math/big"
	"sync"
	"time"
)

// Hash32 is a 32-byte big-endian value: a challenge, a target, or a nonce.
type Hash32 [32]byte

// Address20 is a 20-byte account address, the "sender" half of the hash
// preimage.
type Address20 [20]byte

// Big returns v interpreted as a big-endian unsigned integer.
func (h Hash32) Big() *big.Int {
	return new(big.Int).SetBytes(h[:])
}

// Upper64 returns the top 8 bytes of h as a uint64, the compact form used
// for BestHash, CloseHit, and most telemetry/log display.
func (h Hash32) Upper64() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(h[i])
	}
	return v
}

// laneLo and laneHi bound the 8-byte work-item index window within a
// nonce: bytes [12:20), little-endian (design §4.3 step 3: "reconstruct
// the full 32-byte nonce by overwriting bytes [12..20) with soln
// (little-endian)"). The surrounding 24 bytes are random padding fixed
// for a batch (or, in linear mode, for the whole work package).
const (
	laneLo = 12
	laneHi = 20
)

// LaneIndex returns the 8-byte work-item index window of h (bytes
// [12:20), little-endian) — the portion of a nonce the kernel varies
// per lane, and the portion linear mode increments per batch.
func (h Hash32) LaneIndex() uint64 {
	var v uint64
	for i := laneHi - 1; i >= laneLo; i-- {
		v = v<<8 | uint64(h[i])
	}
	return v
}

// SetLaneIndex overwrites h's 8-byte work-item index window (bytes
// [12:20), little-endian) with v, leaving the rest of h untouched.
func (h *Hash32) SetLaneIndex(v uint64) {
	for i := laneLo; i < laneHi; i++ {
		h[i] = byte(v)
		v >>= 8
	}
}

// diffNumerator is 2^234, the constant the classic 0xBitcoin family uses to
// turn a target into a display difficulty (spec: difficulty ≈ 2^234/target).
var diffNumerator = new(big.Int).Lsh(big.NewInt(1), 234)

// DifficultyFromTarget computes the denormalized display difficulty for a
// target. Returns 0 for a zero target (no valid work).
func DifficultyFromTarget(target Hash32) uint64 {
	t := target.Big()
	if t.Sign() == 0 {
		return 0
	}
	d := new(big.Int).Div(diffNumerator, t)
	if !d.IsUint64() {
		return ^uint64(0)
	}
	return d.Uint64()
}

// Package is an immutable work package: a challenge and target to mine
// against, published atomically by a driver and superseded wholesale by the
// next one. Version distinguishes otherwise-identical packages so miners can
// detect "new work arrived" without comparing byte slices.
type Package struct {
	Challenge   Hash32
	Target      Hash32
	Difficulty  uint64
	Sender      Address20
	BlockNumber uint32 // solo only; advisory, 0 for pool work
	Version     uint64
	PublishedAt time.Time
}

// IsSolution reports whether hash is a winning solution against pkg's
// target: hash < target.
func (p Package) IsSolution(hash Hash32) bool {
	return hash.Big().Cmp(p.Target.Big()) < 0
}

// Empty reports whether p is the zero/paused work package (published when a
// driver wants mining to idle without a real challenge, e.g. after
// exhausting retries with no failover configured).
func (p Package) Empty() bool {
	return p.Challenge == Hash32{} && p.Target == Hash32{}
}

// Equal reports whether two packages carry the same challenge, target, and
// sender — used by Farm.SetWork to make republishing the same package a
// no-op per the idempotence requirement.
func (p Package) Equal(o Package) bool {
	return p.Challenge == o.Challenge && p.Target == o.Target && p.Sender == o.Sender
}

// Solution is a candidate a Miner believes satisfies some (recent) work
// package's target. ForChallenge pins the verification result to the
// package version that was active when the nonce was found, so a solution
// found just before new work arrives still carries its original challenge
// through Farm.SubmitProof and out to the driver.
type Solution struct {
	Nonce        Hash32
	Hash         Hash32
	MinerID      uint32
	ForChallenge Hash32
	ForVersion   uint64
}

// Outcome is the upstream disposition of a submitted solution.
type Outcome int

const (
	Accepted Outcome = iota
	Rejected
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// SolutionRecord is a Solution plus its disposition, the durable form
// written to DataLog.Solutions.
type SolutionRecord struct {
	Date        time.Time
	Block       uint32
	State       Outcome
	Stale       bool
	MinerID     uint32
}

// CloseHit is a near-miss hash: it cleared a configurable display threshold
// but not the real target. Used purely as a liveness signal for telemetry.
type CloseHit struct {
	Date       time.Time
	Value      uint64 // upper64 of the near-miss hash
	WorkAgeSec float64
	MinerID    uint32
}

// HashFault is recorded when a device-reported candidate fails host
// re-verification, indicating a device computation error.
type HashFault struct {
	Date    time.Time
	MinerID uint32
}

// NonceSpaceTracker records 64-bit random-mode start indices already
// claimed during the current work package, so concurrent miners in
// "random" nonce-generation mode never collide (invariant 8 in the
// testable-properties list: no two miners consume the same index within a
// package). Cleared wholesale on every new work package.
type NonceSpaceTracker struct {
	mu      sync.Mutex
	claimed map[uint64]struct{}
}

// NewNonceSpaceTracker returns an empty tracker.
func NewNonceSpaceTracker() *NonceSpaceTracker {
	return &NonceSpaceTracker{claimed: make(map[uint64]struct{})}
}

// Claim attempts to reserve idx. Returns false if idx was already claimed
// this work package (caller should draw a new random index and retry).
func (t *NonceSpaceTracker) Claim(idx uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.claimed[idx]; ok {
		return false
	}
	t.claimed[idx] = struct{}{}
	return true
}

// Reset clears all claims, called when a new work package is published.
func (t *NonceSpaceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claimed = make(map[uint64]struct{})
}
