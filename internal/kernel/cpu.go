package kernel

import (
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/0xbitcoin/tokenminer/internal/work"
)

// CPUEngine is the always-available SearchEngine fallback: a pure-Go
// Keccak loop over a bounded nonce range per launch. Used whenever no
// accelerator backend is compiled in (cgo disabled, or neither the opencl
// nor cuda build tag was set), mirroring the mineCPU fallback paths in
// client/cuda.go / client/opencl.go.
type CPUEngine struct {
	mu      sync.Mutex
	batches map[BatchHandle]cpuBatch
	next    BatchHandle
}

type cpuBatch struct {
	state PartialState
}

// NewCPUEngine returns a single pseudo-device CPU engine.
func NewCPUEngine() *CPUEngine {
	return &CPUEngine{batches: make(map[BatchHandle]cpuBatch)}
}

func (e *CPUEngine) Devices() []Device {
	return []Device{{ID: 0, Name: "CPU fallback", Backend: BackendCPU, ComputeUnits: 1}}
}

func (e *CPUEngine) Precompute(state PartialState) (BatchHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	h := e.next
	e.batches[h] = cpuBatch{state: state}
	return h, nil
}

// Launch is a no-op for the CPU engine: all the work happens in Wait,
// which is how a synchronous fallback naturally models the
// launch-then-wait split the accelerator backends need for overlap.
func (e *CPUEngine) Launch(h BatchHandle, globalSize, localSize int) error {
	e.mu.Lock()
	_, ok := e.batches[h]
	e.mu.Unlock()
	if !ok {
		return ErrNoDevices
	}
	return nil
}

func (e *CPUEngine) Wait(h BatchHandle) (CandidateBatch, time.Duration, error) {
	e.mu.Lock()
	b, ok := e.batches[h]
	e.mu.Unlock()
	if !ok {
		return CandidateBatch{}, 0, ErrNoDevices
	}

	start := time.Now()
	preimage := make([]byte, 0, 32+20+32)
	preimage = append(preimage, b.state.Challenge[:]...)
	preimage = append(preimage, b.state.Sender[:]...)

	// Scan a small deterministic lane range per launch; real kernels scan
	// millions of lanes per batch, but the CPU fallback only needs to keep
	// the pipeline alive, not be fast.
	const scanWidth = 4096
	var lanes []CandidateLane
	nonce := work.Hash32(b.state.NonceBase)
	base := nonce.LaneIndex()

	for i := uint64(0); i < scanWidth; i++ {
		lane := base + i
		full := nonce
		full.SetLaneIndex(lane)

		buf := make([]byte, 0, len(preimage)+32)
		buf = append(buf, preimage...)
		buf = append(buf, full[:]...)
		h := sha3.NewLegacyKeccak256()
		h.Write(buf)
		sum := h.Sum(nil)

		// Report every lane whose hash happens to start with a zero byte as
		// a "candidate" for the Miner to host-verify; this keeps the
		// fallback exercising the verify path without requiring it to find
		// a real network-difficulty solution.
		if sum[0] == 0 {
			lanes = append(lanes, CandidateLane(lane))
			if len(lanes) >= 63 {
				break
			}
		}
	}

	e.mu.Lock()
	delete(e.batches, h)
	e.mu.Unlock()

	return CandidateBatch{Count: len(lanes), Lanes: lanes}, time.Since(start), nil
}

func (e *CPUEngine) Release(h BatchHandle) {
	e.mu.Lock()
	delete(e.batches, h)
	e.mu.Unlock()
}

func (e *CPUEngine) Close() error { return nil }
