// Package kernel defines the boundary between the Miner's search loop and
// the accelerator-specific kernel sources, which are explicitly out of
// scope for this module (spec: "the OpenCL/CUDA kernel sources themselves
// ... treated as external collaborators"). Grounded on the
// detect/Start/Stop/MineBlock shape of client/gpu.go, client/cuda.go, and
// client/opencl.go, generalized from their SHA-256 demo kernel to the
// precompute/launch/wait/release pipeline the design calls for.
package kernel

import (
	"errors"
	"time"
)

// Backend names the accelerator technology driving a Device.
type Backend string

const (
	BackendCPU    Backend = "cpu"
	BackendOpenCL Backend = "opencl"
	BackendCUDA   Backend = "cuda"
)

// Device describes one detected accelerator.
type Device struct {
	ID           int
	Name         string
	Backend      Backend
	MemoryBytes  uint64
	ComputeUnits int
}

// PartialState is the host-precomputed partial Keccak-f lanes over
// challenge||sender||nonce that don't depend on the per-workitem index —
// the constant the Farm-side precompute step hands to the kernel launch
// (design §4.3 step 2).
type PartialState struct {
	Challenge [32]byte
	Sender    [20]byte
	NonceBase [32]byte
}

// BatchHandle opaquely identifies one in-flight kernel launch.
type BatchHandle uint64

// CandidateLane is one 64-bit lane result read back from a batch's output
// buffer; the Miner reconstructs the full 32-byte nonce by overwriting
// bytes [12:20) of NonceBase with this value (little-endian), per §4.3
// step 3.
type CandidateLane uint64

// CandidateBatch is a drained batch's results: up to 63 lane hits, per the
// "header word is count (<=63)" output-buffer convention in the design.
type CandidateBatch struct {
	Count   int
	Lanes   []CandidateLane
}

// ErrNoDevices is returned by Launch/Precompute when the engine has no
// usable devices (e.g. a cgo-disabled build).
var ErrNoDevices = errors.New("kernel: no devices available")

// SearchEngine is what a Miner drives: precompute a batch's constant host
// state, launch it, wait for and drain results, and release the buffer.
// Two real backends (OpenCL, CUDA) satisfy this behind cgo+build-tag
// compiled files; a CPU fallback engine satisfies it with a pure-Go loop
// for hosts with no accelerator or no cgo toolchain.
type SearchEngine interface {
	Devices() []Device
	Precompute(state PartialState) (BatchHandle, error)
	Launch(h BatchHandle, globalSize, localSize int) error
	Wait(h BatchHandle) (CandidateBatch, time.Duration, error)
	Release(h BatchHandle)
	Close() error
}

// TempProvider abstracts the vendor thermal SDKs (ADL, NVML, SpeedFan) the
// design treats as external collaborators: given a device index, report
// temperature and fan speed.
type TempProvider interface {
	Temperature(device int) (celsiusC float64, fanRPM uint32, err error)
}
