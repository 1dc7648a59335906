//go:build cuda && cgo
// +build cuda,cgo

// Package kernel, CUDA backend. Compiled only with the cuda and cgo build
// tags. Build: nvcc-compile the vendor kernel, then
// CGO_ENABLED=1 go build -tags cuda ./...
//
// Grounded on client/cuda.go's cgo shim (nvidia-smi detection, single
// cuda_mine/cuda_launch entry point, CPU fallback on error).
package kernel

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unsafe"
)

// #cgo linux CFLAGS: -I/usr/local/cuda/include
// #cgo linux LDFLAGS: ${SRCDIR}/search.o -L/usr/local/cuda/lib64 -lcuda -lcudart
// #include <stdint.h>
// extern int cuda_launch(
//     const uint8_t* challenge, const uint8_t* sender, const uint8_t* nonce_base,
//     int global_size, int local_size,
//     uint64_t* out_lanes, int* out_count
// );
import "C"

// CUDAEngine drives NVIDIA devices through the vendor kernel, falling back
// to the CPU engine when no device was detected; a failed launch is
// returned to the caller as an error.
type CUDAEngine struct {
	mu      sync.Mutex
	devices []Device
	cpu     *CPUEngine
	batches map[BatchHandle]PartialState
	next    BatchHandle
}

// NewCUDAEngine detects NVIDIA devices via nvidia-smi, the same approach
// client/cuda.go uses.
func NewCUDAEngine(deviceList []int) (*CUDAEngine, error) {
	e := &CUDAEngine{cpu: NewCPUEngine(), batches: make(map[BatchHandle]PartialState)}
	e.devices = detectCUDADevices()
	return e, nil
}

func detectCUDADevices() []Device {
	var devices []Device
	out, err := exec.Command("nvidia-smi", "--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits").CombinedOutput()
	if err != nil {
		return devices
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		devices = append(devices, Device{
			Name:    "NVIDIA " + strings.TrimSpace(parts[1]),
			Backend: BackendCUDA,
		})
	}
	return devices
}

func (e *CUDAEngine) Devices() []Device {
	if len(e.devices) == 0 {
		return e.cpu.Devices()
	}
	return e.devices
}

func (e *CUDAEngine) Precompute(state PartialState) (BatchHandle, error) {
	if len(e.devices) == 0 {
		return e.cpu.Precompute(state)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	h := e.next
	e.batches[h] = state
	return h, nil
}

func (e *CUDAEngine) Launch(h BatchHandle, globalSize, localSize int) error {
	if len(e.devices) == 0 {
		return e.cpu.Launch(h, globalSize, localSize)
	}
	return nil
}

func (e *CUDAEngine) Wait(h BatchHandle) (CandidateBatch, time.Duration, error) {
	if len(e.devices) == 0 {
		return e.cpu.Wait(h)
	}

	e.mu.Lock()
	state, ok := e.batches[h]
	delete(e.batches, h)
	e.mu.Unlock()
	if !ok {
		return CandidateBatch{}, 0, ErrNoDevices
	}

	start := time.Now()
	lanes := make([]uint64, 63)
	var count C.int
	ret := C.cuda_launch(
		(*C.uint8_t)(unsafe.Pointer(&state.Challenge[0])),
		(*C.uint8_t)(unsafe.Pointer(&state.Sender[0])),
		(*C.uint8_t)(unsafe.Pointer(&state.NonceBase[0])),
		C.int(1<<20), C.int(256),
		(*C.uint64_t)(unsafe.Pointer(&lanes[0])), &count,
	)
	elapsed := time.Since(start)
	if ret != 0 {
		return CandidateBatch{}, elapsed, fmt.Errorf("cuda launch failed: code %d", ret)
	}

	n := int(count)
	result := make([]CandidateLane, n)
	for i := 0; i < n; i++ {
		result[i] = CandidateLane(lanes[i])
	}
	return CandidateBatch{Count: n, Lanes: result}, elapsed, nil
}

func (e *CUDAEngine) Release(h BatchHandle) {
	if len(e.devices) == 0 {
		e.cpu.Release(h)
		return
	}
	e.mu.Lock()
	delete(e.batches, h)
	e.mu.Unlock()
}

func (e *CUDAEngine) Close() error { return e.cpu.Close() }
