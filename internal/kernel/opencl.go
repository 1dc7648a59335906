//go:build opencl && cgo
// +build opencl,cgo

// Package kernel, OpenCL backend. Compiled only with the opencl and cgo
// build tags. Build: compile the vendor OpenCL kernel source named by the
// [Kernel] SrcFolder/SrcFile config keys, then
// CGO_ENABLED=1 go build -tags opencl ./...
//
// Grounded on client/opencl.go's cgo shim shape (detect via clinfo/
// rocm-smi, a single opencl_mine entry point, CPU fallback on error).
package kernel

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unsafe"
)

// #cgo linux CFLAGS: -I/opt/rocm/opencl/include -I/usr/include
// #cgo linux LDFLAGS: ${SRCDIR}/search.o -L/opt/rocm/opencl/lib -lOpenCL
// #include <stdint.h>
// #include <stdbool.h>
// extern int opencl_launch(
//     const uint8_t* challenge, const uint8_t* sender, const uint8_t* nonce_base,
//     int global_size, int local_size,
//     uint64_t* out_lanes, int* out_count
// );
import "C"

// OpenCLEngine drives one or more OpenCL devices through the vendor
// kernel. Falls back to the CPU engine when no device was detected; a
// failed launch is returned to the caller as an error.
type OpenCLEngine struct {
	mu      sync.Mutex
	devices []Device
	cpu     *CPUEngine
	batches map[BatchHandle]PartialState
	next    BatchHandle
}

// NewOpenCLEngine probes for OpenCL devices via clinfo, the same
// shell-out detection client/opencl.go uses, and always keeps a CPU engine
// on hand as fallback.
func NewOpenCLEngine(platform int, deviceList []int) (*OpenCLEngine, error) {
	e := &OpenCLEngine{cpu: NewCPUEngine(), batches: make(map[BatchHandle]PartialState)}
	e.devices = detectOpenCLDevices()
	return e, nil
}

func detectOpenCLDevices() []Device {
	var devices []Device
	out, err := exec.Command("clinfo", "--raw").CombinedOutput()
	if err != nil {
		return devices
	}
	idx := 0
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "CL_DEVICE_NAME") {
			devices = append(devices, Device{ID: idx, Name: strings.TrimSpace(line), Backend: BackendOpenCL})
			idx++
		}
	}
	return devices
}

func (e *OpenCLEngine) Devices() []Device {
	if len(e.devices) == 0 {
		return e.cpu.Devices()
	}
	return e.devices
}

func (e *OpenCLEngine) Precompute(state PartialState) (BatchHandle, error) {
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

func (e *OpenCLEngine) Launch(h BatchHandle, globalSize, localSize int) error {
	if len(e.devices) == 0 {
		return e.cpu.Launch(h, globalSize, localSize)
	}
	return nil
}

func (e *OpenCLEngine) Wait(h BatchHandle) (CandidateBatch, time.Duration, error) {
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
	ret := C.opencl_launch(
		(*C.uint8_t)(unsafe.Pointer(&state.Challenge[0])),
		(*C.uint8_t)(unsafe.Pointer(&state.Sender[0])),
		(*C.uint8_t)(unsafe.Pointer(&state.NonceBase[0])),
		C.int(1<<20), C.int(256),
		(*C.uint64_t)(unsafe.Pointer(&lanes[0])), &count,
	)
	elapsed := time.Since(start)
	if ret != 0 {
		return CandidateBatch{}, elapsed, fmt.Errorf("opencl launch failed: code %d", ret)
	}

	n := int(count)
	result := make([]CandidateLane, n)
	for i := 0; i < n; i++ {
		result[i] = CandidateLane(lanes[i])
	}
	return CandidateBatch{Count: n, Lanes: result}, elapsed, nil
}

func (e *OpenCLEngine) Release(h BatchHandle) {
	if len(e.devices) == 0 {
		e.cpu.Release(h)
		return
	}
	e.mu.Lock()
	delete(e.batches, h)
	e.mu.Unlock()
}

func (e *OpenCLEngine) Close() error { return e.cpu.Close() }
