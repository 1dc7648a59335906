//go:build !cuda || !cgo
// +build !cuda !cgo

package kernel

import (
	"fmt"
	"time"
)

// NewCUDAEngine is a stub used whenever the cuda+cgo build tags are
// absent, mirroring client/cuda_nocgo.go's always-unavailable contract.
func NewCUDAEngine(deviceList []int) (*CUDAEngine, error) {
	return nil, fmt.Errorf("cuda backend not available (built without cuda+cgo tags)")
}

// CUDAEngine is an empty placeholder type for cgo-disabled builds.
type CUDAEngine struct{}

func (e *CUDAEngine) Devices() []Device { return nil }

func (e *CUDAEngine) Precompute(state PartialState) (BatchHandle, error) {
	return 0, ErrNoDevices
}

func (e *CUDAEngine) Launch(h BatchHandle, globalSize, localSize int) error {
	return ErrNoDevices
}

func (e *CUDAEngine) Wait(h BatchHandle) (CandidateBatch, time.Duration, error) {
	return CandidateBatch{}, 0, ErrNoDevices
}

func (e *CUDAEngine) Release(h BatchHandle) {}

func (e *CUDAEngine) Close() error { return nil }
