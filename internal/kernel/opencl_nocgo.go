//go:build !opencl || !cgo
// +build !opencl !cgo

package kernel

import (
	"fmt"
	"time"
)

// NewOpenCLEngine is a stub used whenever the opencl+cgo build tags are
// absent. It always returns a nil engine and an error, so a cgo-disabled
// build still links and callers that probe OpenCL get a plain error back.
func NewOpenCLEngine(platform int, deviceList []int) (*OpenCLEngine, error) {
	return nil, fmt.Errorf("opencl backend not available (built without opencl+cgo tags)")
}

// OpenCLEngine is an empty placeholder type so callers can reference it by
// name even in builds where the real implementation isn't compiled in.
type OpenCLEngine struct{}

func (e *OpenCLEngine) Devices() []Device { return nil }

func (e *OpenCLEngine) Precompute(state PartialState) (BatchHandle, error) {
	return 0, ErrNoDevices
}

func (e *OpenCLEngine) Launch(h BatchHandle, globalSize, localSize int) error {
	return ErrNoDevices
}

func (e *OpenCLEngine) Wait(h BatchHandle) (CandidateBatch, time.Duration, error) {
	return CandidateBatch{}, 0, ErrNoDevices
}

func (e *OpenCLEngine) Release(h BatchHandle) {}

func (e *OpenCLEngine) Close() error { return nil }
