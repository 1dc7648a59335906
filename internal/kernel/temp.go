package kernel

import "math/rand"

// StubTempProvider is the default TempProvider: it has no vendor SDK
// bindings (ADL/NVML/SpeedFan are explicitly out of scope) and reports a
// plausible idle-to-load temperature curve so the PID loop and thermal
// tests have something to react to in the absence of real hardware.
type StubTempProvider struct {
	Baseline float64 // °C
	Jitter   float64 // +/- °C
}

// NewStubTempProvider returns a provider centered on baseline degrees.
func NewStubTempProvider(baseline float64) *StubTempProvider {
	return &StubTempProvider{Baseline: baseline, Jitter: 1.5}
}

func (p *StubTempProvider) Temperature(device int) (float64, uint32, error) {
	jitter := (rand.Float64()*2 - 1) * p.Jitter
	return p.Baseline + jitter, 2000, nil
}

// FixedTempProvider always reports the same reading; used by tests that
// need deterministic PID behavior (e.g. the shutdown scenario holding a
// steady 85°C).
type FixedTempProvider struct {
	CelsiusC float64
	FanRPM   uint32
}

func (p FixedTempProvider) Temperature(device int) (float64, uint32, error) {
	return p.CelsiusC, p.FanRPM, nil
}
