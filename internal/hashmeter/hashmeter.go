// Package hashmeter implements the per-miner hash-rate estimator: a
// windowed exponential moving average plus a change-detector used to gate
// telemetry pushes. Grounded on the sliding-window rate tracking in
// kangaroo-exccd's cpuminer speedMonitor, reshaped from a one-hour list of
// timestamps into a fixed-N EMA per the smoothing contract this miner
// needs (short ~700ms windows rather than hourly buckets).
package hashmeter

import (
	"sync"
	"time"
)

// smoothingN is the EMA window count (N=4 => alpha = 2/(N+1) = 0.4).
const smoothingN = 4

const alpha = 2.0 / (smoothingN + 1)

// minWindow is the minimum wall-clock span a window must cover before its
// instantaneous rate is folded into the average.
const minWindow = 700 * time.Millisecond

// Meter tracks one miner's hash rate as an exponential moving average of
// per-window instantaneous rates, in MH/s.
type Meter struct {
	mu sync.Mutex

	windowStart  time.Time
	windowHashes uint64
	settledBatch bool

	ema       float64
	haveEMA   bool
	discard   int // settled batches left to discard after a work-change (accelerator warm-up)
	lastDelta float64
}

// New returns a Meter with no samples yet; Rate() returns 0 until the first
// window settles.
func New() *Meter {
	return &Meter{windowStart: time.Time{}}
}

// ResetForNewWork clears the current window and arms the two-batch discard
// used to hide accelerator queue warm-up latency right after a work change.
func (m *Meter) ResetForNewWork() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowStart = time.Time{}
	m.windowHashes = 0
	m.discard = 2
}

// AddBatch folds hashes computed hashes into the current window. settled
// marks that a kernel batch actually completed (the window needs at least
// one settled batch in addition to the time floor).
func (m *Meter) AddBatch(hashes uint64, settled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowHashes += hashes
	if settled && m.discard > 0 {
		m.discard--
		m.windowStart = now
		m.windowHashes = 0
		m.settledBatch = false
		return
	}
	if settled {
		m.settledBatch = true
	}

	elapsed := now.Sub(m.windowStart)
	if elapsed < minWindow || !m.settledBatch {
		return
	}

	instantaneous := float64(m.windowHashes) / elapsed.Seconds() / 1e6 // MH/s

	m.windowStart = now
	m.windowHashes = 0
	m.settledBatch = false

	if !m.haveEMA {
		m.ema = instantaneous
		m.haveEMA = true
		return
	}
	m.ema = alpha*instantaneous + (1-alpha)*m.ema
}

// Rate returns the current EMA in MH/s, or 0 if no window has settled yet.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveEMA {
		return 0
	}
	return m.ema
}

// DeltaExceeded reports whether the rate has moved by at least delta since
// the last time this method returned true, atomically updating the
// comparison snapshot when it does. Used by Telemetry's on-change rate
// model (§4.8 in the design).
func (m *Meter) DeltaExceeded(delta float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveEMA {
		return false
	}
	diff := m.ema - m.lastDelta
	if diff < 0 {
		diff = -diff
	}
	if diff >= delta {
		m.lastDelta = m.ema
		return true
	}
	return false
}

// Aggregate sums the rates of a set of per-miner meters, the Farm-wide
// hash rate.
func Aggregate(meters []*Meter) float64 {
	var total float64
	for _, m := range meters {
		total += m.Rate()
	}
	return total
}
