// Package miner implements the per-device search worker (C3): a kernel
// pipeline with double-buffered batches, cooperative throttling, host-side
// candidate verification, and solution submission. Grounded on the
// worker-goroutine-per-device shape of kangaroo-exccd's cpuminer
// (miningWorkerController / generateBlocks), adapted from its
// single-shared-job model to per-miner double buffering and
// throttle-gated pacing.
package miner

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/hashmeter"
	"github.com/0xbitcoin/tokenminer/internal/kernel"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
	"github.com/0xbitcoin/tokenminer/internal/throttle"
	"github.com/0xbitcoin/tokenminer/internal/work"
	"github.com/0xbitcoin/tokenminer/internal/xhash"
)

// BufCount is the maximum number of kernel batches in flight per miner
// (design §4.3: "at most BUF_COUNT=2 kernel batches in flight").
const BufCount = 2

// NonceMode selects how a miner picks each batch's starting nonce.
type NonceMode string

const (
	NonceLinear NonceMode = "linear"
	NonceRandom NonceMode = "random"
)

// EventSink is the set of callbacks a Miner reports through. Farm
// implements this; Miner holds only this narrow interface rather than a
// back-reference to *Farm, which avoids the Farm<->Miner import cycle the
// source's mutual-pointer ownership would otherwise require (see
// SPEC_FULL.md design notes).
type EventSink interface {
	SubmitProof(s work.Solution) bool
	FeedHashes(minerID uint32, n uint64)
	SuggestBestHash(upper64 uint64)
	ReportHashFault(minerID uint32)
	ReportCloseHit(c work.CloseHit)
	CloseHitThreshold() (threshold uint64, enabled bool)
}

// Snapshot is the read-only copy of a miner's state telemetry and the
// dashboard read, satisfying the "readers copy under short locks"
// discipline from the concurrency model.
type Snapshot struct {
	MinerID          uint32
	HashRateMHs      float64
	CurrentSample    uint64
	BestHash         uint64
	ThrottlePercent  int
	TemperatureC     float64
	FanRPM           uint32
	HashFaultsSession uint64
}

// Miner drives one accelerator device's search loop.
type Miner struct {
	id     uint32
	engine kernel.SearchEngine
	device kernel.Device
	temp   kernel.TempProvider
	pid    *throttle.Controller
	meter  *hashmeter.Meter
	sink   EventSink
	tracker *work.NonceSpaceTracker
	mode   NonceMode

	localWorkSize  int
	workMultiplier int

	log *slog.Logger

	mu         sync.Mutex
	current    work.Package
	haveWork   bool
	version    uint64

	pausedFlag atomic.Bool
	wakeCh     chan struct{}
	doneCh     chan struct{}

	throttlePercent atomic.Int32
	bestHash        atomic.Uint64
	currentSample   atomic.Uint64
	hashFaults      atomic.Uint64
	lastKernelMS    atomic.Int64

	tempMu  sync.Mutex
	tempC   float64
	fanRPM  uint32
}

const initialBestHash = ^uint64(0)

// Config bundles a Miner's fixed construction parameters.
type Config struct {
	ID             uint32
	Engine         kernel.SearchEngine
	Device         kernel.Device
	TempProvider   kernel.TempProvider
	PID            *throttle.Controller
	Sink           EventSink
	Tracker        *work.NonceSpaceTracker
	Mode           NonceMode
	LocalWorkSize  int
	WorkMultiplier int
}

// New constructs a Miner in the idle state; callers must call Run in a
// goroutine to start its search loop.
func New(cfg Config) *Miner {
	m := &Miner{
		id:             cfg.ID,
		engine:         cfg.Engine,
		device:         cfg.Device,
		temp:           cfg.TempProvider,
		pid:            cfg.PID,
		meter:          hashmeter.New(),
		sink:           cfg.Sink,
		tracker:        cfg.Tracker,
		mode:           cfg.Mode,
		localWorkSize:  cfg.LocalWorkSize,
		workMultiplier: cfg.WorkMultiplier,
		log:            rlog.WithComponent("miner").With("miner_id", cfg.ID),
		wakeCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}
	m.bestHash.Store(initialBestHash)
	if m.localWorkSize == 0 {
		m.localWorkSize = 256
	}
	if m.workMultiplier == 0 {
		m.workMultiplier = 4096
	}
	return m
}

// ID returns this miner's index.
func (m *Miner) ID() uint32 { return m.id }

func (m *Miner) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// SetWork atomically swaps the current work package. Forbidden to call
// from the search loop itself (design §4.3). Waking an idle miner or
// interrupting an active search are both expressed as the same wake
// signal; the search loop re-reads m.current on every wake.
func (m *Miner) SetWork(pkg work.Package) {
	m.mu.Lock()
	m.current = pkg
	m.haveWork = true
	m.version++
	m.mu.Unlock()
	m.meter.ResetForNewWork()
	m.wake()
}

func (m *Miner) loadWork() (work.Package, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.version, m.haveWork
}

// Pause requests the search loop abort its current batch and return to
// idle, draining any in-flight kernel launches first. It is safe to call
// repeatedly.
func (m *Miner) Pause() {
	m.pausedFlag.Store(true)
	m.wake()
}

// Resume clears a pending Pause and wakes the loop so searching restarts
// on the current work package immediately, not just on the next SetWork.
func (m *Miner) Resume() {
	m.pausedFlag.Store(false)
	m.wake()
}

// SetPIDGains updates this miner's PID tuning constants at runtime
// (Farm.tune_pid).
func (m *Miner) SetPIDGains(kp, ki, kd float64) {
	m.pid.SetGains(throttle.Gains{Kp: kp, Ki: ki, Kd: kd})
}

// SetPIDSetpoint updates this miner's PID setpoint and shutdown window
// (Farm.thermal_protection).
func (m *Miner) SetPIDSetpoint(celsiusC, shutdownSeconds float64) {
	m.pid.SetSetpointAndShutdown(celsiusC, shutdownSeconds)
}

// SetThrottle sets the advisory throttle percent, effective on the next
// loop iteration.
func (m *Miner) SetThrottle(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	m.throttlePercent.Store(int32(percent))
}

// CurrentHashSample returns the opaque UI sample (the upper64 of the most
// recent verified candidate hash, win or lose).
func (m *Miner) CurrentHashSample() uint64 { return m.currentSample.Load() }

// BestHash returns this miner's lifetime-minimum upper64 hash value.
func (m *Miner) BestHash() uint64 { return m.bestHash.Load() }

// reportedHash folds a candidate's upper64 value into the running best
// hash (monotonically non-increasing, the same invariant Farm's
// aggregate BestHash keeps at the process level).
func (m *Miner) reportedHash(upper64 uint64) {
	for {
		cur := m.bestHash.Load()
		if upper64 >= cur {
			return
		}
		if m.bestHash.CompareAndSwap(cur, upper64) {
			return
		}
	}
}

// ResetBestHash resets this miner's best-hash tracking to its initial
// maximum.
func (m *Miner) ResetBestHash() { m.bestHash.Store(initialBestHash) }

// Temperature returns the last-read device temperature and fan RPM.
func (m *Miner) Temperature() (float64, uint32) {
	m.tempMu.Lock()
	defer m.tempMu.Unlock()
	return m.tempC, m.fanRPM
}

// HashRateMHs returns the EMA hash rate in MH/s.
func (m *Miner) HashRateMHs() float64 { return m.meter.Rate() }

// Snapshot copies the miner's current state for a telemetry or dashboard
// reader, the "readers copy under short locks" rule from the concurrency
// model.
func (m *Miner) Snapshot() Snapshot {
	t, fan := m.Temperature()
	return Snapshot{
		MinerID:           m.id,
		HashRateMHs:       m.HashRateMHs(),
		CurrentSample:     m.CurrentHashSample(),
		BestHash:          m.BestHash(),
		ThrottlePercent:   int(m.throttlePercent.Load()),
		TemperatureC:      t,
		FanRPM:            fan,
		HashFaultsSession: m.hashFaults.Load(),
	}
}

// Done returns a channel closed once Run has returned for good.
func (m *Miner) Done() <-chan struct{} { return m.doneCh }

// Run is the miner's outer loop: wait for work (or a wake signal), then
// search until paused, shut down, or superseded by newer work. It returns
// when ctx is cancelled.
func (m *Miner) Run(ctx context.Context) {
	defer close(m.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wakeCh:
		}

		if m.pausedFlag.Load() {
			continue
		}
		pkg, ver, ok := m.loadWork()
		if !ok || pkg.Empty() {
			continue
		}

		m.searchLoop(ctx, pkg, ver)
	}
}

// StartPIDLoop runs the PidThrottler tick at its fixed period for the
// lifetime of ctx, reading temperature from TempProvider and writing the
// resulting throttle to this miner. shutdown is invoked once if the
// controller declares thermal runaway.
func (m *Miner) StartPIDLoop(ctx context.Context, shutdown func(minerID uint32)) {
	ticker := time.NewTicker(throttle.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, fan, err := m.temp.Temperature(m.device.ID)
			if err != nil {
				m.log.Warn("temperature read failed", "error", err)
				continue
			}
			m.tempMu.Lock()
			m.tempC, m.fanRPM = c, fan
			m.tempMu.Unlock()

			u, runaway := m.pid.Tick(c)
			m.SetThrottle(u)
			if runaway {
				m.log.Error("thermal runaway detected, requesting shutdown", "temp_c", c)
				shutdown(m.id)
				return
			}
		}
	}
}

type pendingBatch struct {
	handle kernel.BatchHandle
	nonce  work.Hash32
}

// searchLoop implements design §4.3 steps 1-5 for one work package.
func (m *Miner) searchLoop(ctx context.Context, pkg work.Package, ver uint64) {
	var pending []pendingBatch
	drainCount := 0

	// Linear mode keeps the 24 nonce bytes outside the lane-index window
	// (bytes [12:20)) fixed for this work package and walks that 8-byte
	// counter by one global batch width per enqueue, starting from a
	// random offset (design §4.3 "Nonce generation modes").
	var linearBase work.Hash32
	var linearCounter uint64
	var linearSeeded bool

	superseded := func() bool {
		_, curVer, _ := m.loadWork()
		return curVer != ver
	}

	cleanup := func() {
		for _, b := range pending {
			m.engine.Release(b.handle)
		}
	}
	defer cleanup()

	for {
		if ctx.Err() != nil || m.pausedFlag.Load() || superseded() {
			return
		}

		// Step 1: throttle check.
		u := int(m.throttlePercent.Load())
		switch {
		case u >= 100:
			for _, b := range pending {
				m.engine.Release(b.handle)
			}
			pending = nil
			if !m.sleepThrottled(ctx, ver) {
				return
			}
			continue
		case u > 0:
			last := m.lastKernelMS.Load()
			sleepMS := int64(u) * last / int64(100-u)
			if sleepMS > 0 {
				t := time.NewTimer(time.Duration(sleepMS) * time.Millisecond)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}
		if ctx.Err() != nil || m.pausedFlag.Load() || superseded() {
			return
		}

		// Step 2: enqueue.
		if len(pending) < BufCount {
			globalSize := m.workMultiplier * m.localWorkSize
			var nonceBase work.Hash32
			var ok bool
			if m.mode == NonceLinear {
				if !linearSeeded {
					if _, err := rand.Read(linearBase[:]); err != nil {
						time.Sleep(time.Millisecond)
						continue
					}
					linearCounter = linearBase.LaneIndex()
					linearSeeded = true
				} else {
					linearCounter += uint64(globalSize)
				}
				nonceBase = linearBase
				nonceBase.SetLaneIndex(linearCounter)
				ok = true
			} else {
				nonceBase, ok = m.generateNonceBase()
			}
			if !ok {
				// random-mode collision storm; yield briefly and retry.
				time.Sleep(time.Millisecond)
				continue
			}
			state := kernel.PartialState{Challenge: pkg.Challenge, Sender: pkg.Sender, NonceBase: nonceBase}
			h, err := m.engine.Precompute(state)
			if err != nil {
				m.log.Error("precompute failed, aborting search", "error", err)
				return
			}
			if err := m.engine.Launch(h, globalSize, m.localWorkSize); err != nil {
				m.log.Error("kernel launch failed, aborting search", "error", err)
				m.engine.Release(h)
				return
			}
			pending = append(pending, pendingBatch{handle: h, nonce: nonceBase})
			continue
		}

		// Step 3: drain.
		front := pending[0]
		pending = pending[1:]
		batch, elapsed, err := m.engine.Wait(front.handle)
		if err != nil {
			m.log.Error("kernel wait failed, aborting search", "error", err)
			return
		}
		m.lastKernelMS.Store(elapsed.Milliseconds())

		workPerBatch := uint64(m.workMultiplier * m.localWorkSize)
		drainCount++
		m.meter.AddBatch(workPerBatch, true)
		if drainCount%2 == 0 {
			m.sink.FeedHashes(m.id, workPerBatch)
		}

		for _, lane := range batch.Lanes {
			nonce := front.nonce
			nonce.SetLaneIndex(uint64(lane))
			m.verifyAndSubmit(pkg, ver, nonce)
		}
		m.engine.Release(front.handle)

		// Step 5 (loop top re-checks pause/shutdown/superseded).
	}
}

// verifyAndSubmit implements design §4.3 step 4.
func (m *Miner) verifyAndSubmit(pkg work.Package, ver uint64, nonce work.Hash32) {
	h := xhash.Keccak256_0xBitcoin(pkg.Challenge, pkg.Sender, nonce)
	upper := h.Upper64()
	m.currentSample.Store(upper)
	m.reportedHash(upper)
	m.sink.SuggestBestHash(upper)

	if pkg.IsSolution(h) {
		m.sink.SubmitProof(work.Solution{
			Nonce:        nonce,
			Hash:         h,
			MinerID:      m.id,
			ForChallenge: pkg.Challenge,
			ForVersion:   ver,
		})
		return
	}

	if threshold, enabled := m.sink.CloseHitThreshold(); enabled && upper < threshold {
		m.sink.ReportCloseHit(work.CloseHit{
			Value:   upper,
			MinerID: m.id,
		})
		return
	}

	// The accelerator flagged this lane as a candidate but it cleared
	// neither the real target nor the close-hit display threshold —
	// treat it as a device computation error (design §4.3 step 4).
	m.hashFaults.Add(1)
	m.sink.ReportHashFault(m.id)
}

// sleepThrottled implements the u=100 sleep-in-100ms-increments path,
// bailing out early on shutdown, pause, or new work.
func (m *Miner) sleepThrottled(ctx context.Context, ver uint64) bool {
	for {
		if ctx.Err() != nil || m.pausedFlag.Load() {
			return false
		}
		if _, curVer, _ := m.loadWork(); curVer != ver {
			return false
		}
		t := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		if int(m.throttlePercent.Load()) < 100 {
			return true
		}
	}
}

// generateNonceBase produces the 256-bit nonce base for the next batch
// per the configured NonceMode.
func (m *Miner) generateNonceBase() (work.Hash32, bool) {
	var base work.Hash32
	if _, err := rand.Read(base[:]); err != nil {
		return base, false
	}

	if m.mode == NonceRandom {
		if !m.tracker.Claim(base.LaneIndex()) {
			return base, false
		}
	}
	return base, true
}
