// Package farm implements the mining orchestrator (C4): owns the miner
// roster, distributes work packages, arbitrates solution submission,
// aggregates stats, and runs the telemetry event bus. Grounded on
// server/pool.go's MiningPool (mutex-protected roster + stats struct,
// context-based Shutdown, generateWork-style broadcast) reshaped from a
// server handling many remote miners into a single process owning local
// accelerator workers.
package farm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xbitcoin/tokenminer/internal/datalog"
	"github.com/0xbitcoin/tokenminer/internal/miner"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

// Driver is the upstream work source's submission half: Farm hands
// accepted nonces to it and gets back the outcome. SoloDriver and
// PoolDriver both satisfy this.
type Driver interface {
	Submit(ctx context.Context, s work.Solution) (outcome work.Outcome, stale bool, block uint32)
}

// Subscriber is the Telemetry component's event-bus slot set (design
// §4.4: "exactly zero or one subscriber per slot"). A nil field means no
// subscriber for that event; Farm falls through to DataLog in that case.
type Subscriber struct {
	OnSetWork       func(targetUpper64 uint64)
	OnBestHash      func(v uint64)
	OnCloseHit      func(c work.CloseHit)
	OnHashFault     func(minerID uint32)
	OnSolutionFound func(r work.SolutionRecord)
}

// Stats is the Farm-wide aggregate telemetry reads.
type Stats struct {
	HashRateMHs float64
	BestHash    uint64
	MinerCount  int
}

// Farm owns a fixed set of Miners for the process lifetime.
type Farm struct {
	log *slog.Logger

	mu      sync.RWMutex
	miners  []*miner.Miner
	current work.Package
	version uint64

	submitLock sync.Mutex // single-winner submit_proof arbitration

	driver  Driver
	datalog *datalog.Log

	subMu sync.RWMutex
	sub   Subscriber

	closeHitMu        sync.RWMutex
	closeHitThreshold uint64
	closeHitsEnabled  bool

	shutdown atomic.Bool

	tracker *work.NonceSpaceTracker
}

// New builds an empty Farm bound to driver and datalog. Miners are added
// with AddMiner before Start.
func New(driver Driver, dl *datalog.Log) *Farm {
	return &Farm{
		log:     rlog.WithComponent("farm"),
		driver:  driver,
		datalog: dl,
		tracker: work.NewNonceSpaceTracker(),
	}
}

// AddMiner registers a miner with the Farm. Must be called before Start.
func (f *Farm) AddMiner(m *miner.Miner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.miners = append(f.miners, m)
}

// Miners returns the registered miner roster (read-only use by callers
// such as Telemetry/dashboard snapshots).
func (f *Farm) Miners() []*miner.Miner {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*miner.Miner, len(f.miners))
	copy(out, f.miners)
	return out
}

// NonceTracker exposes the process-wide random-nonce dedup tracker so
// Miners constructed elsewhere can share it.
func (f *Farm) NonceTracker() *work.NonceSpaceTracker { return f.tracker }

// SetCloseHitPolicy configures the close-hit display threshold.
func (f *Farm) SetCloseHitPolicy(threshold uint64, enabled bool) {
	f.closeHitMu.Lock()
	defer f.closeHitMu.Unlock()
	f.closeHitThreshold = threshold
	f.closeHitsEnabled = enabled
}

// CloseHitThreshold implements miner.EventSink.
func (f *Farm) CloseHitThreshold() (uint64, bool) {
	f.closeHitMu.RLock()
	defer f.closeHitMu.RUnlock()
	return f.closeHitThreshold, f.closeHitsEnabled
}

// SetSubscriber installs (or clears, with a zero Subscriber) the
// Telemetry event-bus callbacks.
func (f *Farm) SetSubscriber(sub Subscriber) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	f.sub = sub
}

// Start launches each miner's search loop and PID ticker, run for the
// lifetime of ctx.
func (f *Farm) Start(ctx context.Context) {
	for _, m := range f.Miners() {
		go m.Run(ctx)
		go m.StartPIDLoop(ctx, f.onThermalRunaway)
	}
}

// Stop pauses every miner; used for a clean shutdown sequence distinct
// from cancelling ctx (which also tears down the PID loops).
func (f *Farm) Stop() {
	for _, m := range f.Miners() {
		m.Pause()
	}
}

// Shutdown reports whether the one-shot shutdown flag has been raised
// (thermal runaway), the signal Supervisor polls to know when to exit.
func (f *Farm) Shutdown() bool { return f.shutdown.Load() }

func (f *Farm) onThermalRunaway(minerID uint32) {
	f.log.Error("farm shutdown flag raised by thermal runaway", "miner_id", minerID)
	f.SignalShutdown()
}

// SignalShutdown raises the one-shot shutdown flag and pauses every
// miner. Idempotent; once raised the flag never clears.
func (f *Farm) SignalShutdown() {
	f.shutdown.Store(true)
	f.Stop()
}

// CurrentPackage returns the currently published work package and its
// version. Safe for concurrent miner reads; the pointer-publish discipline
// described in the concurrency model means this is effectively lock-free
// once work.Package is a value type copied out under a brief RLock.
func (f *Farm) CurrentPackage() (work.Package, uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current, f.version
}

// SetWork idempotently republishes a work package: identical packages
// (same challenge/target/sender) are a no-op; otherwise it replaces the
// current package under the writer lock, revs the version, broadcasts to
// every miner, clears the random-nonce tracker, and fires on_set_work.
func (f *Farm) SetWork(pkg work.Package) {
	f.mu.Lock()
	if f.current.Equal(pkg) {
		f.mu.Unlock()
		return
	}
	pkg.Version = f.version + 1
	pkg.PublishedAt = time.Now()
	f.current = pkg
	f.version = pkg.Version
	f.mu.Unlock()

	f.tracker.Reset()

	for _, m := range f.Miners() {
		m.SetWork(pkg)
	}

	f.log.Info("work package set", "target_upper64", pkg.Target.Upper64(), "difficulty", pkg.Difficulty, "version", pkg.Version)

	f.subMu.RLock()
	onSetWork := f.sub.OnSetWork
	f.subMu.RUnlock()
	if onSetWork != nil {
		onSetWork(pkg.Target.Upper64())
	}
}

// SubmitProof implements the single-winner arbitration rule (design
// §4.4, invariant 2): the first concurrent caller for a work package wins
// the non-blocking lock, pauses every other miner, and forwards the
// solution upstream. The lock stays held until the driver has answered,
// so later callers return false immediately and their solutions are
// dropped.
func (f *Farm) SubmitProof(s work.Solution) bool {
	if !f.submitLock.TryLock() {
		return false
	}

	for _, m := range f.Miners() {
		if m.ID() != s.MinerID {
			m.Pause()
		}
	}

	go f.forwardSubmission(s)
	return true
}

func (f *Farm) forwardSubmission(s work.Solution) {
	defer f.submitLock.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome, stale, block := f.driver.Submit(ctx, s)
	f.SolutionFound(work.SolutionRecord{
		Date:    time.Now(),
		Block:   block,
		State:   outcome,
		Stale:   stale,
		MinerID: s.MinerID,
	})

	// Resume every miner unconditionally. An older package may still be
	// in flight when a newer one arrives; gating this on the solution's
	// version would leave the losers of the arbitration paused forever
	// whenever a submission races a work-package change.
	for _, m := range f.Miners() {
		m.Resume()
	}
}

// SolutionFound is called back once the driver has a disposition for a
// submitted solution. It resets BestHash and routes the record to
// DataLog or Telemetry depending on subscription, per the "unsubscribed
// events fall through to DataLog" rule.
func (f *Farm) SolutionFound(r work.SolutionRecord) {
	f.ResetBestHash()

	f.subMu.RLock()
	onSolutionFound := f.sub.OnSolutionFound
	f.subMu.RUnlock()

	if onSolutionFound != nil {
		onSolutionFound(r)
		return
	}
	if f.datalog != nil {
		if err := f.datalog.RecordSolution(r); err != nil {
			f.log.Error("failed to persist solution", "error", err)
		}
	}
}

// SuggestBestHash implements miner.EventSink: every verified candidate's
// upper64 feeds the farm-wide minimum. DataLog keeps the monotone
// non-increasing record (improvements only) and, if subscribed,
// Telemetry is notified.
func (f *Farm) SuggestBestHash(v uint64) {
	if f.datalog != nil {
		if err := f.datalog.SuggestBestHash(v); err != nil {
			f.log.Error("failed to persist best hash", "error", err)
		}
	}
	f.subMu.RLock()
	onBestHash := f.sub.OnBestHash
	f.subMu.RUnlock()
	if onBestHash != nil {
		onBestHash(f.BestHash())
	}
}

// BestHash returns the process-wide minimum best hash observed.
func (f *Farm) BestHash() uint64 {
	if f.datalog != nil {
		return f.datalog.BestHash()
	}
	return ^uint64(0)
}

// ResetBestHash resets the durable best-hash record and every miner's
// local tracking.
func (f *Farm) ResetBestHash() {
	if f.datalog != nil {
		f.datalog.ResetBestHash()
	}
	for _, m := range f.Miners() {
		m.ResetBestHash()
	}
}

// ReportCloseHit implements miner.EventSink: routes to Telemetry if
// subscribed (single-element push, not persisted), else to DataLog.
func (f *Farm) ReportCloseHit(c work.CloseHit) {
	c.Date = time.Now()
	pkg, _ := f.CurrentPackage()
	if !pkg.PublishedAt.IsZero() {
		c.WorkAgeSec = time.Since(pkg.PublishedAt).Seconds()
	}

	f.subMu.RLock()
	onCloseHit := f.sub.OnCloseHit
	f.subMu.RUnlock()

	if onCloseHit != nil {
		onCloseHit(c)
		return
	}
	if f.datalog != nil {
		if err := f.datalog.RecordCloseHit(c); err != nil {
			f.log.Error("failed to persist close hit", "error", err)
		}
	}
}

// ReportHashFault implements miner.EventSink.
func (f *Farm) ReportHashFault(minerID uint32) {
	f.subMu.RLock()
	onHashFault := f.sub.OnHashFault
	f.subMu.RUnlock()

	if onHashFault != nil {
		onHashFault(minerID)
		return
	}
	if f.datalog != nil {
		if err := f.datalog.RecordHashFault(work.HashFault{Date: time.Now(), MinerID: minerID}); err != nil {
			f.log.Error("failed to persist hash fault", "error", err)
		}
	}
}

// FeedHashes implements miner.EventSink. The HashMeter itself lives on
// the Miner and is already updated before this is called (every other
// drain, per design §4.3 step 3); Farm has nothing further to do here
// today, but keeps the hook so a future Telemetry push-on-batch stream
// has a place to attach without changing the Miner/Farm boundary.
func (f *Farm) FeedHashes(minerID uint32, n uint64) {}

// Stats returns the current aggregate hash rate, best hash, and miner
// count.
func (f *Farm) Stats() Stats {
	miners := f.Miners()
	var total float64
	for _, m := range miners {
		total += m.HashRateMHs()
	}
	return Stats{HashRateMHs: total, BestHash: f.BestHash(), MinerCount: len(miners)}
}

// SetGPUThrottle forces every miner's advisory throttle to percent,
// overriding whatever the PID loop last computed until its next tick.
func (f *Farm) SetGPUThrottle(percent int) {
	for _, m := range f.Miners() {
		m.SetThrottle(percent)
	}
}

// ThermalProtection updates every miner's PID setpoint and shutdown
// window at runtime (Farm.thermal_protection).
func (f *Farm) ThermalProtection(maxTempC, shutdownSeconds float64) {
	for _, m := range f.Miners() {
		m.SetPIDSetpoint(maxTempC, shutdownSeconds)
	}
}

// TunePID updates one miner's PID gains at runtime (Farm.tune_pid).
func (f *Farm) TunePID(minerID uint32, kp, ki, kd float64) {
	for _, m := range f.Miners() {
		if m.ID() == minerID {
			m.SetPIDGains(kp, ki, kd)
			return
		}
	}
}
