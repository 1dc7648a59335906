// Package solodriver implements the polling JSON-RPC work source (C5):
// getMiningChallenge/getMiningTarget polling (difficulty is derived from
// the target) with a challenge de-dup window, dev-fee account rotation, a
// pending-transaction tracker, and periodic balance/peer-count refresh.
// With gas rebidding enabled, a stale pending transaction gets one extra
// timeout before it is dropped; no replacement transaction is sent and
// no gas price is raised. Grounded on the
// ticker-driven reconnect loop shape of kangaroo-exccd's cpuminer
// network client (fixed-period poll, consecutive-failure counter driving
// backoff) layered on top of internal/chainclient's go-ethereum-backed
// RPC/signing transport.
package solodriver

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xbitcoin/tokenminer/internal/chainclient"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

const (
	dedupWindow      = 5
	devFeeBlockHours = 4
	balanceRefresh   = 60 * time.Second
	pendingTxPeriod  = 1000 * time.Millisecond
	defaultGasLimit  = 200000
	rateRefitPct     = 0.10 // MinutesPerShare re-fit hysteresis (design §4.5)
)

// RateProvider supplies the rolling hash rate solodriver needs to re-fit
// MinutesPerShare targets; Farm's HashMeter aggregate satisfies this
// (SPEC_FULL.md supplemented feature #2: reuse C1 instead of a second
// estimator).
type RateProvider interface {
	HashRateMHs() float64
}

// Config bundles solodriver's construction parameters.
type Config struct {
	PollingInterval  time.Duration
	MaxRetries       int
	HasFailover      bool
	ContractAddr     common.Address
	UserAccount      common.Address
	DevAccount       common.Address
	DevFeePercent    float64
	ChainID          int64
	EIP1559          bool
	MinutesPerShare  float64 // 0 disables local target retargeting
	GasRebidPercent  float64 // 0 disables gas rebidding
	PendingTimeout   time.Duration
}

// pendingTx is one broadcast-but-unconfirmed submission.
type pendingTx struct {
	hash      common.Hash
	submitted time.Time
	rebid     bool
}

// SoloDriver polls a JSON-RPC node for new mining challenges, publishes
// work packages, and submits accepted solutions as signed transactions.
type SoloDriver struct {
	cfg    Config
	client *chainclient.Client
	log    *slog.Logger
	rate   RateProvider

	onWork    func(work.Package)
	onBalance func(balanceWei string, peerCount int)

	mu          sync.Mutex
	recent      []work.Hash32 // FIFO de-dup window
	current     work.Package
	lastFitRate float64
	nonce       uint64

	pendingMu sync.Mutex
	pending   []*pendingTx

	blockNumber uint32

	devWindowStart time.Time

	failures int
	// FailoverRequested mirrors pooldriver's signal for Supervisor.
	FailoverRequested bool
}

// New constructs a SoloDriver bound to client. onWork is invoked with
// every newly detected (non-duplicate) challenge.
func New(cfg Config, client *chainclient.Client, rate RateProvider, onWork func(work.Package)) *SoloDriver {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 2000 * time.Millisecond
	}
	return &SoloDriver{
		cfg:            cfg,
		client:         client,
		log:            rlog.WithComponent("solodriver"),
		rate:           rate,
		onWork:         onWork,
		devWindowStart: time.Now(),
	}
}

// activeAccount returns the account currently mining and the signed
// seconds-to-next-switch value dev-fee rotation requires (design §4.5,
// SPEC_FULL.md supplemented feature #1): positive while mining the user
// account, negative while mining the dev account.
func (d *SoloDriver) activeAccount() (addr common.Address, nextSwitchSec int64, isDev bool) {
	if d.cfg.DevFeePercent <= 0 {
		return d.cfg.UserAccount, 0, false
	}
	block := devFeeBlockHours * time.Hour
	elapsed := time.Since(d.devWindowStart) % block
	devDuration := time.Duration(d.cfg.DevFeePercent / 100 * float64(block))

	if elapsed < devDuration {
		return d.cfg.DevAccount, -int64((devDuration - elapsed).Seconds()), true
	}
	remaining := block - elapsed
	return d.cfg.UserAccount, int64(remaining.Seconds()), false
}

// CurrentWork exposes the published package plus dev-fee rotation state,
// the shape Telemetry's work_package stream needs (SPEC_FULL.md
// supplemented feature #1).
func (d *SoloDriver) CurrentWork() (work.Package, int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, nextSwitch, isDev := d.activeAccount()
	return d.current, nextSwitch, isDev
}

// Run drives the polling loop until ctx is cancelled or, when HasFailover
// is set, MaxRetries consecutive RPC failures accumulate. Without
// failover it keeps polling, publishing an empty package after each
// failure at or past the cap.
func (d *SoloDriver) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(d.cfg.PollingInterval)
	defer pollTicker.Stop()
	pendingTicker := time.NewTicker(pendingTxPeriod)
	defer pendingTicker.Stop()
	balanceTicker := time.NewTicker(balanceRefresh)
	defer balanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollTicker.C:
			if err := d.poll(ctx); err != nil {
				d.failures++
				d.log.Warn("solo poll failed", "error", err, "failures", d.failures)
				if d.failures >= d.cfg.MaxRetries {
					d.FailoverRequested = true
					if d.onWork != nil {
						d.onWork(work.Package{})
					}
					if d.cfg.HasFailover {
						return fmt.Errorf("solodriver: %d consecutive failures: %w", d.failures, err)
					}
				}
			} else {
				d.failures = 0
			}
		case <-pendingTicker.C:
			d.drivePendingTx(ctx)
		case <-balanceTicker.C:
			d.refreshBalance(ctx)
		}
	}
}

func (d *SoloDriver) poll(ctx context.Context) error {
	challenge, err := d.client.GetMiningChallenge(ctx)
	if err != nil {
		return fmt.Errorf("getMiningChallenge: %w", err)
	}

	d.mu.Lock()
	if d.seenLocked(challenge) {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	target, err := d.client.GetMiningTarget(ctx)
	if err != nil {
		return fmt.Errorf("getMiningTarget: %w", err)
	}
	difficulty := work.DifficultyFromTarget(target)

	target = d.maybeRefitTarget(target, difficulty)

	account, _, _ := d.activeAccount()
	var sender work.Address20
	copy(sender[:], account.Bytes())

	pkg := work.Package{
		Challenge:   challenge,
		Target:      target,
		Difficulty:  work.DifficultyFromTarget(target),
		Sender:      sender,
		BlockNumber: d.blockNumber,
	}

	d.mu.Lock()
	d.recordLocked(challenge)
	d.current = pkg
	d.mu.Unlock()

	d.log.Info("new solo work package", "difficulty", pkg.Difficulty)
	if d.onWork != nil {
		d.onWork(pkg)
	}
	return nil
}

// seenLocked/recordLocked implement the 5-entry FIFO de-dup window
// (design §4.5: "Infura-style providers occasionally echo stale
// challenges"). Caller must hold d.mu.
func (d *SoloDriver) seenLocked(c work.Hash32) bool {
	for _, r := range d.recent {
		if r == c {
			return true
		}
	}
	return false
}

func (d *SoloDriver) recordLocked(c work.Hash32) {
	d.recent = append(d.recent, c)
	if len(d.recent) > dedupWindow {
		d.recent = d.recent[len(d.recent)-dedupWindow:]
	}
}

// maybeRefitTarget implements the MinutesPerShare local retarget (design
// §4.5): when configured, size the target to expect one solution every
// MinutesPerShare minutes at the current rolling hash rate, re-fitting
// only when the rate has moved >10% since the last fit.
func (d *SoloDriver) maybeRefitTarget(providerTarget work.Hash32, providerDifficulty uint64) work.Hash32 {
	if d.cfg.MinutesPerShare <= 0 || d.rate == nil {
		return providerTarget
	}
	rate := d.rate.HashRateMHs() * 1e6 // H/s
	if rate <= 0 {
		return providerTarget
	}

	d.mu.Lock()
	last := d.lastFitRate
	d.mu.Unlock()
	if last > 0 {
		delta := (rate - last) / last
		if delta < 0 {
			delta = -delta
		}
		if delta < rateRefitPct {
			rate = last // inside the band: keep the last fit
		}
	}

	d.mu.Lock()
	d.lastFitRate = rate
	d.mu.Unlock()

	expectedHashes := rate * d.cfg.MinutesPerShare * 60
	maxUint256 := new(big.Int).Lsh(big.NewInt(1), 256)
	fitted := new(big.Int).Div(maxUint256, big.NewInt(int64(expectedHashes)+1))

	providerInt := providerTarget.Big()
	if fitted.Cmp(providerInt) > 0 {
		// Never mine easier than the provider's actual target.
		fitted = providerInt
	}

	var out work.Hash32
	b := fitted.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func (d *SoloDriver) drivePendingTx(ctx context.Context) {
	d.pendingMu.Lock()
	txs := append([]*pendingTx(nil), d.pending...)
	d.pendingMu.Unlock()

	var stillPending []*pendingTx
	for _, tx := range txs {
		found, success, err := d.client.TransactionReceiptStatus(ctx, tx.hash)
		if err != nil {
			d.log.Warn("receipt check failed", "tx", tx.hash.Hex(), "error", err)
			stillPending = append(stillPending, tx)
			continue
		}
		if found {
			d.log.Info("pending transaction landed", "tx", tx.hash.Hex(), "success", success)
			continue
		}

		timeout := d.cfg.PendingTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		if time.Since(tx.submitted) > timeout {
			if d.cfg.GasRebidPercent > 0 && !tx.rebid {
				d.log.Info("extending wait for stale pending transaction", "tx", tx.hash.Hex())
				tx.rebid = true
				tx.submitted = time.Now()
				stillPending = append(stillPending, tx)
				continue
			}
			d.log.Warn("dropping stale pending transaction", "tx", tx.hash.Hex())
			continue
		}
		stillPending = append(stillPending, tx)
	}

	d.pendingMu.Lock()
	d.pending = stillPending
	d.pendingMu.Unlock()
}

// SetBalanceSink installs the callback the 60s balance refresh feeds
// (DataLog's denormalized LastBalance/LastPeerCount snapshot, which
// Telemetry's account_balance/peer_count commands read).
func (d *SoloDriver) SetBalanceSink(fn func(balanceWei string, peerCount int)) {
	d.onBalance = fn
}

func (d *SoloDriver) refreshBalance(ctx context.Context) {
	account, _, _ := d.activeAccount()
	balance, err := d.client.BalanceOf(ctx, d.cfg.ContractAddr, account)
	if err != nil {
		d.log.Warn("balance refresh failed", "error", err)
		return
	}
	peers, err := d.client.PeerCount(ctx)
	if err != nil {
		d.log.Warn("peer count refresh failed", "error", err)
		peers = 0
	}
	if d.onBalance != nil {
		d.onBalance(balance.String(), peers)
	}
}

// Submit implements farm.Driver: builds, signs, and broadcasts the
// submitWork transaction for s, referencing the challenge that was
// active when s was mined (not necessarily the current one), per design
// §5's "driver verifies under the challenge that was active when mined".
func (d *SoloDriver) Submit(ctx context.Context, s work.Solution) (work.Outcome, bool, uint32) {
	d.mu.Lock()
	stale := s.ForChallenge != d.current.Challenge
	nonce := d.nonce
	d.nonce++
	d.mu.Unlock()

	callData := buildSubmitWorkCalldata(s.ForChallenge, s.Nonce)

	var gasPrice *big.Int
	var tip, feeCap *big.Int
	if d.cfg.EIP1559 {
		tip = big.NewInt(1_500_000_000)
		feeCap = big.NewInt(50_000_000_000)
	} else {
		p, err := d.client.GasPrice(ctx)
		if err != nil {
			return work.Failed, stale, d.blockNumber
		}
		gasPrice = p
	}

	txHash, err := d.client.SubmitMiningTransaction(ctx, d.cfg.ContractAddr, callData, defaultGasLimit, d.cfg.EIP1559, gasPrice, tip, feeCap, nonce)
	if err != nil {
		d.log.Error("submit transaction failed", "error", err)
		return work.Failed, stale, d.blockNumber
	}

	d.pendingMu.Lock()
	d.pending = append(d.pending, &pendingTx{hash: txHash, submitted: time.Now()})
	d.pendingMu.Unlock()

	return work.Accepted, stale, d.blockNumber
}

// buildSubmitWorkCalldata builds the submitWork(nonce,challenge) call
// data. The function selector is a constant of the well-known
// 0xBitcoin-family ABI; the contract's exact signature is a deployment
// detail out of this spec's scope, so only the shape (selector + two
// 32-byte words) is asserted here.
func buildSubmitWorkCalldata(challenge, nonce work.Hash32) []byte {
	selector := []byte{0x9d, 0xe2, 0xe4, 0x68} // submitWork(bytes32,bytes32)
	out := make([]byte, 0, 4+32+32)
	out = append(out, selector...)
	out = append(out, nonce[:]...)
	out = append(out, challenge[:]...)
	return out
}
