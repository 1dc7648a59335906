// Command tokenminer is the multi-GPU 0xBitcoin-family mining client:
// it loads configuration, builds the Farm and its miners, wires whichever
// work source is configured (solo JSON-RPC or pool stratum), and runs the
// Supervisor until shutdown. Grounded on client/main.go's flag-parsing +
// signal-handling shape, rebuilt around this module's Farm/Supervisor
// wiring instead of the teacher's gRPC pool client.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xbitcoin/tokenminer/internal/chainclient"
	"github.com/0xbitcoin/tokenminer/internal/config"
	"github.com/0xbitcoin/tokenminer/internal/dashboard"
	"github.com/0xbitcoin/tokenminer/internal/datalog"
	"github.com/0xbitcoin/tokenminer/internal/farm"
	"github.com/0xbitcoin/tokenminer/internal/kernel"
	"github.com/0xbitcoin/tokenminer/internal/miner"
	"github.com/0xbitcoin/tokenminer/internal/pooldriver"
	"github.com/0xbitcoin/tokenminer/internal/rlog"
	"github.com/0xbitcoin/tokenminer/internal/solodriver"
	"github.com/0xbitcoin/tokenminer/internal/supervisor"
	"github.com/0xbitcoin/tokenminer/internal/telemetry"
	"github.com/0xbitcoin/tokenminer/internal/throttle"
	"github.com/0xbitcoin/tokenminer/internal/work"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to tokenminer config file")
		listDevices  = flag.Bool("list-devices", false, "list detected accelerator devices and exit")
		showVersion  = flag.Bool("V", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("tokenminer dev")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	rlog.SetDefault(rlog.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Quiet:   cfg.Logging.Quiet,
		Verbose: cfg.Logging.Verbose,
	})
	log := rlog.WithComponent("main")

	engine, devices := buildEngine(cfg.Kernel)
	if *listDevices {
		for _, d := range devices {
			fmt.Printf("[%d] %s (%s)\n", d.ID, d.Name, d.Backend)
		}
		os.Exit(0)
	}

	dataDir, err := os.UserConfigDir()
	if err != nil {
		dataDir = "."
	}
	dataDir = filepath.Join(dataDir, "tokenminer")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("failed to create app data directory", "error", err)
		os.Exit(1)
	}
	dlog, err := datalog.Open(filepath.Join(dataDir, "mining_data.json"))
	if err != nil {
		log.Error("failed to open data log", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driverHandle := newDriverHandle(cfg)
	f := farm.New(driverHandle, dlog)
	f.SetCloseHitPolicy(cfg.CloseHits.CloseHitThreshold, cfg.CloseHits.Enabled)

	tempProvider := kernel.NewStubTempProvider(40)
	for i, dev := range devices {
		pidCtrl := throttle.New(cfg.ThermalProtection.ThrottleTemp, cfg.ThermalProtection.ShutdownSecs, throttle.DefaultGains())
		m := miner.New(miner.Config{
			ID:             uint32(i),
			Engine:         engine,
			Device:         dev,
			TempProvider:   tempProvider,
			PID:            pidCtrl,
			Sink:           f,
			Tracker:        f.NonceTracker(),
			Mode:           miner.NonceMode(cfg.General.NonceGeneration),
			LocalWorkSize:  cfg.Kernel.LocalWorkSize,
			WorkMultiplier: cfg.Kernel.WorkMultiplier,
		})
		f.AddMiner(m)
	}

	driverHandle.bind(f, dlog)

	if err := config.Watch(ctx, *configPath, rlog.Get(), func(next *config.Config) {
		f.ThermalProtection(next.ThermalProtection.ThrottleTemp, next.ThermalProtection.ShutdownSecs)
		f.SetCloseHitPolicy(next.CloseHits.CloseHitThreshold, next.CloseHits.Enabled)
	}); err != nil {
		log.Warn("config hot-reload watcher not started", "error", err)
	}

	tel := telemetry.New(driverHandle, cfg.Network.UDPPassword)
	if err := tel.Listen(cfg.Network.UDPListen); err != nil {
		log.Error("failed to start telemetry", "error", err)
		os.Exit(1)
	}
	defer tel.Close()

	hub := dashboard.NewHub(f)
	go hub.Run(ctx, time.Second)
	httpSrv := &http.Server{Addr: ":8089", Handler: http.HandlerFunc(hub.ServeHTTP)}
	go httpSrv.ListenAndServe()
	defer httpSrv.Close()

	sup := supervisor.New(f, driverHandle.nodes(cfg))

	log.Info("tokenminer starting", "miners", len(devices))
	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("tokenminer shut down cleanly")
}

func buildEngine(kc config.KernelConfig) (kernel.SearchEngine, []kernel.Device) {
	switch kc.Tech {
	case "opencl":
		eng, err := kernel.NewOpenCLEngine(kc.OpenCLPlatform, nil)
		if err == nil {
			return eng, eng.Devices()
		}
	case "cuda":
		eng, err := kernel.NewCUDAEngine(nil)
		if err == nil {
			return eng, eng.Devices()
		}
	}
	eng := kernel.NewCPUEngine()
	return eng, eng.Devices()
}

// currentWorker is satisfied by both SoloDriver and PoolDriver; driverHandle
// only ever holds the one matching whichever Node is active.
type currentWorker interface {
	CurrentWork() (work.Package, int64, bool)
}

// driverHandle adapts whichever work-source driver is configured (solo
// or pool) to both farm.Driver and telemetry.Source, so main only builds
// one concrete object regardless of mode.
type driverHandle struct {
	mu     sync.Mutex
	solo   *solodriver.SoloDriver
	pool   *pooldriver.PoolDriver
	worker currentWorker

	farm *farm.Farm
	log  *datalog.Log
}

func newDriverHandle(cfg *config.Config) *driverHandle { return &driverHandle{} }

func (d *driverHandle) bind(f *farm.Farm, dl *datalog.Log) {
	d.farm = f
	d.log = dl
}

// Submit implements farm.Driver.
func (d *driverHandle) Submit(ctx context.Context, s work.Solution) (work.Outcome, bool, uint32) {
	d.mu.Lock()
	pool, solo := d.pool, d.solo
	d.mu.Unlock()
	if pool != nil {
		return pool.Submit(ctx, s)
	}
	if solo != nil {
		return solo.Submit(ctx, s)
	}
	return work.Failed, false, 0
}

// The remaining methods implement telemetry.Source.

func (d *driverHandle) Stats() farm.Stats { return d.farm.Stats() }

func (d *driverHandle) MinerSnapshots() []telemetry.MinerSnapshot {
	var out []telemetry.MinerSnapshot
	for _, m := range d.farm.Miners() {
		s := m.Snapshot()
		out = append(out, telemetry.MinerSnapshot{
			MinerID:         s.MinerID,
			HashRateMHs:     s.HashRateMHs,
			CurrentSample:   s.CurrentSample,
			BestHash:        s.BestHash,
			ThrottlePercent: s.ThrottlePercent,
			TemperatureC:    s.TemperatureC,
			FanRPM:          s.FanRPM,
		})
	}
	return out
}

func (d *driverHandle) CurrentWork() (work.Package, int64, bool) {
	d.mu.Lock()
	w := d.worker
	d.mu.Unlock()
	if w == nil {
		return work.Package{}, 0, false
	}
	return w.CurrentWork()
}

func (d *driverHandle) BestHash() uint64    { return d.farm.BestHash() }
func (d *driverHandle) ResetBestHash()      { d.farm.ResetBestHash() }

func (d *driverHandle) RetrieveSolutions(clear bool) []work.SolutionRecord {
	out, err := d.log.RetrieveSolutions(clear)
	if err != nil {
		rlog.WithComponent("main").Error("failed to retrieve solutions", "error", err)
	}
	return out
}

func (d *driverHandle) RetrieveCloseHits(clear bool) []work.CloseHit {
	out, err := d.log.RetrieveCloseHits(clear)
	if err != nil {
		rlog.WithComponent("main").Error("failed to retrieve close hits", "error", err)
	}
	return out
}

func (d *driverHandle) RetrieveHashFaults(clear bool) []work.HashFault {
	out, err := d.log.RetrieveHashFaults(clear)
	if err != nil {
		rlog.WithComponent("main").Error("failed to retrieve hash faults", "error", err)
	}
	return out
}

func (d *driverHandle) BalanceWei() string {
	balance, _ := d.log.BalanceSnapshot()
	return balance
}

func (d *driverHandle) PeerCount() int {
	_, peers := d.log.BalanceSnapshot()
	return peers
}

func (d *driverHandle) SetGPUThrottle(percent int) { d.farm.SetGPUThrottle(percent) }

func (d *driverHandle) ThermalProtection(maxTempC, shutdownSeconds float64) {
	d.farm.ThermalProtection(maxTempC, shutdownSeconds)
}

func (d *driverHandle) TunePID(minerID uint32, kp, ki, kd float64) {
	d.farm.TunePID(minerID, kp, ki, kd)
}

func (d *driverHandle) SetCloseHitThreshold(v uint64) {
	_, enabled := d.farm.CloseHitThreshold()
	d.farm.SetCloseHitPolicy(v, enabled)
}

func (d *driverHandle) nodes(cfg *config.Config) []supervisor.Node {
	hasFailover := cfg.Node.Host != "" && cfg.Node2.Host != ""
	var nodes []supervisor.Node
	for _, n := range []config.NodeConfig{cfg.Node, cfg.Node2} {
		if n.Host == "" {
			continue
		}
		n := n
		if n.IsPool() {
			addr := fmt.Sprintf("%s:%d", n.Host, n.StratumPort)
			nodes = append(nodes, supervisor.Node{
				Name: addr,
				Runner: func(ctx context.Context) error {
					pool := pooldriver.New(pooldriver.Config{
						Addr:        addr,
						UserAccount: cfg.ZeroXBitcoin.MinerAccount,
						WorkTimeout: time.Duration(cfg.General.WorkTimeoutSecs) * time.Second,
						MaxRetries:  cfg.ZeroXBitcoin.MaxRetries,
						HasFailover: hasFailover,
					}, d.farm.SetWork)
					d.mu.Lock()
					d.pool, d.solo, d.worker = pool, nil, pool
					d.mu.Unlock()
					return pool.Run(ctx)
				},
			})
		} else {
			addr := fmt.Sprintf("http://%s:%d", n.Host, n.RPCPort)
			nodes = append(nodes, supervisor.Node{
				Name: addr,
				Runner: func(ctx context.Context) error {
					key, err := chainclient.LoadECDSAKey(cfg.ZeroXBitcoin.PrivateKey)
					if err != nil {
						return err
					}
					client, err := chainclient.Dial(ctx, addr, cfg.ZeroXBitcoin.ChainID, key)
					if err != nil {
						return err
					}
					defer client.Close()
					solo := solodriver.New(solodriver.Config{
						PollingInterval: time.Duration(cfg.ZeroXBitcoin.PollingIntervalMS) * time.Millisecond,
						MaxRetries:      cfg.ZeroXBitcoin.MaxRetries,
						HasFailover:     hasFailover,
						ContractAddr:    common.HexToAddress(cfg.ZeroXBitcoin.ContractAddress),
						UserAccount:     common.HexToAddress(cfg.ZeroXBitcoin.MinerAccount),
						DevAccount:      common.HexToAddress(cfg.ZeroXBitcoin.DevFeeAddress),
						DevFeePercent:   cfg.General.DevFeePercent,
						ChainID:         cfg.ZeroXBitcoin.ChainID,
						EIP1559:         cfg.Gas.EIP1559,
						MinutesPerShare: cfg.ZeroXBitcoin.MinutesPerShare,
						GasRebidPercent: cfg.ZeroXBitcoin.GasPriceBidding,
					}, client, rateAdapter{d.farm}, d.farm.SetWork)
					solo.SetBalanceSink(func(balanceWei string, peerCount int) {
						if err := d.log.SetBalanceSnapshot(balanceWei, peerCount); err != nil {
							rlog.WithComponent("main").Warn("failed to persist balance snapshot", "error", err)
						}
					})
					d.mu.Lock()
					d.pool, d.solo, d.worker = nil, solo, solo
					d.mu.Unlock()
					return solo.Run(ctx)
				},
			})
		}
	}
	if len(nodes) == 0 {
		nodes = append(nodes, supervisor.Node{Name: "none", Runner: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}})
	}
	return nodes
}

type rateAdapter struct{ f *farm.Farm }

func (r rateAdapter) HashRateMHs() float64 { return r.f.Stats().HashRateMHs }
