// Command validate-config checks a tokenminer configuration file (or the
// standard search paths) for correctness without starting the miner.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/0xbitcoin/tokenminer/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to tokenminer config file (default: search paths)")
	flag.Parse()

	fmt.Println("Validating tokenminer configuration")
	fmt.Println("====================================")
	fmt.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		color.Red("Status: INVALID")
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	color.Green("Status: VALID")
	fmt.Println()
	fmt.Println("Loaded configuration:")
	fmt.Printf("  Node:                  %s (rpc=%d stratum=%d)\n", cfg.Node.Host, cfg.Node.RPCPort, cfg.Node.StratumPort)
	if cfg.Node2.Host != "" {
		fmt.Printf("  Node2 (failover):      %s (rpc=%d stratum=%d)\n", cfg.Node2.Host, cfg.Node2.RPCPort, cfg.Node2.StratumPort)
	}
	fmt.Printf("  Telemetry UDP:         %d\n", cfg.Network.UDPListen)
	fmt.Printf("  Miner account:         %s\n", cfg.ZeroXBitcoin.MinerAccount)
	fmt.Printf("  Chain ID:              %d\n", cfg.ZeroXBitcoin.ChainID)
	fmt.Printf("  Minutes per share:     %v\n", cfg.ZeroXBitcoin.MinutesPerShare)
	fmt.Printf("  EIP-1559:              %t\n", cfg.Gas.EIP1559)
	fmt.Printf("  Kernel tech:           %s\n", cfg.Kernel.Tech)
	fmt.Printf("  Nonce generation:      %s\n", cfg.General.NonceGeneration)
	fmt.Printf("  Dev fee percent:       %v%%\n", cfg.General.DevFeePercent)
	fmt.Printf("  Throttle temp:         %v°C\n", cfg.ThermalProtection.ThrottleTemp)
	fmt.Printf("  Thermal shutdown:      %vs\n", cfg.ThermalProtection.ShutdownSecs)
	fmt.Printf("  Close hits enabled:    %t (threshold=0x%016x)\n", cfg.CloseHits.Enabled, cfg.CloseHits.CloseHitThreshold)
	fmt.Printf("  Log level/format:      %s/%s\n", cfg.Logging.Level, cfg.Logging.Format)
}
