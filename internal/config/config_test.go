package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir string, body string) string {
	t.Helper()
	path := filepath.Join(dir, "tokenminer.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
node:
  host: "rpc.example.com"
  rpc_port: 8545
zero_x_bitcoin:
  miner_account: "0x00000000000000000000000000000000000000a1"
network:
  udp_listen: 5225
general:
  nonce_generation: linear
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ZeroXBitcoin.PollingIntervalMS != DefaultPollingIntervalMS {
		t.Errorf("polling interval default = %d, want %d", cfg.ZeroXBitcoin.PollingIntervalMS, DefaultPollingIntervalMS)
	}
	if cfg.ThermalProtection.ThrottleTemp != DefaultThrottleTemp {
		t.Errorf("throttle temp default = %v, want %v", cfg.ThermalProtection.ThrottleTemp, DefaultThrottleTemp)
	}
	if cfg.CloseHits.CloseHitThreshold != DefaultCloseHitThreshold {
		t.Errorf("close hit threshold default = %#x, want %#x", cfg.CloseHits.CloseHitThreshold, DefaultCloseHitThreshold)
	}
	if !cfg.Gas.EIP1559 {
		t.Error("expected eip1559 default to be true")
	}
	if cfg.Kernel.Tech != "cpu" {
		t.Errorf("kernel tech default = %q, want cpu", cfg.Kernel.Tech)
	}
}

func TestLoadRejectsBadMinerAccount(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
node:
  host: "rpc.example.com"
  rpc_port: 8545
zero_x_bitcoin:
  miner_account: "not-an-address"
network:
  udp_listen: 5225
general:
  nonce_generation: linear
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a malformed miner account")
	}
}

func TestLoadRejectsMissingNode(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
zero_x_bitcoin:
  miner_account: "0x00000000000000000000000000000000000000a1"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a config with no node host")
	}
}

func TestLoadRejectsBadNonceGeneration(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
node:
  host: "rpc.example.com"
  rpc_port: 8545
zero_x_bitcoin:
  miner_account: "0x00000000000000000000000000000000000000a1"
general:
  nonce_generation: "sideways"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an invalid nonce_generation value")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, minimalYAML)

	t.Setenv("TOKENMINER_THERMAL_PROTECTION_THROTTLE_TEMP", "70")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ThermalProtection.ThrottleTemp != 70 {
		t.Errorf("throttle temp = %v, want env override 70", cfg.ThermalProtection.ThrottleTemp)
	}
}

func TestNodeConfigIsPool(t *testing.T) {
	solo := NodeConfig{Host: "h", RPCPort: 8545}
	pool := NodeConfig{Host: "h", StratumPort: 3333}
	if solo.IsPool() {
		t.Error("a node with only rpc_port set should not be a pool node")
	}
	if !pool.IsPool() {
		t.Error("a node with stratum_port set should be a pool node")
	}
}
