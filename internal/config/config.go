// Package config provides centralized configuration management using
// Viper, layered env>file>defaults (TOKENMINER_-prefixed environment
// variables override the file); no command-line flags are bound. Field names mirror the original INI section/key
// names one-for-one ([Node], [Node2], [Network], [0xBitcoin], [Gas],
// [ThermalProtection], [CloseHits], [Kernel], [General]) so a config file
// written against those names loads directly; INI grammar parsing itself
// is out of scope, so this package reads YAML/TOML/env instead.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Default values, named after the INI keys they back.
const (
	DefaultPollingIntervalMS  = 2000
	DefaultMaxRetries         = 5
	DefaultWorkTimeoutSeconds = 180
	DefaultUDPListen          = 5225
	DefaultMinutesPerShare    = 10
	DefaultThrottleTemp       = 80.0
	DefaultShutdownSeconds    = 20
	DefaultCloseHitThreshold  = uint64(0xFFFFFF0000000000)
	DefaultWorkUnitFrequency  = 1
	DefaultDevFeePercent      = 2.5
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "color"
)

// Config is the full program configuration, one struct per INI section.
type Config struct {
	Node              NodeConfig              `mapstructure:"node"`
	Node2             NodeConfig              `mapstructure:"node2"`
	Network           NetworkConfig           `mapstructure:"network"`
	ZeroXBitcoin      ZeroXBitcoinConfig      `mapstructure:"zero_x_bitcoin"`
	Gas               GasConfig               `mapstructure:"gas"`
	ThermalProtection ThermalProtectionConfig `mapstructure:"thermal_protection"`
	CloseHits         CloseHitsConfig         `mapstructure:"close_hits"`
	Kernel            KernelConfig            `mapstructure:"kernel"`
	General           GeneralConfig           `mapstructure:"general"`
	Logging           LoggingConfig           `mapstructure:"logging"`
}

// NodeConfig is [Node] / [Node2]: a JSON-RPC solo endpoint, or a pool
// endpoint when StratumPort is set.
type NodeConfig struct {
	Host        string `mapstructure:"host"`
	RPCPort     int    `mapstructure:"rpc_port"`
	StratumPort int    `mapstructure:"stratum_port"` // 0 => solo mode for this node
	StratumPwd  string `mapstructure:"stratum_pwd"`
}

// IsPool reports whether this node entry is configured as a pool
// endpoint, the condition Supervisor uses to choose PoolDriver vs
// SoloDriver (spec §4.9).
func (n NodeConfig) IsPool() bool { return n.StratumPort != 0 }

// NetworkConfig is [Network]: the Telemetry UDP bind.
type NetworkConfig struct {
	UDPListen   int    `mapstructure:"udp_listen"`
	UDPPassword string `mapstructure:"udp_password"`
}

// ZeroXBitcoinConfig is [0xBitcoin].
type ZeroXBitcoinConfig struct {
	MinerAccount      string  `mapstructure:"miner_account"`
	PrivateKey        string  `mapstructure:"private_key"` // hex, no 0x prefix; never logged
	ContractAddress   string  `mapstructure:"contract_address"`
	DevFeeAddress     string  `mapstructure:"dev_fee_address"`
	ChainID           int64   `mapstructure:"chain_id"`
	MinutesPerShare   float64 `mapstructure:"minutes_per_share"`
	Difficulty        uint64  `mapstructure:"difficulty"`        // loaded but not read by any driver
	GasPriceBidding   float64 `mapstructure:"gas_price_bidding"` // >0 gives a stale pending tx one extra timeout; no gas price is raised
	PollingIntervalMS int     `mapstructure:"polling_interval_ms"`
	MaxRetries        int     `mapstructure:"max_retries"`
}

// GasConfig is [Gas].
type GasConfig struct {
	EIP1559 bool `mapstructure:"eip1559"`
}

// ThermalProtectionConfig is [ThermalProtection].
type ThermalProtectionConfig struct {
	TempProvider   string  `mapstructure:"temp_provider"` // loaded but not read; cmd/tokenminer always uses the stub provider
	ThrottleTemp   float64 `mapstructure:"throttle_temp"`
	ShutdownSecs   float64 `mapstructure:"shutdown_seconds"`
}

// CloseHitsConfig is [CloseHits].
type CloseHitsConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CloseHitThreshold uint64 `mapstructure:"close_hit_threshold"`
	WorkUnitFrequency int    `mapstructure:"work_unit_frequency"`
}

// KernelConfig is [Kernel].
type KernelConfig struct {
	Tech           string `mapstructure:"tech"` // opencl, cuda, cpu
	SrcFolder      string `mapstructure:"src_folder"`
	SrcFile        string `mapstructure:"src_file"`
	CLRXAssembler  string `mapstructure:"clrx_assembler"`
	OpenCLPlatform int    `mapstructure:"opencl_platform"`
	LocalWorkSize  int    `mapstructure:"local_work_size"`
	WorkMultiplier int    `mapstructure:"work_multiplier"`
}

// GeneralConfig is [General].
type GeneralConfig struct {
	NonceGeneration  string  `mapstructure:"nonce_generation"` // "linear" or "random"
	VerifyDAG        bool    `mapstructure:"verify_dag"`
	DevFeePercent    float64 `mapstructure:"dev_fee_percent"`
	WorkTimeoutSecs  int     `mapstructure:"work_timeout_seconds"`
}

// LoggingConfig controls the ambient slog setup; not part of the original
// INI grammar but carried the way the teacher's config carries its own
// logging section.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Quiet   bool   `mapstructure:"quiet"`
	Verbose bool   `mapstructure:"verbose"`
}

// Validate checks invariants a malformed config would otherwise only
// surface as a confusing runtime error (spec §7: configuration errors are
// reported and exit non-zero before the core starts).
func (c *Config) Validate() error {
	if c.Node.Host == "" {
		return fmt.Errorf("node.host cannot be empty")
	}
	if c.Node.RPCPort == 0 && c.Node.StratumPort == 0 {
		return fmt.Errorf("node must set either rpc_port or stratum_port")
	}
	if c.ZeroXBitcoin.MinerAccount == "" {
		return fmt.Errorf("zero_x_bitcoin.miner_account is required")
	}
	if !strings.HasPrefix(c.ZeroXBitcoin.MinerAccount, "0x") || len(c.ZeroXBitcoin.MinerAccount) != 42 {
		return fmt.Errorf("zero_x_bitcoin.miner_account must be a 20-byte 0x-prefixed address, got %q", c.ZeroXBitcoin.MinerAccount)
	}
	if c.ZeroXBitcoin.PollingIntervalMS <= 0 {
		return fmt.Errorf("zero_x_bitcoin.polling_interval_ms must be positive")
	}
	if c.Network.UDPListen < 1 || c.Network.UDPListen > 65535 {
		return fmt.Errorf("network.udp_listen must be 1-65535, got %d", c.Network.UDPListen)
	}
	switch strings.ToLower(c.General.NonceGeneration) {
	case "linear", "random":
	default:
		return fmt.Errorf("general.nonce_generation must be 'linear' or 'random', got %q", c.General.NonceGeneration)
	}
	if c.General.DevFeePercent < 0 || c.General.DevFeePercent > 100 {
		return fmt.Errorf("general.dev_fee_percent must be 0-100, got %v", c.General.DevFeePercent)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node2.host", "")
	v.SetDefault("network.udp_listen", DefaultUDPListen)
	v.SetDefault("zero_x_bitcoin.minutes_per_share", DefaultMinutesPerShare)
	v.SetDefault("zero_x_bitcoin.polling_interval_ms", DefaultPollingIntervalMS)
	v.SetDefault("zero_x_bitcoin.max_retries", DefaultMaxRetries)
	v.SetDefault("zero_x_bitcoin.chain_id", 1)
	v.SetDefault("gas.eip1559", true)
	v.SetDefault("thermal_protection.temp_provider", "stub")
	v.SetDefault("thermal_protection.throttle_temp", DefaultThrottleTemp)
	v.SetDefault("thermal_protection.shutdown_seconds", DefaultShutdownSeconds)
	v.SetDefault("close_hits.enabled", true)
	v.SetDefault("close_hits.close_hit_threshold", DefaultCloseHitThreshold)
	v.SetDefault("close_hits.work_unit_frequency", DefaultWorkUnitFrequency)
	v.SetDefault("kernel.tech", "cpu")
	v.SetDefault("kernel.local_work_size", 256)
	v.SetDefault("kernel.work_multiplier", 4096)
	v.SetDefault("general.nonce_generation", "linear")
	v.SetDefault("general.dev_fee_percent", DefaultDevFeePercent)
	v.SetDefault("general.work_timeout_seconds", DefaultWorkTimeoutSeconds)
	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
}

// Load reads configPath (or searches the standard search paths when
// empty) layered under env vars (TOKENMINER_* prefix) and the defaults
// above, then validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tokenminer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tokenminer")
		v.AddConfigPath("/etc/tokenminer")
	}

	v.SetEnvPrefix("TOKENMINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Watch reloads [ThermalProtection] and [CloseHits] on file change via
// fsnotify — the only sections safe to change while mining, since the
// node/network/kernel sections require a restart to take effect. callback
// receives the newly validated config; a failed reload is logged and the
// previous config stays in effect.
func Watch(ctx context.Context, configPath string, logger *slog.Logger, callback func(*Config)) error {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("tokenminer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tokenminer")
		v.AddConfigPath("/etc/tokenminer")
	}
	v.SetEnvPrefix("TOKENMINER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if logger != nil {
			logger.Info("configuration file changed", "file", e.Name, "operation", e.Op.String())
		}
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			if logger != nil {
				logger.Error("failed to unmarshal config on reload", "error", err, "file", e.Name)
			}
			return
		}
		if err := next.Validate(); err != nil {
			if logger != nil {
				logger.Error("reloaded config failed validation, keeping previous", "error", err)
			}
			return
		}
		callback(&next)
	})

	go func() {
		<-ctx.Done()
	}()

	return nil
}
