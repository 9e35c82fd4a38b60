// Package config loads process configuration from the environment and an
// optional chain table file. All three jamnet processes share one Config so
// they agree on addresses, data layout and tuning.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Phi is the weighting constant used throughout selection, sizing and
// attribution. Treated as an opaque tunable; derived powers below.
const (
	Phi     = 1.6180339887
	PhiInv  = 1 / Phi
	PhiSq   = Phi * Phi
	SqrtPhi = 1.2720196495
)

// Config holds every environment-driven setting shared by the emitter,
// amplifier and attributor processes.
type Config struct {
	// RPCURLs is the ordered failover list of JSON-RPC endpoints.
	RPCURLs string `env:"RPC_URLS,required"`

	// Signing identities. The mirror key executes captures and must differ
	// from the primary key.
	PrivateKey       string `env:"PRIVATE_KEY,required"`
	MirrorPrivateKey string `env:"MIRROR_PRIVATE_KEY"`

	// WalletAddress is the expected primary address; the amplifier refuses
	// signals emitted by anyone else.
	WalletAddress string `env:"WALLET_ADDRESS"`

	// Contract addresses.
	DMAPAddress           string `env:"DMAP_ADDRESS,required"`
	VaultAddress          string `env:"VAULT_ADDRESS"`
	TargetContractAddress string `env:"TARGET_CONTRACT_ADDRESS"`

	// HoneypotAddress, when set, receives a hint transaction after each
	// amplification. Best effort only.
	HoneypotAddress string `env:"HONEYPOT_ADDRESS"`

	// BuilderRelayURL is the single builder endpoint for capture bundles.
	BuilderRelayURL string `env:"BUILDER_RELAY_URL"`

	ChainID int64 `env:"CHAIN_ID,default=8453"`

	// DetectIntervalMS is the emitter tick period in milliseconds.
	DetectIntervalMS int `env:"DETECT_INTERVAL,default=540000"`

	// MaxGasGwei caps the amplifier's effective gas price.
	MaxGasGwei float64 `env:"MAX_GAS_GWEI,default=70"`

	// DataDir roots the on-disk state: system-state.json, jams/, logs/.
	DataDir string `env:"DATA_DIR,default=./data"`

	// ChainTablePath optionally overrides the built-in router/factory/anchor
	// tables with a YAML file.
	ChainTablePath string `env:"CHAIN_TABLE,default="`

	// DiagAddr, when non-empty, serves /metrics, /healthz and /status.
	DiagAddr string `env:"DIAG_ADDR"`

	LogLevel string `env:"LOG_LEVEL,default=info"`

	// Cross-chain echo side-channel.
	EnableBSVEcho bool   `env:"ENABLE_BSV_ECHO,default=false"`
	IPFSPinURL    string `env:"IPFS_PIN_URL"`
	IPFSPinToken  string `env:"IPFS_PIN_TOKEN"`
	AltLedgerURL  string `env:"ALT_LEDGER_URL"`
}

// Load reads an optional .env file, decodes the environment and validates
// cross-field constraints.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if len(cfg.Endpoints()) == 0 {
		return nil, fmt.Errorf("RPC_URLS must list at least one endpoint")
	}
	if cfg.MirrorPrivateKey != "" && strings.EqualFold(cfg.MirrorPrivateKey, cfg.PrivateKey) {
		return nil, fmt.Errorf("MIRROR_PRIVATE_KEY must differ from PRIVATE_KEY")
	}
	if cfg.DetectIntervalMS < 1000 {
		return nil, fmt.Errorf("DETECT_INTERVAL below 1000ms: %d", cfg.DetectIntervalMS)
	}

	return &cfg, nil
}

// Endpoints splits RPCURLs into the ordered endpoint list.
func (c *Config) Endpoints() []string {
	parts := strings.Split(c.RPCURLs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DetectInterval returns the emitter tick period.
func (c *Config) DetectInterval() time.Duration {
	return time.Duration(c.DetectIntervalMS) * time.Millisecond
}
