// Package config provides centralized configuration for the resolver daemon.
// ALL tunable parameters (endpoints, contracts, timelocks, poll intervals)
// MUST be defined here. No hardcoded values should exist elsewhere in the
// codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/crosslock-exchange/crosslockd/internal/timelock"
)

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds all configuration for the resolver daemon.
type Config struct {
	// Network is the network type (mainnet or testnet).
	Network NetworkType `yaml:"network"`

	// Per-chain connection and signer settings
	Ethereum EthereumConfig `yaml:"ethereum"`
	NEAR     NEARConfig     `yaml:"near"`
	Aptos    AptosConfig    `yaml:"aptos"`

	// Rates holds price feed settings.
	Rates RatesConfig `yaml:"rates"`

	// Timelock holds the escrow stage schedule.
	Timelock TimelockConfig `yaml:"timelock"`

	// Listener holds event polling settings.
	Listener ListenerConfig `yaml:"listener"`

	// AddressMap maps NEAR account IDs to Ethereum payout addresses for
	// senders that cannot embed a destination in the escrow.
	AddressMap map[string]string `yaml:"address_map,omitempty"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EthereumConfig holds Ethereum connection and signer settings.
type EthereumConfig struct {
	// RPCURL is the HTTP JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// WSURL is the optional websocket endpoint for live log subscriptions.
	// When empty the listener runs on polling alone.
	WSURL string `yaml:"ws_url,omitempty"`

	ChainID uint64 `yaml:"chain_id"`

	// HTLCContract is the deployed hashlock escrow contract.
	HTLCContract string `yaml:"htlc_contract"`

	// EscrowFactory is the staged-escrow factory. Leave empty to disable
	// the staged Aptos pair.
	EscrowFactory string `yaml:"escrow_factory,omitempty"`

	// PrivateKey is the resolver's hex-encoded secp256k1 key.
	PrivateKey string `yaml:"private_key"`

	// Confirmations required before an observed event is trusted.
	Confirmations uint64 `yaml:"confirmations"`
}

// NEARConfig holds NEAR connection and signer settings.
type NEARConfig struct {
	// RPCURL is the JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// NetworkID is "mainnet" or "testnet" as NEAR names them.
	NetworkID string `yaml:"network_id"`

	// HTLCContract is the escrow contract account ID.
	HTLCContract string `yaml:"htlc_contract"`

	// SignerAccountID is the resolver's account.
	SignerAccountID string `yaml:"signer_account_id"`

	// SignerMnemonic derives the resolver's ed25519 key. Exactly one of
	// SignerMnemonic and SignerKey must be set.
	SignerMnemonic string `yaml:"signer_mnemonic,omitempty"`

	// SignerKey is a base58-encoded ed25519 seed, the "ed25519:..." format
	// NEAR credentials files use.
	SignerKey string `yaml:"signer_key,omitempty"`
}

// AptosConfig holds Aptos connection and signer settings.
type AptosConfig struct {
	// RESTURL is the fullnode REST endpoint.
	RESTURL string `yaml:"rest_url"`

	ChainID uint8 `yaml:"chain_id"`

	// HTLCModule is the simple escrow module, "0xaddr::module".
	HTLCModule string `yaml:"htlc_module"`

	// FusionModule is the staged escrow module. Leave empty to disable the
	// staged path; simple escrows keep working.
	FusionModule string `yaml:"fusion_module,omitempty"`

	// SignerMnemonic derives the resolver's ed25519 key.
	SignerMnemonic string `yaml:"signer_mnemonic,omitempty"`

	// SignerKey is a hex-encoded ed25519 seed, used when no mnemonic is set.
	SignerKey string `yaml:"signer_key,omitempty"`

	// SignerAddress is the resolver's account address.
	SignerAddress string `yaml:"signer_address"`
}

// RatesConfig holds price feed settings.
type RatesConfig struct {
	// CoinGeckoAPIKey is the optional demo API key.
	CoinGeckoAPIKey string `yaml:"coingecko_api_key,omitempty"`

	// CacheTTL is how long a fetched snapshot stays fresh.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// DiscountBps is the haircut applied when converting toward ETH.
	DiscountBps int64 `yaml:"discount_bps"`
}

// TimelockConfig holds the escrow stage schedule. Each field is the upper
// bound of its stage, measured from escrow creation.
type TimelockConfig struct {
	Withdrawal         time.Duration `yaml:"withdrawal"`
	PublicWithdrawal   time.Duration `yaml:"public_withdrawal"`
	Cancellation       time.Duration `yaml:"cancellation"`
	PublicCancellation time.Duration `yaml:"public_cancellation"`
}

// Offsets converts the schedule to the stage engine's representation.
func (t TimelockConfig) Offsets() timelock.Offsets {
	return timelock.Offsets{t.Withdrawal, t.PublicWithdrawal, t.Cancellation, t.PublicCancellation}
}

// ListenerConfig holds event polling settings.
type ListenerConfig struct {
	// PollInterval between reconciliation scans.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ChannelBuffer is the event channel capacity per listener.
	ChannelBuffer int `yaml:"channel_buffer"`

	// MaxBlockRange caps a single log scan window.
	MaxBlockRange uint64 `yaml:"max_block_range"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file,omitempty"`
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.Network == Testnet
}

// FusionEnabled reports whether the staged ETH<->Aptos path is configured.
func (c *Config) FusionEnabled() bool {
	return c.Ethereum.EscrowFactory != "" && c.Aptos.FusionModule != ""
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: Testnet,
		Ethereum: EthereumConfig{
			RPCURL:        "https://rpc.sepolia.org",
			ChainID:       11155111,
			Confirmations: 2,
		},
		NEAR: NEARConfig{
			RPCURL:    "https://rpc.testnet.near.org",
			NetworkID: "testnet",
		},
		Aptos: AptosConfig{
			RESTURL: "https://fullnode.testnet.aptoslabs.com/v1",
			ChainID: 2,
		},
		Rates: RatesConfig{
			CacheTTL:    30 * time.Second,
			DiscountBps: 200,
		},
		Timelock: TimelockConfig{
			Withdrawal:         30 * time.Minute,
			PublicWithdrawal:   2 * time.Hour,
			Cancellation:       6 * time.Hour,
			PublicCancellation: 12 * time.Hour,
		},
		Listener: ListenerConfig{
			PollInterval:  10 * time.Second,
			ChannelBuffer: 64,
			MaxBlockRange: 5000,
		},
		Storage: StorageConfig{
			DataDir: "~/.crosslock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CROSSLOCK_ETHEREUM_RPCURL.
const EnvPrefix = "crosslock"

// LoadConfig loads configuration from a YAML file, then applies environment
// overrides. If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	cfg := DefaultConfig()
	cfg.Storage.DataDir = dataDir

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment overrides win over the file. Keeps signer material out
	// of on-disk config in deployments that prefer that.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Crosslock Resolver Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for inconsistencies that would only
// surface later as opaque runtime failures.
func (c *Config) Validate() error {
	if c.Network != Mainnet && c.Network != Testnet {
		return fmt.Errorf("invalid network %q", c.Network)
	}

	if c.Ethereum.RPCURL == "" {
		return fmt.Errorf("ethereum rpc_url is required")
	}
	if c.Ethereum.HTLCContract != "" && !common.IsHexAddress(c.Ethereum.HTLCContract) {
		return fmt.Errorf("invalid ethereum htlc_contract %q", c.Ethereum.HTLCContract)
	}
	if c.Ethereum.EscrowFactory != "" && !common.IsHexAddress(c.Ethereum.EscrowFactory) {
		return fmt.Errorf("invalid ethereum escrow_factory %q", c.Ethereum.EscrowFactory)
	}

	if c.NEAR.RPCURL == "" {
		return fmt.Errorf("near rpc_url is required")
	}
	if c.NEAR.SignerMnemonic != "" && c.NEAR.SignerKey != "" {
		return fmt.Errorf("near signer_mnemonic and signer_key are mutually exclusive")
	}

	if c.Aptos.RESTURL == "" {
		return fmt.Errorf("aptos rest_url is required")
	}

	if c.Rates.DiscountBps < 0 || c.Rates.DiscountBps >= 10000 {
		return fmt.Errorf("rates discount_bps %d out of range [0, 10000)", c.Rates.DiscountBps)
	}

	if err := c.Timelock.Offsets().Validate(); err != nil {
		return fmt.Errorf("invalid timelock schedule: %w", err)
	}

	if c.Listener.PollInterval <= 0 {
		return fmt.Errorf("listener poll_interval must be positive")
	}

	for near, eth := range c.AddressMap {
		if !common.IsHexAddress(eth) {
			return fmt.Errorf("address_map entry %q has invalid ethereum address %q", near, eth)
		}
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
