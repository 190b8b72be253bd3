// Package config handles configuration loading and validation.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Network holds per-network defaults.
type Network struct {
	Name    string
	ChainID int64
	RPCURL  string
}

// Known networks. The devnet entry matches the local docker compose stack.
var networks = map[string]Network{
	"mainnet": {Name: "mainnet", ChainID: 1, RPCURL: ""},
	"sepolia": {Name: "sepolia", ChainID: 11155111, RPCURL: ""},
	"devnet":  {Name: "devnet", ChainID: 31337, RPCURL: "http://localhost:8545"},
}

// Config holds fulfillment service configuration.
type Config struct {
	Network      string
	RPCURL       string
	ChainID      int64
	VRFAddress   string // randomness contract address
	AdminAddress string // expected fulfiller address; checked against the resolved key
	Secret       string // key specifier: plain:<hex>, env:<var>, aws-secret:<name>

	StartBlock   uint64        // initial cursor when no persisted state exists
	PollInterval time.Duration // detection loop cadence
	Workers      int           // concurrent submissions per tick

	MaxAttempts  int           // fulfillment retry bound per request
	RetryBackoff time.Duration // initial retry backoff

	GasTipCap int64  // EIP-1559 priority fee (tip) in wei
	GasLimit  uint64 // fulfillment transaction gas limit

	ListenAddr   string // status API address; empty disables the API
	DatabasePath string // path to SQLite state file
	LogLevel     string // debug, info, warn, error
	Randomness   string // randomness computer backend; "keccak" is the default
}

// Defaults
const (
	DefaultNetwork      = "devnet"
	DefaultStartBlock   = 0
	DefaultPollInterval = 10 * time.Second
	DefaultWorkers      = 8
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 5 * time.Second
	DefaultGasTipCap    = 1000000000 // 1 Gwei
	DefaultGasLimit     = 500000
	DefaultListenAddr   = ":3001"
	DefaultDatabasePath = "./data/fulfiller.db"
	DefaultLogLevel     = "info"
	DefaultRandomness   = "keccak"
)

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Network:      DefaultNetwork,
		StartBlock:   DefaultStartBlock,
		PollInterval: DefaultPollInterval,
		Workers:      DefaultWorkers,
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: DefaultRetryBackoff,
		GasTipCap:    DefaultGasTipCap,
		GasLimit:     DefaultGasLimit,
		ListenAddr:   DefaultListenAddr,
		DatabasePath: DefaultDatabasePath,
		LogLevel:     DefaultLogLevel,
		Randomness:   DefaultRandomness,
	}

	// Load from environment variables first
	if v := os.Getenv("VRF_NETWORK"); v != "" {
		cfg.Network = v
	}
	if v := os.Getenv("VRF_RPC_URL"); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv("VRF_CONTRACT_ADDRESS"); v != "" {
		cfg.VRFAddress = v
	}
	if v := os.Getenv("VRF_ADMIN_ADDRESS"); v != "" {
		cfg.AdminAddress = v
	}
	if v := os.Getenv("VRF_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("VRF_START_BLOCK"); v != "" {
		if b, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.StartBlock = b
		}
	}
	if v := os.Getenv("VRF_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("VRF_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VRF_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("VRF_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VRF_GAS_TIP_CAP"); v != "" {
		if tip, err := strconv.ParseInt(v, 10, 64); err == nil && tip > 0 {
			cfg.GasTipCap = tip
		}
	}

	// Define command-line flags
	var (
		network      = flag.String("network", cfg.Network, "Network name (mainnet, sepolia, devnet)")
		rpcURL       = flag.String("rpc-url", cfg.RPCURL, "Chain node RPC URL")
		vrfAddress   = flag.String("vrf-address", cfg.VRFAddress, "Randomness contract address")
		adminAddress = flag.String("admin-address", cfg.AdminAddress, "Expected fulfiller address")
		secret       = flag.String("secret", cfg.Secret, "Key specifier: plain:<hex>, env:<var>, aws-secret:<name>")
		startBlock   = flag.Uint64("start-block", cfg.StartBlock, "Initial cursor block when state is empty")
		pollInterval = flag.Duration("poll-interval", cfg.PollInterval, "Detection loop interval")
		workers      = flag.Int("workers", cfg.Workers, "Concurrent submissions per tick")
		maxAttempts  = flag.Int("max-attempts", cfg.MaxAttempts, "Fulfillment attempts per request")
		retryBackoff = flag.Duration("retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
		gasTipCap    = flag.Int64("gastipcap", cfg.GasTipCap, "EIP-1559 priority fee (tip) in wei")
		gasLimit     = flag.Uint64("gaslimit", cfg.GasLimit, "Fulfillment transaction gas limit")
		listenAddr   = flag.String("listen", cfg.ListenAddr, "Status API listen address (empty disables)")
		databasePath = flag.String("db", cfg.DatabasePath, "SQLite state file path")
		logLevel     = flag.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
		randomSrc    = flag.String("randomness", cfg.Randomness, "Randomness backend")
	)

	flag.Parse()

	cfg.Network = *network
	cfg.RPCURL = *rpcURL
	cfg.VRFAddress = *vrfAddress
	cfg.AdminAddress = *adminAddress
	cfg.Secret = *secret
	cfg.StartBlock = *startBlock
	cfg.PollInterval = *pollInterval
	cfg.Workers = *workers
	cfg.MaxAttempts = *maxAttempts
	cfg.RetryBackoff = *retryBackoff
	cfg.GasTipCap = *gasTipCap
	cfg.GasLimit = *gasLimit
	cfg.ListenAddr = *listenAddr
	cfg.DatabasePath = *databasePath
	cfg.LogLevel = *logLevel
	cfg.Randomness = *randomSrc

	// Fill network defaults for anything still unset.
	net, ok := networks[cfg.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network: %s (supported: mainnet, sepolia, devnet)", cfg.Network)
	}
	cfg.ChainID = net.ChainID
	if cfg.RPCURL == "" {
		cfg.RPCURL = net.RPCURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL is required (no default for network %s)", c.Network)
	}
	if c.VRFAddress == "" {
		return fmt.Errorf("randomness contract address is required")
	}
	if !common.IsHexAddress(c.VRFAddress) {
		return fmt.Errorf("invalid contract address: %s", c.VRFAddress)
	}
	if c.AdminAddress != "" && !common.IsHexAddress(c.AdminAddress) {
		return fmt.Errorf("invalid admin address: %s", c.AdminAddress)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret specifier is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if c.GasTipCap <= 0 {
		return fmt.Errorf("gas tip cap must be positive")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("gas limit must be positive")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}
