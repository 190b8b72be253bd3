// VRF fulfillment benchmark.
//
// Spams randomness requests from a set of accounts against a deployed
// contract and reports end-to-end fulfillment latency. Run it against a
// stack with the fulfillment service already polling.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/vrffulfiller/internal/bench"
	"github.com/gateway-fm/vrffulfiller/internal/chain"
	"github.com/gateway-fm/vrffulfiller/internal/rpc"
	"github.com/gateway-fm/vrffulfiller/internal/secrets"
)

func main() {
	var (
		rpcURL       = flag.String("rpc-url", envOrDefault("VRF_RPC_URL", "http://localhost:8545"), "Chain node RPC URL")
		vrfAddress   = flag.String("vrf-address", envOrDefault("VRF_CONTRACT_ADDRESS", ""), "Randomness contract address")
		chainID      = flag.Int64("chainid", 31337, "Chain ID")
		accountsFile = flag.String("accounts-file", "", "JSON file with hex private keys (generates throwaway keys when empty)")
		numAccounts  = flag.Int("accounts", 5, "Number of generated accounts when no accounts file is given")
		perAccount   = flag.Int("requests-per-account", 1, "Requests sent per account")
		rate         = flag.Float64("rate", 10, "Total request rate per second")
		timeout      = flag.Duration("timeout", 10*time.Minute, "Overall benchmark deadline")
		jsonOut      = flag.Bool("json", false, "Print the result as JSON")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *vrfAddress == "" || !common.IsHexAddress(*vrfAddress) {
		logger.Error("a valid -vrf-address is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var accounts []*secrets.Credential
	var err error
	if *accountsFile != "" {
		accounts, err = bench.LoadAccounts(*accountsFile)
	} else {
		logger.Warn("no accounts file given, generating throwaway keys; fund them before use",
			"count", *numAccounts)
		accounts, err = bench.GenerateAccounts(*numAccounts)
	}
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}

	chainClient, err := chain.NewEthClient(chain.Config{
		RPC:             rpc.NewHTTPClient(rpc.DefaultClientConfig(*rpcURL)),
		ContractAddress: common.HexToAddress(*vrfAddress),
		ChainID:         big.NewInt(*chainID),
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to create chain client", "error", err)
		os.Exit(1)
	}

	driver, err := bench.NewDriver(bench.Config{
		Chain:              chainClient,
		Accounts:           accounts,
		RequestsPerAccount: *perAccount,
		Rate:               *rate,
		Timeout:            *timeout,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to create benchmark driver", "error", err)
		os.Exit(1)
	}

	result, err := driver.Run(ctx)
	if err != nil {
		logger.Error("benchmark failed", "error", err)
		os.Exit(1)
	}

	if *jsonOut {
		json.NewEncoder(os.Stdout).Encode(result)
		return
	}

	if result.Latency == nil {
		logger.Error("no fulfillments observed before the deadline",
			"requested", result.Requested,
			"sendFailed", result.SendFailed,
		)
		os.Exit(1)
	}
	logger.Info("latency",
		"count", result.Latency.Count,
		"avgMs", result.Latency.Avg,
		"p50Ms", result.Latency.P50,
		"p95Ms", result.Latency.P95,
		"p99Ms", result.Latency.P99,
		"maxMs", result.Latency.Max,
	)
	if result.Unfulfilled > 0 {
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
