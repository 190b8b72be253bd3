// VRF fulfillment service.
//
// Polls a randomness contract for unfulfilled requests, computes responses,
// and submits fulfillment transactions, tracking durable state across
// restarts.
package main

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gateway-fm/vrffulfiller/internal/chain"
	"github.com/gateway-fm/vrffulfiller/internal/config"
	"github.com/gateway-fm/vrffulfiller/internal/engine"
	"github.com/gateway-fm/vrffulfiller/internal/metrics"
	"github.com/gateway-fm/vrffulfiller/internal/randomness"
	"github.com/gateway-fm/vrffulfiller/internal/rpc"
	"github.com/gateway-fm/vrffulfiller/internal/secrets"
	"github.com/gateway-fm/vrffulfiller/internal/tracker"
	"github.com/gateway-fm/vrffulfiller/internal/transport"
	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

// service implements transport.FulfillerAPI over the engine and tracker.
type service struct {
	engine  *engine.Engine
	tracker *tracker.Store
}

func (s *service) Status(ctx context.Context) (types.EngineStatus, error) {
	return s.engine.Status(ctx)
}

func (s *service) Request(ctx context.Context, requestID uint64) (*tracker.StoredRequest, error) {
	return s.tracker.Request(ctx, requestID)
}

func (s *service) Recent(ctx context.Context, status types.RequestStatus, limit int) ([]tracker.StoredRequest, error) {
	return s.tracker.Recent(ctx, status, limit)
}

// nodeHealth implements transport.HealthChecker.
type nodeHealth struct {
	rpc rpc.Client
}

func (h *nodeHealth) CheckNode(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := h.rpc.BlockNumber(ctx)
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Resolve the signing key before anything else. A bad specifier or an
	// unreachable secret store is fatal; the poll loop never starts.
	var store secrets.Store
	if strings.HasPrefix(cfg.Secret, "aws-secret:") {
		awsStore, err := secrets.NewAWSStore(ctx)
		if err != nil {
			logger.Error("failed to initialize AWS secret store", "error", err)
			os.Exit(1)
		}
		store = awsStore
	}
	cred, err := secrets.NewResolver(store).Resolve(ctx, cfg.Secret)
	if err != nil {
		logger.Error("failed to resolve signing key", "error", err)
		os.Exit(1)
	}
	if cfg.AdminAddress != "" && cred.Address() != common.HexToAddress(cfg.AdminAddress) {
		logger.Error("resolved key does not match admin address",
			"resolved", cred.Address().Hex(),
			"expected", cfg.AdminAddress,
		)
		os.Exit(1)
	}
	logger.Info("resolved signing key", "address", cred.Address().Hex())

	rpcClient := rpc.NewHTTPClient(rpc.DefaultClientConfig(cfg.RPCURL))

	// Startup reachability check.
	head, err := (&nodeHealth{rpc: rpcClient}).checkStartup(ctx)
	if err != nil {
		logger.Error("chain node unreachable", "url", cfg.RPCURL, "error", err)
		os.Exit(1)
	}
	logger.Info("connected to chain node",
		"url", cfg.RPCURL,
		"network", cfg.Network,
		"head", head,
	)

	chainClient, err := chain.NewEthClient(chain.Config{
		RPC:             rpcClient,
		ContractAddress: common.HexToAddress(cfg.VRFAddress),
		ChainID:         big.NewInt(cfg.ChainID),
		GasLimit:        cfg.GasLimit,
		GasTipCap:       big.NewInt(cfg.GasTipCap),
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to create chain client", "error", err)
		os.Exit(1)
	}

	trackerStore, err := tracker.NewStore(cfg.DatabasePath, cfg.StartBlock)
	if err != nil {
		logger.Error("failed to open state database", "error", err, "path", cfg.DatabasePath)
		os.Exit(1)
	}
	defer trackerStore.Close()
	logger.Info("opened state database", "path", cfg.DatabasePath)

	computer, err := randomness.New(cfg.Randomness, cred.ProofSecret())
	if err != nil {
		logger.Error("failed to create randomness backend", "error", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Status API, optional.
	var apiServer *transport.Server
	var onEvent func(types.EngineEvent)
	if cfg.ListenAddr != "" {
		// apiServer needs the engine; wired up below once it exists.
		onEvent = func(event types.EngineEvent) {
			if apiServer != nil {
				apiServer.Publish(event)
			}
		}
	}

	eng, err := engine.New(engine.Config{
		Chain:        chainClient,
		Tracker:      trackerStore,
		Computer:     computer,
		Credential:   cred,
		PollInterval: cfg.PollInterval,
		Retry: types.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     2 * time.Minute,
		},
		Workers: cfg.Workers,
		Metrics: m,
		OnEvent: onEvent,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.ListenAddr != "" {
		apiServer = transport.NewServer(
			&service{engine: eng, tracker: trackerStore},
			&nodeHealth{rpc: rpcClient},
			cfg.Network,
			logger,
		)
		defer apiServer.Stop()

		httpServer := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: apiServer.Handler(),
		}
		go func() {
			logger.Info("status API listening", "addr", cfg.ListenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status API failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting fulfillment engine",
		"contract", cfg.VRFAddress,
		"startBlock", cfg.StartBlock,
		"pollInterval", cfg.PollInterval.String(),
		"maxAttempts", cfg.MaxAttempts,
	)

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine terminated", "error", err)
		os.Exit(1)
	}
}

// checkStartup verifies the node answers a head query.
func (h *nodeHealth) checkStartup(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return h.rpc.BlockNumber(ctx)
}
