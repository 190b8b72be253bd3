// Package chain abstracts reads and writes against the randomness contract.
//
// All network and protocol specifics live behind the Client interface so the
// fulfillment engine can run against a scripted substitute in tests.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/vrffulfiller/internal/rpc"
	"github.com/gateway-fm/vrffulfiller/internal/secrets"
	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

// Client is the chain access contract used by the engine and the benchmark
// harness.
type Client interface {
	// HeadBlock returns the latest block height.
	HeadBlock(ctx context.Context) (uint64, error)

	// RequestsInRange returns randomness requests observed in the inclusive
	// block range. Idempotent: the same range yields the same set.
	RequestsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]types.VrfRequest, error)

	// SubmitFulfillment builds, signs, and broadcasts a fulfillment
	// transaction for the request.
	SubmitFulfillment(ctx context.Context, req types.VrfRequest, resp types.Response, cred *secrets.Credential) (types.TxHandle, error)

	// PollInclusion is a non-blocking inclusion check for a submitted
	// transaction. The caller owns the polling cadence.
	PollInclusion(ctx context.Context, handle types.TxHandle) (types.InclusionStatus, error)

	// PollInclusionBatch checks many handles in a single round trip.
	// The result slice is index-aligned with handles.
	PollInclusionBatch(ctx context.Context, handles []types.TxHandle) ([]types.InclusionStatus, error)

	// SubmitRequest broadcasts a randomness request. Used by the benchmark
	// harness to generate load; the engine never calls it.
	SubmitRequest(ctx context.Context, seed [32]byte, cred *secrets.Credential) (types.TxHandle, error)

	// FulfilledInRange returns request ids fulfilled in the inclusive block
	// range. Used by the benchmark harness to measure latency.
	FulfilledInRange(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error)
}

// Config holds settings for the production client.
type Config struct {
	RPC             rpc.Client
	ContractAddress common.Address
	ChainID         *big.Int
	GasLimit        uint64   // per fulfillment tx; default 500000
	GasTipCap       *big.Int // EIP-1559 priority fee; default 1 gwei
	Logger          *slog.Logger
}

// EthClient implements Client over JSON-RPC against an Ethereum-style node.
type EthClient struct {
	rpc       rpc.Client
	contract  common.Address
	chainID   *big.Int
	signer    ethtypes.Signer
	gasLimit  uint64
	gasTipCap *big.Int
	logger    *slog.Logger

	guardsMu sync.Mutex
	guards   map[common.Address]*nonceGuard
}

// NewEthClient creates a production chain client.
func NewEthClient(cfg Config) (*EthClient, error) {
	if cfg.RPC == nil {
		return nil, fmt.Errorf("rpc client is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = 500000
	}
	gasTipCap := cfg.GasTipCap
	if gasTipCap == nil || gasTipCap.Sign() <= 0 {
		gasTipCap = big.NewInt(1_000_000_000) // 1 gwei
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EthClient{
		rpc:       cfg.RPC,
		contract:  cfg.ContractAddress,
		chainID:   cfg.ChainID,
		signer:    ethtypes.LatestSignerForChainID(cfg.ChainID),
		gasLimit:  gasLimit,
		gasTipCap: gasTipCap,
		logger:    logger,
		guards:    make(map[common.Address]*nonceGuard),
	}, nil
}

// HeadBlock returns the latest block height.
func (c *EthClient) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, classifyQueryError(err)
	}
	return head, nil
}

// RequestsInRange fetches RandomnessRequest events in the inclusive range.
func (c *EthClient) RequestsInRange(ctx context.Context, fromBlock, toBlock uint64) ([]types.VrfRequest, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidBlockRange, fromBlock, toBlock)
	}

	logs, err := c.rpc.GetLogs(ctx, rpc.LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Address:   c.contract.Hex(),
		Topics:    []string{requestTopic.Hex()},
	})
	if err != nil {
		return nil, classifyQueryError(err)
	}

	requests := make([]types.VrfRequest, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		req, err := decodeRequestLog(log.Topics, log.Data, log.BlockNumber)
		if err != nil {
			c.logger.Warn("skipping undecodable request log",
				slog.String("txHash", log.TxHash),
				slog.String("error", err.Error()),
			)
			continue
		}
		requests = append(requests, req)
	}

	return requests, nil
}

// SubmitFulfillment signs and broadcasts submitRandom for the request.
func (c *EthClient) SubmitFulfillment(ctx context.Context, req types.VrfRequest, resp types.Response, cred *secrets.Credential) (types.TxHandle, error) {
	data, err := packSubmitRandom(req, resp)
	if err != nil {
		return types.TxHandle{}, fmt.Errorf("failed to pack fulfillment call: %w", err)
	}
	return c.broadcast(ctx, data, cred, req.RequestID)
}

// SubmitRequest signs and broadcasts requestRandom. Benchmark harness only.
func (c *EthClient) SubmitRequest(ctx context.Context, seed [32]byte, cred *secrets.Credential) (types.TxHandle, error) {
	data, err := packRequestRandom(seed)
	if err != nil {
		return types.TxHandle{}, fmt.Errorf("failed to pack request call: %w", err)
	}
	return c.broadcast(ctx, data, cred, 0)
}

func (c *EthClient) broadcast(ctx context.Context, data []byte, cred *secrets.Credential, requestID uint64) (types.TxHandle, error) {
	feeCap, err := c.feeCap(ctx)
	if err != nil {
		return types.TxHandle{}, err
	}

	guard := c.guard(cred.Address())
	nonce, err := guard.Reserve(ctx, c.rpc)
	if err != nil {
		return types.TxHandle{}, err
	}
	defer nonce.Rollback()

	to := c.contract
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce.Value(),
		GasTipCap: c.gasTipCap,
		GasFeeCap: feeCap,
		Gas:       c.gasLimit,
		To:        &to,
		Data:      data,
	})

	signed, err := cred.SignTx(tx, c.signer)
	if err != nil {
		return types.TxHandle{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return types.TxHandle{}, fmt.Errorf("failed to encode transaction: %w", err)
	}

	if err := c.rpc.SendRawTransaction(ctx, raw); err != nil {
		classified := classifySubmitError(err)
		// A rejection usually means nonce drift; recover the confirmed view
		// so the next attempt starts from chain truth.
		if resyncErr := guard.ResyncConfirmed(ctx, c.rpc); resyncErr != nil {
			c.logger.Debug("nonce resync after rejection failed",
				slog.String("error", resyncErr.Error()))
		}
		return types.TxHandle{}, classified
	}

	nonce.Commit()
	return types.TxHandle{
		Hash:      signed.Hash(),
		RequestID: requestID,
		Nonce:     nonce.Value(),
	}, nil
}

// feeCap derives the max fee from the current base fee, falling back to the
// node's gas price on pre-1559 chains.
func (c *EthClient) feeCap(ctx context.Context) (*big.Int, error) {
	base, err := c.rpc.BaseFee(ctx)
	if err != nil {
		price, perr := c.rpc.GasPrice(ctx)
		if perr != nil {
			return nil, classifyQueryError(perr)
		}
		base = price
	}
	feeCap := new(big.Int).SetUint64(base)
	feeCap.Mul(feeCap, big.NewInt(2))
	feeCap.Add(feeCap, c.gasTipCap)
	return feeCap, nil
}

// PollInclusion checks a single transaction's inclusion status.
func (c *EthClient) PollInclusion(ctx context.Context, handle types.TxHandle) (types.InclusionStatus, error) {
	receipt, err := c.rpc.GetTransactionReceipt(ctx, handle.Hash.Hex())
	if err != nil {
		return types.InclusionPending, classifyQueryError(err)
	}
	return receiptStatus(receipt), nil
}

// PollInclusionBatch checks many transactions in one round trip.
func (c *EthClient) PollInclusionBatch(ctx context.Context, handles []types.TxHandle) ([]types.InclusionStatus, error) {
	if len(handles) == 0 {
		return nil, nil
	}

	hashes := make([]string, len(handles))
	for i, h := range handles {
		hashes[i] = h.Hash.Hex()
	}

	receipts, err := c.rpc.GetTransactionReceiptsBatch(ctx, hashes)
	if err != nil {
		return nil, classifyQueryError(err)
	}

	statuses := make([]types.InclusionStatus, len(handles))
	for i, receipt := range receipts {
		statuses[i] = receiptStatus(receipt)
	}
	return statuses, nil
}

func receiptStatus(receipt *rpc.TransactionReceipt) types.InclusionStatus {
	switch {
	case receipt == nil:
		return types.InclusionPending
	case receipt.Status == 1:
		return types.InclusionIncluded
	default:
		return types.InclusionReverted
	}
}

// FulfilledInRange returns request ids fulfilled in the inclusive range.
func (c *EthClient) FulfilledInRange(ctx context.Context, fromBlock, toBlock uint64) ([]uint64, error) {
	if fromBlock > toBlock {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidBlockRange, fromBlock, toBlock)
	}

	logs, err := c.rpc.GetLogs(ctx, rpc.LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Address:   c.contract.Hex(),
		Topics:    []string{fulfilledTopic.Hex()},
	})
	if err != nil {
		return nil, classifyQueryError(err)
	}

	ids := make([]uint64, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		id, err := decodeFulfilledLog(log.Topics)
		if err != nil {
			c.logger.Warn("skipping undecodable fulfillment log",
				slog.String("txHash", log.TxHash),
				slog.String("error", err.Error()),
			)
			continue
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (c *EthClient) guard(address common.Address) *nonceGuard {
	c.guardsMu.Lock()
	defer c.guardsMu.Unlock()
	g, ok := c.guards[address]
	if !ok {
		g = newNonceGuard(address)
		c.guards[address] = g
	}
	return g
}
