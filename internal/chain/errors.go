package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/gateway-fm/vrffulfiller/internal/rpc"
)

var (
	// ErrNodeUnavailable is transient: the node could not be reached or gave
	// a transport-level failure. The caller retries with the same parameters.
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrInvalidBlockRange is fatal for the call: the requested range is
	// malformed or rejected by the node. The caller must adjust the range.
	ErrInvalidBlockRange = errors.New("invalid block range")
	// ErrTransactionRejected means the node refused the transaction (nonce
	// conflict, underpriced, insufficient balance). Retryable after the
	// sender's nonce and balance are re-checked.
	ErrTransactionRejected = errors.New("transaction rejected")
)

// rejectionMarkers are node error substrings that indicate a submission-side
// rejection rather than node unavailability.
var rejectionMarkers = []string{
	"nonce too low",
	"nonce too high",
	"replacement transaction underpriced",
	"transaction underpriced",
	"already known",
	"insufficient funds",
	"insufficient balance",
}

// classifySubmitError maps a raw RPC failure of eth_sendRawTransaction onto
// the client's error taxonomy.
func classifySubmitError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		for _, marker := range rejectionMarkers {
			if strings.Contains(msg, marker) {
				return errors.Join(ErrTransactionRejected, err)
			}
		}
		// Other node-side RPC errors on submit are treated as rejections too:
		// resubmitting the same bytes will not change the outcome.
		return errors.Join(ErrTransactionRejected, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(ErrNodeUnavailable, err)
}

// classifyQueryError maps a raw RPC failure of a read call onto the taxonomy.
func classifyQueryError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		if strings.Contains(msg, "block range") || strings.Contains(msg, "invalid block") {
			return errors.Join(ErrInvalidBlockRange, err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(ErrNodeUnavailable, err)
}
